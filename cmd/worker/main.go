// Package main is the entry point for the phase worker. It consumes phase
// requests from NATS and runs them against the shared store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Simerblur/online-data-mining/internal/api"
	"github.com/Simerblur/online-data-mining/internal/api/handlers"
	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/internal/events"
	"github.com/Simerblur/online-data-mining/internal/pipeline"
	"github.com/Simerblur/online-data-mining/pkg/logger"
	"github.com/Simerblur/online-data-mining/pkg/shutdown"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.NATS.Enabled {
		return errors.New("the worker needs NATS_ENABLED=true")
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	log.Info("starting phase worker",
		"version", version,
		"environment", cfg.App.Environment,
	)

	shutdownHandler := shutdown.New(log.Logger, time.Duration(cfg.App.ShutdownTimeout)*time.Second)

	// Handlers observe ctx; cancelling it stops an in-flight phase at the
	// next movie boundary.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pipeline.New(ctx, cfg, log, pipeline.Options{Events: true, Objects: true})
	if err != nil {
		return err
	}
	shutdownHandler.RegisterNamed("pipeline", func(context.Context) error {
		return p.Close()
	})
	log.Info("connected", "nats_url", cfg.NATS.URL, "db_driver", cfg.Database.Driver)

	worker := events.NewPhaseWorker(p.Bus(), pipeline.NewRunner(p, true, log), events.DefaultWorkerConfig(), log)
	if err := worker.Start(ctx); err != nil {
		p.Close()
		return fmt.Errorf("failed to start phase worker: %w", err)
	}
	shutdownHandler.RegisterNamed("phase_worker", func(stopCtx context.Context) error {
		cancel()
		return worker.Stop(stopCtx)
	})

	deps := api.Dependencies{
		Logger:  log.Logger,
		Dataset: p.Store(),
		Ready: map[string]handlers.HealthChecker{
			"nats": handlers.HealthFunc(func(context.Context) error {
				if !p.Bus().IsConnected() {
					return errors.New("not connected")
				}
				return nil
			}),
		},
		Metrics: map[string]handlers.MetricsSource{
			"phase_worker": func() any { return worker.Metrics() },
		},
	}
	if objects := p.Objects(); objects != nil {
		deps.Objects = objects
	}
	if cache := p.Cache(); cache != nil {
		deps.Metrics["page_cache"] = func() any {
			m := cache.GetMetrics()
			return map[string]any{"hits": m.Hits, "misses": m.Misses, "errors": m.Errors, "healthy": cache.IsHealthy()}
		}
	}

	routerCfg := api.DefaultRouterConfig()
	routerCfg.Version = version
	serverCfg := api.DefaultServerConfig()
	serverCfg.Port = cfg.App.HealthPort
	server := api.NewServer(api.NewRouter(deps, routerCfg), serverCfg, log.Logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	shutdownHandler.RegisterNamed("http_server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	log.Info("worker started successfully",
		"version", version,
		"http_port", cfg.App.HealthPort,
		"nats_url", cfg.NATS.URL,
	)

	shutdownHandler.Wait()

	log.Info("worker stopped")
	return nil
}
