// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Handler manages graceful shutdown of multiple components.
type Handler struct {
	logger   *slog.Logger
	timeout  time.Duration
	cleanups []namedCleanup
	mu       sync.Mutex
	once     sync.Once
}

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// New creates a new shutdown handler.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order, one at a time, so a writer
// registered after its database is flushed before the database closes.
func (h *Handler) Register(fn CleanupFunc) {
	h.RegisterNamed("", fn)
}

// RegisterNamed adds a named cleanup function for better logging.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, namedCleanup{name: name, fn: fn})
}

// SignalContext returns a context that is cancelled on SIGINT or SIGTERM.
// Crawl phases observe it to flush finalized records and stop early.
func (h *Handler) SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil {
			h.logger.Info("received shutdown signal")
		}
	}()
	return ctx, cancel
}

// Wait blocks until a shutdown signal is received, then performs cleanup.
func (h *Handler) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	h.logger.Info("received shutdown signal", "signal", sig.String())

	h.Shutdown()
}

// Shutdown runs the registered cleanups once. Later calls are no-ops.
func (h *Handler) Shutdown() error {
	var result error
	h.once.Do(func() {
		result = h.run()
	})
	return result
}

func (h *Handler) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]namedCleanup, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if ctx.Err() != nil {
			h.logger.Warn("shutdown timed out, skipping remaining cleanups", "remaining", i+1)
			errs = append(errs, ctx.Err())
			break
		}
		if c.name != "" {
			h.logger.Info("shutting down component", "component", c.name)
		}
		if err := c.fn(ctx); err != nil {
			h.logger.Error("error shutting down component", "component", c.name, "error", err)
			errs = append(errs, err)
			continue
		}
		if c.name != "" {
			h.logger.Info("component shut down successfully", "component", c.name)
		}
	}

	if len(errs) == 0 {
		h.logger.Info("graceful shutdown completed")
	}
	return errors.Join(errs...)
}
