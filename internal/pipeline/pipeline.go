// Package pipeline builds the crawl phases and their collaborators from
// configuration. cmd/crawler and cmd/worker share it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/internal/crawler"
	"github.com/Simerblur/online-data-mining/internal/events"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/pagination"
	"github.com/Simerblur/online-data-mining/internal/retry"
	"github.com/Simerblur/online-data-mining/internal/session"
	"github.com/Simerblur/online-data-mining/internal/storage"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// ErrUnknownPhase is returned for phase names other than imdb, boxoffice,
// metacritic and rottentomatoes.
var ErrUnknownPhase = errors.New("unknown phase")

// Pipeline owns the long-lived resources of a crawler process: the store,
// the browser session, the HTTP fetcher, the politeness controller and the
// optional cache, event bus and object storage.
type Pipeline struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *storage.Store
	sessions *session.Manager
	router   *fetch.Router
	ctrl     *retry.Controller
	cache    *storage.PageCache
	bus      *events.Client
	objects  *storage.MinIOStorage
}

// Options selects the optional integrations.
type Options struct {
	// Events connects to NATS when it is enabled in the config.
	Events bool
	// Objects connects to MinIO when it is enabled in the config.
	Objects bool
}

// New connects everything the phases need. Redis is optional at runtime:
// when it cannot be reached the crawl continues uncached.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Pipeline, error) {
	if log == nil {
		log = logger.Default()
	}
	p := &Pipeline{cfg: cfg, log: log.WithComponent("pipeline")}

	store, err := storage.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	p.store = store

	var cache fetch.Cache
	if cfg.Redis.Enabled {
		client, err := storage.NewRedisClient(ctx, storage.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			p.log.WithError(err).Warn("page cache disabled")
		} else {
			cacheCfg := storage.DefaultCacheConfig()
			cacheCfg.PageTTL = cfg.Redis.PageTTL
			p.cache = storage.NewPageCache(ctx, client, log, cacheCfg)
			cache = p.cache
		}
	}

	p.sessions = session.NewManager(
		session.ConfigFrom(cfg.Session),
		session.NewChromeLauncher(session.ChromeConfigFrom(cfg.Session), log),
		log,
	)
	light := fetch.NewLightFetcher(fetch.LightConfig{
		UserAgent: cfg.Session.UserAgent,
		ProxyURL:  ProxyURL(cfg.Session),
		Timeout:   cfg.Politeness.RequestTimeout,
	}, cache, log)
	p.router = fetch.NewRouter(p.sessions, light, log)

	p.ctrl = retry.NewController(retry.ConfigFrom(cfg.Politeness), log,
		retry.WithReset(func(ctx context.Context, cause error) error {
			p.log.WithError(cause).Info("resetting browser session")
			return p.sessions.Reset(ctx)
		}),
	)

	if opts.Events && cfg.NATS.Enabled {
		bus, err := events.NewClient(events.ConfigFrom(cfg.NATS), log)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		if err := bus.SetupStreams(ctx); err != nil {
			p.log.WithError(err).Warn("failed to set up streams (may already exist)")
		}
		p.bus = bus
	}

	if opts.Objects && cfg.Storage.Enabled {
		objects, err := storage.NewMinIOStorage(storage.MinIOConfigFrom(cfg.Storage))
		if err != nil {
			p.Close()
			return nil, err
		}
		if err := objects.InitBucket(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to initialize bucket: %w", err)
		}
		p.objects = objects
	}

	return p, nil
}

// ProxyURL renders the configured proxy for the HTTP client, or "" when
// no proxy is set.
func ProxyURL(c config.SessionConfig) string {
	if c.ProxyHost == "" {
		return ""
	}
	u := url.URL{Scheme: "http", Host: c.ProxyHost + ":" + strconv.Itoa(c.ProxyPort)}
	if c.ProxyUser != "" {
		u.User = url.UserPassword(c.ProxyUsername(), c.ProxyPassword)
	}
	return u.String()
}

// Store returns the relational store.
func (p *Pipeline) Store() *storage.Store { return p.store }

// Bus returns the event bus, or nil when events are disabled.
func (p *Pipeline) Bus() *events.Client { return p.bus }

// Objects returns the object storage, or nil when uploads are disabled.
func (p *Pipeline) Objects() storage.ObjectStorage {
	if p.objects == nil {
		return nil
	}
	return p.objects
}

// Cache returns the page cache, or nil when Redis is off or unreachable.
func (p *Pipeline) Cache() *storage.PageCache { return p.cache }

// Limits returns the configured crawl limits.
func (p *Pipeline) Limits() crawler.Limits { return crawler.LimitsFrom(p.cfg.Crawl) }

// Close releases every resource. It is safe to call on a partially built
// pipeline.
func (p *Pipeline) Close() error {
	var errs []error
	if p.bus != nil {
		if err := p.bus.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if p.sessions != nil {
		if err := p.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: %w", err))
		}
	}
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run is one set of phases sharing a run id. Each phase has its own failure
// budget.
type Run struct {
	ID             string
	IMDb           *crawler.IMDbPhase
	BoxOffice      *crawler.BoxOfficePhase
	Metacritic     *crawler.MetacriticPhase
	RottenTomatoes *crawler.RottenTomatoesPhase

	listings []*pagination.BrowserListing
}

// NewRun builds the phases of one run. progress, when set, is called once
// per movie a phase finished looking at.
func (p *Pipeline) NewRun(runID string, progress func(phase string)) *Run {
	log := p.log.WithRun(runID, "")

	var notifier crawler.Notifier
	if p.bus != nil {
		notifier = events.NewEmitter(p.bus, runID)
	}

	deps := func() *crawler.Deps {
		return &crawler.Deps{
			Pages:    p.router,
			Store:    p.store,
			Ctrl:     p.ctrl,
			Budget:   retry.NewBudget(p.cfg.Crawl.MaxTerminalFailures),
			Notifier: notifier,
			Progress: progress,
			Log:      log,
		}
	}

	listing := pagination.NewBrowserListing(p.sessions, fetch.KindIMDbSearch, crawler.IMDbSearchURL, pagination.IMDbLinkSelector)
	walkCfg := pagination.Config{
		Domain:       crawler.DomainIMDb,
		StableRounds: p.cfg.Crawl.StableRounds,
		MaxReveals:   p.cfg.Crawl.MaxReveals,
	}
	imdbWalker := pagination.NewWalker(listing, pagination.IMDbTitle, p.ctrl, walkCfg, log)

	browse := pagination.NewPagedListing(p.router, fetch.KindMetacriticBrowse, crawler.MetacriticBrowseLayout, pagination.MetacriticLinkSelector, 0)
	walkCfg.Domain = crawler.DomainMetacritic
	browseWalker := pagination.NewWalker(browse, pagination.MetacriticMovie, p.ctrl, walkCfg, log)

	rtListing := pagination.NewBrowserListing(p.sessions, fetch.KindRTBrowse, crawler.RottenTomatoesBrowseURL,
		pagination.RottenTomatoesLinkSelector, pagination.WithStrategy(pagination.Scroll, ""))
	walkCfg.Domain = crawler.DomainRottenTomatoes
	rtWalker := pagination.NewWalker(rtListing, pagination.RottenTomatoesMovie, p.ctrl, walkCfg, log)

	return &Run{
		ID:             runID,
		IMDb:           crawler.NewIMDbPhase(deps(), imdbWalker, assemble.New(log)),
		BoxOffice:      crawler.NewBoxOfficePhase(deps()),
		Metacritic:     crawler.NewMetacriticPhase(deps(), browseWalker, crawler.DefaultBrowseTarget),
		RottenTomatoes: crawler.NewRottenTomatoesPhase(deps(), rtWalker, crawler.DefaultRTListingTarget),
		listings:       []*pagination.BrowserListing{listing, rtListing},
	}
}

// Enrichment returns the phases that run after IMDb, in report order.
func (r *Run) Enrichment() []crawler.Phase {
	return []crawler.Phase{r.BoxOffice, r.Metacritic, r.RottenTomatoes}
}

// Phase returns the named phase.
func (r *Run) Phase(name string) (crawler.Phase, error) {
	switch name {
	case crawler.PhaseIMDb:
		return r.IMDb, nil
	case crawler.PhaseBoxOffice:
		return r.BoxOffice, nil
	case crawler.PhaseMetacritic:
		return r.Metacritic, nil
	case crawler.PhaseRottenTomatoes:
		return r.RottenTomatoes, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, name)
	}
}

// Close releases any hold the listings still have on the browser session.
func (r *Run) Close() {
	for _, l := range r.listings {
		l.Close()
	}
}
