package retry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// Config holds the politeness and retry bounds.
type Config struct {
	MinDelay      time.Duration // minimum spacing between request starts per domain
	MaxRetries    int           // retries after the first attempt
	BaseDelay     time.Duration // first retry delay, doubled per retry
	ThrottleStart time.Duration
	ThrottleMin   time.Duration
	ThrottleMax   time.Duration
}

// ConfigFrom builds a Config from the politeness section of the app config.
func ConfigFrom(p config.PolitenessConfig) Config {
	return Config{
		MinDelay:      p.MinDelay,
		MaxRetries:    p.MaxRetries,
		BaseDelay:     p.RetryBaseDelay,
		ThrottleStart: p.ThrottleStart,
		ThrottleMin:   p.ThrottleMin,
		ThrottleMax:   p.ThrottleMax,
	}
}

// ResetFunc replaces the browser session after a challenge.
type ResetFunc func(ctx context.Context, cause error) error

// Op is one attempt at a request.
type Op func(ctx context.Context) error

// Controller runs operations against source domains with one request in
// flight per domain, a minimum delay between requests, an adaptive delay
// that follows observed latency, and bounded retries.
type Controller struct {
	cfg      Config
	log      *logger.Logger
	throttle *Throttle
	reset    ResetFunc

	gatesMu sync.RWMutex
	gates   map[string]*gate

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type gate struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	lastDone time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithReset installs the hook called before retrying a challenged request.
func WithReset(fn ResetFunc) Option {
	return func(c *Controller) { c.reset = fn }
}

// NewController creates a controller.
func NewController(cfg Config, log *logger.Logger, opts ...Option) *Controller {
	if log == nil {
		log = logger.Default()
	}
	c := &Controller{
		cfg:      cfg,
		log:      log.WithComponent("retry"),
		throttle: NewThrottle(cfg.ThrottleStart, cfg.ThrottleMin, cfg.ThrottleMax),
		gates:    make(map[string]*gate),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Throttle exposes the adaptive delay state.
func (c *Controller) Throttle() *Throttle { return c.throttle }

// Do runs op for domain. Terminal failures return immediately; retryable
// ones are repeated up to MaxRetries times with a doubling delay, after which
// an *Exhausted error is returned.
func (c *Controller) Do(ctx context.Context, domain string, op Op) error {
	g := c.gate(domain)
	delay := c.cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, domain, g, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) == Terminal {
			return err
		}
		if attempt > c.cfg.MaxRetries {
			c.log.WithError(err).Warn("giving up", "domain", domain, "attempts", attempt)
			return &Exhausted{Attempts: attempt, Err: err}
		}

		c.log.WithError(err).Debug("retrying request",
			"domain", domain,
			"attempt", attempt,
			"delay", delay,
		)

		if RequiresReset(err) && c.reset != nil {
			if rerr := c.reset(ctx, err); rerr != nil {
				return rerr
			}
		}

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func (c *Controller) attempt(ctx context.Context, domain string, g *gate, op Op) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Permanent(err)
	}

	if !g.lastDone.IsZero() {
		if wait := c.throttle.Delay(domain) - c.now().Sub(g.lastDone); wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	start := c.now()
	err := op(ctx)
	g.lastDone = c.now()
	c.throttle.Observe(domain, g.lastDone.Sub(start))
	return err
}

// gate returns the per-domain gate, creating it on first use.
func (c *Controller) gate(domain string) *gate {
	c.gatesMu.RLock()
	g, ok := c.gates[domain]
	c.gatesMu.RUnlock()
	if ok {
		return g
	}

	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()

	// Double-check after acquiring write lock
	if g, ok = c.gates[domain]; ok {
		return g
	}

	limit := rate.Inf
	if c.cfg.MinDelay > 0 {
		limit = rate.Every(c.cfg.MinDelay)
	}
	g = &gate{
		sem:     semaphore.NewWeighted(1),
		limiter: rate.NewLimiter(limit, 1),
	}
	c.gates[domain] = g
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
