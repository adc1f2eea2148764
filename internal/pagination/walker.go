// Package pagination enumerates detail links from listings that reveal
// more entries on interaction, such as "load more" buttons, infinite scroll
// or numbered pages.
package pagination

import (
	"context"
	"fmt"

	"github.com/Simerblur/online-data-mining/internal/retry"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// Revealer is a listing in some rendered state.
type Revealer interface {
	// Scan returns every detail link currently visible, in page order.
	Scan(ctx context.Context) ([]string, error)
	// Reveal asks the listing for more entries. more=false means the
	// listing has nothing left to show.
	Reveal(ctx context.Context) (more bool, err error)
}

// Reason explains why a walk ended.
type Reason string

const (
	ReasonTarget    Reason = "target_reached"
	ReasonStable    Reason = "no_new_links"
	ReasonExhausted Reason = "listing_exhausted"
)

// Result summarizes one Walk call.
type Result struct {
	Links   int // links emitted by this call
	Total   int // unique links seen over the walker's lifetime
	Reveals int // reveals performed by this call
	Reason  Reason
}

// Config bounds a walk.
type Config struct {
	Domain       string // politeness domain for the retry controller
	StableRounds int    // consecutive reveals without new links before giving up
	MaxReveals   int    // hard cap on reveals over the walker's lifetime
}

// Walker deduplicates links across reveals and emits each new one once.
// It keeps its state between Walk calls, so a later call continues where
// the previous one stopped without re-emitting anything.
type Walker struct {
	src   Revealer
	canon Canonicalizer
	ctrl  *retry.Controller
	cfg   Config
	log   *logger.Logger

	seen    map[string]struct{}
	reveals int
	done    bool
}

// NewWalker creates a walker over src.
func NewWalker(src Revealer, canon Canonicalizer, ctrl *retry.Controller, cfg Config, log *logger.Logger) *Walker {
	if log == nil {
		log = logger.Default()
	}
	if cfg.StableRounds <= 0 {
		cfg.StableRounds = 3
	}
	return &Walker{
		src:   src,
		canon: canon,
		ctrl:  ctrl,
		cfg:   cfg,
		log:   log.WithComponent("walker"),
		seen:  make(map[string]struct{}),
	}
}

// Seen returns the number of unique links seen so far.
func (w *Walker) Seen() int { return len(w.seen) }

// Close lets the listing give back what it holds, such as the browser
// session. A later Walk reloads the listing; links already emitted stay
// seen.
func (w *Walker) Close() {
	if c, ok := w.src.(interface{ Close() }); ok {
		c.Close()
	}
}

// Walk emits up to target new canonical links. Links beyond target in the
// last scan are left unseen so a later Walk can still emit them. An error
// from emit stops the walk and is returned as is.
func (w *Walker) Walk(ctx context.Context, target int, emit func(link string) error) (Result, error) {
	res := Result{}
	if target <= 0 {
		res.Reason = ReasonTarget
		res.Total = len(w.seen)
		return res, nil
	}

	stable := 0
	revealed := false

	for {
		var links []string
		err := w.ctrl.Do(ctx, w.cfg.Domain, func(ctx context.Context) error {
			var err error
			links, err = w.src.Scan(ctx)
			return err
		})
		if err != nil {
			res.Total = len(w.seen)
			return res, fmt.Errorf("scan listing: %w", err)
		}

		fresh := 0
		for _, raw := range links {
			if res.Links == target {
				break
			}
			link, ok := w.canon(raw)
			if !ok {
				continue
			}
			if _, dup := w.seen[link]; dup {
				continue
			}
			w.seen[link] = struct{}{}
			fresh++
			res.Links++
			if err := emit(link); err != nil {
				res.Total = len(w.seen)
				return res, err
			}
		}
		res.Total = len(w.seen)

		if res.Links == target {
			res.Reason = ReasonTarget
			return res, nil
		}

		if revealed {
			if fresh == 0 {
				stable++
			} else {
				stable = 0
			}
		}
		if stable >= w.cfg.StableRounds {
			w.log.Info("listing stopped producing links", "seen", len(w.seen), "reveals", w.reveals)
			res.Reason = ReasonStable
			return res, nil
		}
		if w.done || (w.cfg.MaxReveals > 0 && w.reveals >= w.cfg.MaxReveals) {
			res.Reason = ReasonExhausted
			return res, nil
		}

		var more bool
		err = w.ctrl.Do(ctx, w.cfg.Domain, func(ctx context.Context) error {
			var err error
			more, err = w.src.Reveal(ctx)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("reveal listing: %w", err)
		}
		if !more {
			w.done = true
			res.Reason = ReasonExhausted
			return res, nil
		}
		w.reveals++
		res.Reveals++
		revealed = true
	}
}
