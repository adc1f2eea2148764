// Package crawler runs the IMDb, Box Office Mojo, Metacritic and Rotten
// Tomatoes crawl phases.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/retry"
	"github.com/Simerblur/online-data-mining/internal/session"
	"github.com/Simerblur/online-data-mining/internal/storage"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// Phase names, also used as crawl_status.phase.
const (
	PhaseIMDb           = "imdb"
	PhaseBoxOffice      = "boxoffice"
	PhaseMetacritic     = "metacritic"
	PhaseRottenTomatoes = "rottentomatoes"
)

// Politeness domains.
const (
	DomainIMDb           = "imdb.com"
	DomainBoxOffice      = "boxofficemojo.com"
	DomainMetacritic     = "metacritic.com"
	DomainRottenTomatoes = "rottentomatoes.com"
)

var (
	// ErrAborted is returned when a phase hit a hard stop. The report is still valid.
	ErrAborted = errors.New("crawl aborted")
	// ErrNoMovies is returned by phases that enrich movies when none are stored yet.
	ErrNoMovies = errors.New("no movies stored; run the imdb phase first")
)

// Limits bounds one phase run.
type Limits struct {
	MaxMovies         int
	MaxReviews        int
	MaxCast           int
	Resume            bool
	MaxResumeAttempts int
	Locale            string
}

// LimitsFrom builds Limits from the crawl config.
func LimitsFrom(c config.CrawlConfig) Limits {
	return Limits{
		MaxMovies:         c.MaxMovies,
		MaxReviews:        c.MaxReviews,
		MaxCast:           c.MaxCast,
		MaxResumeAttempts: c.MaxResumeAttempts,
		Locale:            c.Locale,
	}
}

func (l Limits) locale() string {
	if l.Locale == "" {
		return "en-US"
	}
	return l.Locale
}

// Report summarizes a phase run. Every movie the phase looked at is counted
// in exactly one of Finalized, Incomplete or Skipped.
type Report struct {
	Phase      string
	Finalized  int
	Incomplete int
	Skipped    int
	Partial    int // subset of Finalized
	Resumed    int // partial movies completed by a resume pass
	Abandoned  int64
	Reviews    int
	Duration   time.Duration
	Aborted    bool
}

// Seen is the number of movies the phase looked at.
func (r Report) Seen() int { return r.Finalized + r.Incomplete + r.Skipped }

// Phase is one stage of the pipeline.
type Phase interface {
	Name() string
	Run(ctx context.Context, limits Limits) (Report, error)
}

// Getter retrieves pages. *fetch.Router implements it.
type Getter interface {
	Get(ctx context.Context, kind fetch.PageKind, url string) (*fetch.Page, error)
}

// Notifier is told about every movie a phase persisted.
type Notifier interface {
	Finalized(ctx context.Context, phase string, movieID int64, title, status string) error
}

// Deps are the collaborators shared by all phases.
type Deps struct {
	Pages    Getter
	Store    storage.Writer
	Ctrl     *retry.Controller
	Budget   *retry.Budget
	Notifier Notifier
	// Progress is called once per movie the phase finished looking at.
	Progress func(phase string)
	Log      *logger.Logger
}

func (d *Deps) logger() *logger.Logger {
	if d.Log == nil {
		return logger.Default()
	}
	return d.Log
}

// get fetches url through the politeness gate of domain.
func (d *Deps) get(ctx context.Context, domain string, kind fetch.PageKind, url string) (*fetch.Page, error) {
	var page *fetch.Page
	err := d.Ctrl.Do(ctx, domain, func(ctx context.Context) error {
		var err error
		page, err = d.Pages.Get(ctx, kind, url)
		return err
	})
	return page, err
}

// stop records err against the failure budget and reports whether the phase
// must end. The returned error wraps ErrAborted for hard stops.
func (d *Deps) stop(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d.Budget != nil {
		d.Budget.Record(err)
	}
	if errors.Is(err, session.ErrPermanentlyFailed) {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if d.Budget != nil && d.Budget.Exceeded() {
		return fmt.Errorf("%w: %d terminal failures: %w", ErrAborted, d.Budget.Count(), err)
	}
	return nil
}

func (d *Deps) mark(ctx context.Context, st storage.CrawlStatus) {
	if err := d.Store.MarkStatus(ctx, st); err != nil {
		d.logger().WithError(err).Warn("failed to record crawl status", "movie_id", st.MovieID, "phase", st.Phase)
	}
}

func (d *Deps) finalized(ctx context.Context, phase string, movieID int64, title string, status storage.Status) {
	if d.Notifier == nil {
		return
	}
	if err := d.Notifier.Finalized(ctx, phase, movieID, title, string(status)); err != nil {
		d.logger().WithError(err).Warn("failed to publish finalized movie", "movie_id", movieID)
	}
}

func (d *Deps) tick(phase string) {
	if d.Progress != nil {
		d.Progress(phase)
	}
}

// release lets a listing give back the browser session once its walk ended.
func release(l Lister) {
	if c, ok := l.(interface{ Close() }); ok {
		c.Close()
	}
}

// finish closes out a report.
func finish(rep *Report, start time.Time, err error) {
	rep.Duration = time.Since(start)
	if errors.Is(err, ErrAborted) {
		rep.Aborted = true
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RunAll runs the IMDb phase, then the enrichment phases concurrently.
// Enrichment starts only when IMDb completed and at least one movie is
// stored. A failing enrichment phase does not cancel the others.
func RunAll(ctx context.Context, store storage.Writer, imdb Phase, enrich []Phase, limits Limits, log *logger.Logger) ([]Report, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("run_all")

	first, err := imdb.Run(ctx, limits)
	reports := []Report{first}
	if err != nil {
		return reports, fmt.Errorf("%s phase: %w", imdb.Name(), err)
	}

	refs, err := store.ExistingMovieKeys(ctx, 1)
	if err != nil {
		return reports, err
	}
	if len(refs) == 0 {
		return reports, ErrNoMovies
	}

	out := make([]Report, len(enrich))
	var g errgroup.Group
	for i, p := range enrich {
		g.Go(func() error {
			rep, err := p.Run(ctx, limits)
			out[i] = rep
			if err != nil {
				log.WithError(err).Error("phase failed", "phase", p.Name())
				return fmt.Errorf("%s phase: %w", p.Name(), err)
			}
			return nil
		})
	}
	err = g.Wait()
	return append(reports, out...), err
}
