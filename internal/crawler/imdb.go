package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/pagination"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// IMDbSearchURL lists feature films by number of votes.
const IMDbSearchURL = "https://www.imdb.com/search/title/?title_type=feature&sort=num_votes,desc"

// Lister yields canonical detail links. *pagination.Walker implements it.
type Lister interface {
	Walk(ctx context.Context, target int, emit func(link string) error) (pagination.Result, error)
}

// IMDbPhase discovers movies on the IMDb search listing and stores each one
// with its credits, genres and user reviews.
type IMDbPhase struct {
	deps    *Deps
	listing Lister
	asm     *assemble.Assembler
}

// NewIMDbPhase creates the IMDb phase.
func NewIMDbPhase(deps *Deps, listing Lister, asm *assemble.Assembler) *IMDbPhase {
	if asm == nil {
		asm = assemble.New(deps.Log)
	}
	return &IMDbPhase{deps: deps, listing: listing, asm: asm}
}

// Name implements Phase.
func (p *IMDbPhase) Name() string { return PhaseIMDb }

// Run implements Phase. With limits.Resume set, partial movies from earlier
// runs get their failed sub-resources retried before the listing is walked.
func (p *IMDbPhase) Run(ctx context.Context, limits Limits) (rep Report, err error) {
	start := time.Now()
	rep = Report{Phase: PhaseIMDb}
	log := p.deps.logger().WithComponent("imdb_phase")
	defer func() { finish(&rep, start, err) }()

	if limits.Resume {
		if err := p.resume(ctx, limits, &rep); err != nil {
			return rep, err
		}
	}

	res, err := p.listing.Walk(ctx, limits.MaxMovies, func(link string) error {
		return p.movie(ctx, link, limits, &rep)
	})
	release(p.listing)
	if err != nil {
		return rep, err
	}

	log.Info("imdb phase finished",
		"finalized", rep.Finalized,
		"partial", rep.Partial,
		"incomplete", rep.Incomplete,
		"skipped", rep.Skipped,
		"reviews", rep.Reviews,
		"walk_reason", res.Reason,
	)
	return rep, nil
}

// movie crawls one title. Only hard stops and storage failures are returned;
// everything else is counted in rep.
func (p *IMDbPhase) movie(ctx context.Context, link string, limits Limits, rep *Report) error {
	defer p.deps.tick(PhaseIMDb)
	log := p.deps.logger().WithComponent("imdb_phase")

	key, err := identity.MovieKey(link)
	if err != nil {
		rep.Skipped++
		log.WithError(err).Warn("skipping link without title id", "url", link)
		return nil
	}

	page, err := p.deps.get(ctx, DomainIMDb, fetch.KindIMDbMovie, link)
	if err != nil {
		rep.Skipped++
		p.deps.mark(ctx, storage.CrawlStatus{MovieID: key, Phase: PhaseIMDb, Status: storage.StatusSkipped, LastError: err.Error()})
		log.WithError(err).Warn("movie page failed", "movie_id", key)
		return p.deps.stop(ctx, err)
	}

	rec := p.asm.Begin(key)
	frag, extractErr := extract.ExtractHTML(page.Body, IMDbMovieSchema(limits.MaxCast, limits.locale()))
	if extractErr == nil {
		extractErr = p.asm.Merge(rec, frag)
	}
	if extractErr != nil {
		log.WithError(extractErr).Warn("movie page unreadable", "movie_id", key)
	}

	if limits.MaxReviews > 0 && extractErr == nil {
		if rerr := p.reviews(ctx, rec, limits); rerr != nil {
			p.asm.MarkFailed(rec, assemble.ResourceReviews, rerr)
			if stop := p.deps.stop(ctx, rerr); stop != nil {
				return stop
			}
		}
	}

	done, err := p.asm.Finalize(rec)
	var incomplete *assemble.Incomplete
	if errors.As(err, &incomplete) {
		rep.Incomplete++
		p.deps.mark(ctx, storage.CrawlStatus{
			MovieID:   key,
			Phase:     PhaseIMDb,
			Status:    storage.StatusIncomplete,
			LastError: "missing " + strings.Join(incomplete.MissingFields, ", "),
		})
		return p.deps.stop(ctx, extractErr)
	}
	if err != nil {
		return err
	}

	if err := p.deps.Store.WriteRecord(ctx, &done.MovieRecord); err != nil {
		return fmt.Errorf("write movie %d: %w", key, err)
	}

	status := storage.StatusComplete
	if done.Partial {
		status = storage.StatusPartial
		rep.Partial++
	}
	p.deps.mark(ctx, storage.CrawlStatus{MovieID: key, Phase: PhaseIMDb, Status: status, FailedResources: done.FailedResources})
	p.deps.finalized(ctx, PhaseIMDb, key, done.Movie.Title, status)

	rep.Finalized++
	rep.Reviews += len(done.Reviews)
	log.Debug("movie stored",
		"movie_id", key,
		"title", done.Movie.Title,
		"credits", len(done.Credits),
		"reviews", len(done.Reviews),
		"dropped", done.Dropped,
	)
	return nil
}

func (p *IMDbPhase) reviews(ctx context.Context, rec *assemble.Record, limits Limits) error {
	frag, err := p.fetchReviews(ctx, rec.Key(), limits)
	if err != nil {
		return err
	}
	return p.asm.Merge(rec, frag)
}

func (p *IMDbPhase) fetchReviews(ctx context.Context, key int64, limits Limits) (*extract.Fragment, error) {
	url, err := identity.Translate(key, identity.FormatIMDbReviews)
	if err != nil {
		return nil, err
	}
	page, err := p.deps.get(ctx, DomainIMDb, fetch.KindIMDbReviews, url)
	if err != nil {
		return nil, err
	}
	return extract.ExtractHTML(page.Body, IMDbReviewsSchema(limits.MaxReviews, limits.locale()))
}

// resume retries the failed sub-resources of partial movies and abandons
// those that ran out of attempts.
func (p *IMDbPhase) resume(ctx context.Context, limits Limits, rep *Report) error {
	log := p.deps.logger().WithComponent("imdb_phase")
	maxAttempts := limits.MaxResumeAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	candidates, err := p.deps.Store.ResumeCandidates(ctx, PhaseIMDb, maxAttempts)
	if err != nil {
		return fmt.Errorf("load resume candidates: %w", err)
	}

	for _, c := range candidates {
		if c.Status != storage.StatusPartial || !slices.Contains(c.FailedResources, assemble.ResourceReviews) {
			continue
		}
		if limits.MaxReviews <= 0 {
			continue
		}

		frag, err := p.fetchReviews(ctx, c.MovieID, limits)
		if err != nil {
			c.LastError = err.Error()
			p.deps.mark(ctx, c)
			if stop := p.deps.stop(ctx, err); stop != nil {
				return stop
			}
			continue
		}

		reviews := assemble.BuildReviews(c.MovieID, storage.SourceIMDb, false, frag.Group(assemble.GroupReviews))
		added, err := p.deps.Store.AppendReviews(ctx, reviews)
		if err != nil {
			return fmt.Errorf("append reviews for %d: %w", c.MovieID, err)
		}

		p.deps.mark(ctx, storage.CrawlStatus{MovieID: c.MovieID, Phase: PhaseIMDb, Status: storage.StatusComplete})
		rep.Resumed++
		rep.Reviews += added
	}

	abandoned, err := p.deps.Store.AbandonExhausted(ctx, PhaseIMDb, maxAttempts)
	if err != nil {
		return fmt.Errorf("abandon exhausted movies: %w", err)
	}
	rep.Abandoned = abandoned

	log.Info("resume pass finished", "candidates", len(candidates), "resumed", rep.Resumed, "abandoned", abandoned)
	return nil
}
