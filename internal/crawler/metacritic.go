package crawler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/linker"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// Metacritic locations.
const (
	MetacriticMovieURL     = "https://www.metacritic.com/movie/"
	MetacriticBrowseLayout = "https://www.metacritic.com/browse/movie/?page=%d"
)

// DefaultBrowseTarget is how many browse links are collected when direct
// slugs leave movies unresolved.
const DefaultBrowseTarget = 500

// MetacriticPhase adds Metacritic scores, writers and reviews to stored
// movies. Each movie is first tried under the slug of its title. Movies that
// do not resolve that way are matched against links from the browse listing.
type MetacriticPhase struct {
	deps         *Deps
	matcher      linker.TitleMatcher
	browse       Lister
	browseTarget int
	now          func() time.Time
}

// NewMetacriticPhase creates the Metacritic phase. browse may be nil to skip
// the listing fallback.
func NewMetacriticPhase(deps *Deps, browse Lister, browseTarget int) *MetacriticPhase {
	if browseTarget <= 0 {
		browseTarget = DefaultBrowseTarget
	}
	return &MetacriticPhase{
		deps:         deps,
		matcher:      linker.NewTitleMatcher(),
		browse:       browse,
		browseTarget: browseTarget,
		now:          time.Now,
	}
}

// Name implements Phase.
func (p *MetacriticPhase) Name() string { return PhaseMetacritic }

// Run implements Phase.
func (p *MetacriticPhase) Run(ctx context.Context, limits Limits) (rep Report, err error) {
	start := time.Now()
	rep = Report{Phase: PhaseMetacritic}
	log := p.deps.logger().WithComponent("metacritic_phase")
	defer func() { finish(&rep, start, err) }()

	refs, err := p.deps.Store.ExistingMovieKeys(ctx, limits.MaxMovies)
	if err != nil {
		return rep, err
	}
	if len(refs) == 0 {
		return rep, ErrNoMovies
	}

	r := &resolver{
		deps:      p.deps,
		phase:     PhaseMetacritic,
		source:    "metacritic",
		matcher:   p.matcher,
		listing:   p.browse,
		target:    p.browseTarget,
		candidate: linker.CandidateFromSlug,
		direct: func(ref storage.MovieRef) []string {
			if slug := identity.Slug(ref.Title); slug != "" {
				return []string{MetacriticMovieURL + slug + "/"}
			}
			return nil
		},
		process: func(ctx context.Context, ref storage.MovieRef, url string) (bool, error) {
			return p.process(ctx, ref, url, limits, &rep)
		},
	}
	if err := r.run(ctx, refs, &rep); err != nil {
		return rep, err
	}

	log.Info("metacritic phase finished",
		"finalized", rep.Finalized,
		"partial", rep.Partial,
		"skipped", rep.Skipped,
		"reviews", rep.Reviews,
	)
	return rep, nil
}

// process fetches url, verifies it describes ref and stores it. ok=false
// means the page does not exist or belongs to another movie.
func (p *MetacriticPhase) process(ctx context.Context, ref storage.MovieRef, url string, limits Limits, rep *Report) (bool, error) {
	log := p.deps.logger().WithComponent("metacritic_phase")

	page, err := p.deps.get(ctx, DomainMetacritic, fetch.KindMetacriticMovie, url)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		log.WithError(err).Warn("metacritic page failed", "movie_id", ref.ID, "url", url)
		return false, p.deps.stop(ctx, err)
	}

	frag, err := p.extractMovie(page)
	if err != nil {
		return false, p.deps.stop(ctx, err)
	}

	cand := linker.Candidate{Title: frag.StringValue(assemble.FieldTitle), Year: yearOf(frag.StringValue(assemble.FieldReleaseDate)), URL: url}
	score, ok := p.matcher.Matches(ref, cand)
	if !ok {
		log.Debug("metacritic page rejected", "movie_id", ref.ID, "title", ref.Title, "found", cand.Title, "score", score)
		return false, nil
	}

	data, err := assemble.BuildMetacritic(ref.ID, url, path.Base(url), frag, p.now())
	if errors.Is(err, assemble.ErrNoData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var (
		reviews []storage.Review
		failed  []string
	)
	if limits.MaxReviews > 0 {
		pages := []struct {
			resource string
			kind     fetch.PageKind
			path     string
			schema   extract.Schema
			critic   bool
		}{
			{assemble.ResourceReviews, fetch.KindMetacriticCritics, "critic-reviews/", MetacriticCriticSchema(limits.MaxReviews), true},
			{assemble.ResourceUserReview, fetch.KindMetacriticUsers, "user-reviews/", MetacriticUserSchema(limits.MaxReviews), false},
		}
		for _, rp := range pages {
			got, err := p.deps.reviews(ctx, DomainMetacritic, rp.kind, url+rp.path, reviewSpec{ref.ID, storage.SourceMetacritic, rp.critic}, rp.schema)
			if err != nil {
				failed = append(failed, rp.resource)
				log.WithError(err).Warn("metacritic reviews failed", "movie_id", ref.ID, "resource", rp.resource)
				if stop := p.deps.stop(ctx, err); stop != nil {
					return false, stop
				}
				continue
			}
			reviews = append(reviews, got...)
		}
	}

	if err := p.deps.Store.WriteMetacritic(ctx, data, reviews); err != nil {
		return false, fmt.Errorf("write metacritic for %d: %w", ref.ID, err)
	}

	status := storage.StatusComplete
	if len(failed) > 0 {
		status = storage.StatusPartial
		rep.Partial++
	}
	rep.Finalized++
	rep.Reviews += len(reviews)
	p.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: PhaseMetacritic, Status: status, FailedResources: failed})
	p.deps.finalized(ctx, PhaseMetacritic, ref.ID, ref.Title, status)
	return true, nil
}

func (p *MetacriticPhase) extractMovie(page *fetch.Page) (*extract.Fragment, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	frag, err := extract.Extract(doc.Selection, MetacriticMovieSchema("en-US"))
	if err != nil {
		return nil, err
	}
	if ld, ok := findJSONLDMovie(doc); ok {
		applyJSONLD(frag, ld)
	}
	return frag, nil
}

func notFound(err error) bool {
	var status *fetch.StatusError
	return errors.As(err, &status) && (status.Code == 404 || status.Code == 410)
}

func yearOf(date string) *int64 {
	v, ok := extract.Year(date)
	if !ok {
		return nil
	}
	y := v.(int64)
	return &y
}
