package crawler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/linker"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// Rotten Tomatoes locations.
const (
	RottenTomatoesMovieURL  = "https://www.rottentomatoes.com/m/"
	RottenTomatoesBrowseURL = "https://www.rottentomatoes.com/browse/movies_at_home/sort:popular"
)

// DefaultRTListingTarget is how many listing links are collected when
// direct slugs leave movies unresolved.
const DefaultRTListingTarget = 200

// RottenTomatoesPhase adds Tomatometer and audience scores with critic and
// audience reviews to stored movies. Slugs derived from the title are tried
// first, then the scrolling browse listing.
type RottenTomatoesPhase struct {
	deps    *Deps
	matcher linker.TitleMatcher
	listing Lister
	target  int
	now     func() time.Time
}

// NewRottenTomatoesPhase creates the Rotten Tomatoes phase. listing may be
// nil to skip the listing fallback.
func NewRottenTomatoesPhase(deps *Deps, listing Lister, target int) *RottenTomatoesPhase {
	if target <= 0 {
		target = DefaultRTListingTarget
	}
	return &RottenTomatoesPhase{
		deps:    deps,
		matcher: linker.NewTitleMatcher(),
		listing: listing,
		target:  target,
		now:     time.Now,
	}
}

// Name implements Phase.
func (p *RottenTomatoesPhase) Name() string { return PhaseRottenTomatoes }

// Run implements Phase.
func (p *RottenTomatoesPhase) Run(ctx context.Context, limits Limits) (rep Report, err error) {
	start := time.Now()
	rep = Report{Phase: PhaseRottenTomatoes}
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
		phase:     PhaseRottenTomatoes,
		source:    "rotten tomatoes",
		matcher:   p.matcher,
		listing:   p.listing,
		target:    p.target,
		candidate: linker.CandidateFromRTSlug,
		direct:    rtURLs,
		process: func(ctx context.Context, ref storage.MovieRef, url string) (bool, error) {
			return p.process(ctx, ref, url, limits, &rep)
		},
	}
	if err := r.run(ctx, refs, &rep); err != nil {
		return rep, err
	}

	p.deps.logger().WithComponent("rottentomatoes_phase").Info("rotten tomatoes phase finished",
		"finalized", rep.Finalized,
		"partial", rep.Partial,
		"skipped", rep.Skipped,
		"reviews", rep.Reviews,
	)
	return rep, nil
}

// rtURLs derives movie URLs from a title. Rotten Tomatoes slugs use
// underscores and usually drop a leading article.
func rtURLs(ref storage.MovieRef) []string {
	slug := strings.ReplaceAll(identity.Slug(ref.Title), "-", "_")
	if slug == "" {
		return nil
	}
	urls := []string{RottenTomatoesMovieURL + slug}
	for _, article := range []string{"the_", "a_", "an_"} {
		if rest, ok := strings.CutPrefix(slug, article); ok && rest != "" {
			urls = append(urls, RottenTomatoesMovieURL+rest)
			break
		}
	}
	return urls
}

// process fetches url, verifies it describes ref and stores it with its
// reviews. ok=false means the page does not exist or belongs to another
// movie.
func (p *RottenTomatoesPhase) process(ctx context.Context, ref storage.MovieRef, url string, limits Limits, rep *Report) (bool, error) {
	log := p.deps.logger().WithComponent("rottentomatoes_phase")

	page, err := p.deps.get(ctx, DomainRottenTomatoes, fetch.KindRTMovie, url)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		log.WithError(err).Warn("rotten tomatoes page failed", "movie_id", ref.ID, "url", url)
		return false, p.deps.stop(ctx, err)
	}

	frag, err := extract.ExtractHTML(page.Body, RottenTomatoesMovieSchema())
	if err != nil {
		return false, p.deps.stop(ctx, err)
	}

	cand := linker.Candidate{Title: frag.StringValue(assemble.FieldTitle), Year: frag.Int(assemble.FieldYear), URL: url}
	score, ok := p.matcher.Matches(ref, cand)
	if !ok {
		log.Debug("rotten tomatoes page rejected", "movie_id", ref.ID, "title", ref.Title, "found", cand.Title, "score", score)
		return false, nil
	}

	data, err := assemble.BuildRottenTomatoes(ref.ID, url, path.Base(url), frag, p.now())
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
			url      string
			schema   extract.Schema
			critic   bool
		}{
			{assemble.ResourceReviews, fetch.KindRTCritics, url + "/reviews", RottenTomatoesCriticSchema(limits.MaxReviews), true},
			{assemble.ResourceUserReview, fetch.KindRTUsers, url + "/reviews?type=user", RottenTomatoesUserSchema(limits.MaxReviews), false},
		}
		for _, rp := range pages {
			got, err := p.deps.reviews(ctx, DomainRottenTomatoes, rp.kind, rp.url, reviewSpec{ref.ID, storage.SourceRottenTomatoes, rp.critic}, rp.schema)
			if err != nil {
				failed = append(failed, rp.resource)
				log.WithError(err).Warn("rotten tomatoes reviews failed", "movie_id", ref.ID, "resource", rp.resource)
				if stop := p.deps.stop(ctx, err); stop != nil {
					return false, stop
				}
				continue
			}
			reviews = append(reviews, got...)
		}
	}

	if err := p.deps.Store.WriteRottenTomatoes(ctx, data, reviews); err != nil {
		return false, fmt.Errorf("write rotten tomatoes for %d: %w", ref.ID, err)
	}

	status := storage.StatusComplete
	if len(failed) > 0 {
		status = storage.StatusPartial
		rep.Partial++
	}
	rep.Finalized++
	rep.Reviews += len(reviews)
	p.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: PhaseRottenTomatoes, Status: status, FailedResources: failed})
	p.deps.finalized(ctx, PhaseRottenTomatoes, ref.ID, ref.Title, status)
	return true, nil
}
