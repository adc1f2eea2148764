package crawler

import (
	"context"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/linker"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// resolver finds the page of each stored movie on another source. Every
// movie is first tried under the URLs derived from its title. The rest are
// matched against links collected from the source's listing.
type resolver struct {
	deps    *Deps
	phase   string
	source  string
	matcher linker.TitleMatcher
	listing Lister
	target  int

	direct    func(ref storage.MovieRef) []string
	candidate func(link string) (linker.Candidate, bool)
	// process stores the page at url for ref. ok=false means the page does
	// not exist or belongs to another movie.
	process func(ctx context.Context, ref storage.MovieRef, url string) (ok bool, err error)
}

// run resolves refs and marks every movie that found no page as skipped.
func (r *resolver) run(ctx context.Context, refs []storage.MovieRef, rep *Report) error {
	var unresolved []storage.MovieRef
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := r.tryDirect(ctx, ref)
		if err != nil {
			return err
		}
		if ok {
			r.deps.tick(r.phase)
			continue
		}
		unresolved = append(unresolved, ref)
	}

	if len(unresolved) > 0 && r.listing != nil {
		remaining, err := r.fromListing(ctx, unresolved)
		if err != nil {
			return err
		}
		unresolved = remaining
	}

	for _, ref := range unresolved {
		rep.Skipped++
		r.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: r.phase, Status: storage.StatusSkipped, LastError: "no matching " + r.source + " page"})
		r.deps.tick(r.phase)
	}
	return nil
}

func (r *resolver) tryDirect(ctx context.Context, ref storage.MovieRef) (bool, error) {
	for _, url := range r.direct(ref) {
		ok, err := r.process(ctx, ref, url)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// fromListing walks the listing, links unresolved movies to the collected
// candidates and processes every link. It returns the movies that are still
// unresolved.
func (r *resolver) fromListing(ctx context.Context, unresolved []storage.MovieRef) ([]storage.MovieRef, error) {
	log := r.deps.logger().WithComponent(r.phase + "_phase")

	var cands []linker.Candidate
	_, err := r.listing.Walk(ctx, r.target, func(link string) error {
		if c, ok := r.candidate(link); ok {
			cands = append(cands, c)
		}
		return nil
	})
	release(r.listing)
	if err != nil {
		if stop := r.deps.stop(ctx, err); stop != nil {
			return unresolved, stop
		}
		log.WithError(err).Warn("listing failed", "candidates", len(cands))
	}

	resolved := make(map[int64]struct{})
	for _, link := range r.matcher.LinkAll(unresolved, cands) {
		ok, err := r.process(ctx, link.Movie, link.Candidate.URL)
		if err != nil {
			return unresolved, err
		}
		if ok {
			resolved[link.Movie.ID] = struct{}{}
			r.deps.tick(r.phase)
		}
	}

	var remaining []storage.MovieRef
	for _, ref := range unresolved {
		if _, ok := resolved[ref.ID]; !ok {
			remaining = append(remaining, ref)
		}
	}
	log.Info("listing fallback finished", "candidates", len(cands), "resolved", len(resolved), "remaining", len(remaining))
	return remaining, nil
}

// reviewSpec says whose reviews a page holds.
type reviewSpec struct {
	movieID int64
	source  string
	critic  bool
}

// reviews fetches one review page and builds its reviews.
func (d *Deps) reviews(ctx context.Context, domain string, kind fetch.PageKind, url string, spec reviewSpec, schema extract.Schema) ([]storage.Review, error) {
	page, err := d.get(ctx, domain, kind, url)
	if err != nil {
		return nil, err
	}
	frag, err := extract.ExtractHTML(page.Body, schema)
	if err != nil {
		return nil, err
	}
	return assemble.BuildReviews(spec.movieID, spec.source, spec.critic, frag.Group(assemble.GroupReviews)), nil
}
