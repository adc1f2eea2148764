package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// BoxOfficePhase adds Box Office Mojo financials to stored movies.
type BoxOfficePhase struct {
	deps *Deps
	now  func() time.Time
}

// NewBoxOfficePhase creates the Box Office Mojo phase.
func NewBoxOfficePhase(deps *Deps) *BoxOfficePhase {
	return &BoxOfficePhase{deps: deps, now: time.Now}
}

// Name implements Phase.
func (p *BoxOfficePhase) Name() string { return PhaseBoxOffice }

// Run implements Phase.
func (p *BoxOfficePhase) Run(ctx context.Context, limits Limits) (rep Report, err error) {
	start := time.Now()
	rep = Report{Phase: PhaseBoxOffice}
	log := p.deps.logger().WithComponent("boxoffice_phase")
	defer func() { finish(&rep, start, err) }()

	refs, err := p.deps.Store.ExistingMovieKeys(ctx, limits.MaxMovies)
	if err != nil {
		return rep, err
	}
	if len(refs) == 0 {
		return rep, ErrNoMovies
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := p.movie(ctx, ref, limits, &rep); err != nil {
			return rep, err
		}
	}

	log.Info("boxoffice phase finished", "finalized", rep.Finalized, "skipped", rep.Skipped, "movies", len(refs))
	return rep, nil
}

func (p *BoxOfficePhase) movie(ctx context.Context, ref storage.MovieRef, limits Limits, rep *Report) error {
	defer p.deps.tick(PhaseBoxOffice)
	log := p.deps.logger().WithComponent("boxoffice_phase")

	skip := func(cause error) error {
		rep.Skipped++
		p.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: PhaseBoxOffice, Status: storage.StatusSkipped, LastError: errText(cause)})
		log.WithError(cause).Debug("no financials", "movie_id", ref.ID, "title", ref.Title)
		return p.deps.stop(ctx, cause)
	}

	url, err := identity.Translate(ref.ID, identity.FormatBoxOfficeMojo)
	if err != nil {
		return skip(err)
	}

	page, err := p.deps.get(ctx, DomainBoxOffice, fetch.KindBoxOfficeTitle, url)
	if err != nil {
		var status *fetch.StatusError
		if errors.As(err, &status) && status.Code == 404 {
			// Box Office Mojo has no page for many titles.
			rep.Skipped++
			p.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: PhaseBoxOffice, Status: storage.StatusSkipped, LastError: err.Error()})
			return nil
		}
		return skip(err)
	}

	frag, err := extract.ExtractHTML(page.Body, BoxOfficeSchema(limits.locale()))
	if err != nil {
		return skip(err)
	}

	fin, err := assemble.BuildFinancial(ref.ID, frag, p.now())
	if errors.Is(err, assemble.ErrNoData) {
		rep.Skipped++
		p.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: PhaseBoxOffice, Status: storage.StatusSkipped, LastError: err.Error()})
		return nil
	}
	if err != nil {
		return skip(err)
	}

	if err := p.deps.Store.WriteFinancial(ctx, fin); err != nil {
		return fmt.Errorf("write financials for %d: %w", ref.ID, err)
	}

	rep.Finalized++
	p.deps.mark(ctx, storage.CrawlStatus{MovieID: ref.ID, Phase: PhaseBoxOffice, Status: storage.StatusComplete})
	p.deps.finalized(ctx, PhaseBoxOffice, ref.ID, ref.Title, storage.StatusComplete)
	return nil
}
