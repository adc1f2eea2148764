package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Simerblur/online-data-mining/internal/crawler"
	"github.com/Simerblur/online-data-mining/internal/events"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// EnrichmentPhases are requested after a successful IMDb phase.
var EnrichmentPhases = []string{crawler.PhaseBoxOffice, crawler.PhaseMetacritic, crawler.PhaseRottenTomatoes}

type phaseSet interface {
	Phase(name string) (crawler.Phase, error)
	Close()
}

// Runner runs phase requests taken off the event bus. It implements
// events.PhaseRunner.
type Runner struct {
	newRun func(runID string) phaseSet
	base   crawler.Limits
	next   events.Publisher // nil disables chaining
	log    *logger.Logger
}

// NewRunner creates a runner over p. With chain set, a successful IMDb
// phase requests the enrichment phases for the same run.
func NewRunner(p *Pipeline, chain bool, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	r := &Runner{
		newRun: func(runID string) phaseSet { return p.NewRun(runID, nil) },
		base:   p.Limits(),
		log:    log.WithComponent("phase_runner"),
	}
	if chain && p.bus != nil {
		r.next = p.bus
	}
	return r
}

// RunPhase implements events.PhaseRunner. Unknown phases are rejected.
// Enrichment requested before any movie is stored is not ready yet and is
// redelivered later. A hard stop is reported as an aborted completion
// rather than retried.
func (r *Runner) RunPhase(ctx context.Context, req events.PhaseRequested) (events.PhaseCompleted, error) {
	run := r.newRun(req.RunID)
	defer run.Close()

	phase, err := run.Phase(req.Phase)
	if err != nil {
		return events.PhaseCompleted{}, fmt.Errorf("%w: %w", events.ErrRejected, err)
	}

	rep, err := phase.Run(logger.ContextWithRun(ctx, req.RunID, req.Phase), r.limits(req.Limits))
	done := Completion(rep)

	switch {
	case errors.Is(err, crawler.ErrNoMovies):
		return done, fmt.Errorf("%w: %w", events.ErrNotReady, err)
	case errors.Is(err, crawler.ErrAborted):
		done.Error = err.Error()
		return done, nil
	case err != nil:
		return done, err
	}

	if req.Phase == crawler.PhaseIMDb && r.next != nil {
		r.chain(ctx, req)
	}
	return done, nil
}

func (r *Runner) chain(ctx context.Context, req events.PhaseRequested) {
	emitter := events.NewEmitter(r.next, req.RunID)
	for _, name := range EnrichmentPhases {
		next := events.NewPhaseRequested(name, req.Limits)
		next.RunID = req.RunID
		if err := emitter.RequestPhase(ctx, next); err != nil {
			r.log.WithError(err).Error("failed to request follow-up phase", "run_id", req.RunID, "phase", name)
		}
	}
}

// limits applies the overrides carried by a request to the configured limits.
func (r *Runner) limits(o events.Limits) crawler.Limits {
	l := r.base
	if o.MaxMovies > 0 {
		l.MaxMovies = o.MaxMovies
	}
	if o.MaxReviews > 0 {
		l.MaxReviews = o.MaxReviews
	}
	if o.MaxCast > 0 {
		l.MaxCast = o.MaxCast
	}
	l.Resume = o.Resume
	return l
}

// Completion converts a phase report into its completion event body.
func Completion(rep crawler.Report) events.PhaseCompleted {
	return events.PhaseCompleted{
		Phase:      rep.Phase,
		Finalized:  rep.Finalized,
		Incomplete: rep.Incomplete,
		Skipped:    rep.Skipped,
		Partial:    rep.Partial,
		Reviews:    rep.Reviews,
		DurationMs: rep.Duration.Milliseconds(),
		Aborted:    rep.Aborted,
	}
}
