package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Limits mirrors the per-run crawl limits a requester may override.
type Limits struct {
	MaxMovies  int  `json:"max_movies,omitempty"`
	MaxReviews int  `json:"max_reviews,omitempty"`
	MaxCast    int  `json:"max_cast,omitempty"`
	Resume     bool `json:"resume,omitempty"`
}

// PhaseRequested asks a worker to run one crawl phase.
type PhaseRequested struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	Phase       string    `json:"phase"`
	Limits      Limits    `json:"limits"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewPhaseRequested creates a request with generated event and run ids.
func NewPhaseRequested(phase string, limits Limits) PhaseRequested {
	return PhaseRequested{
		EventID:     uuid.New().String(),
		RunID:       uuid.New().String(),
		Phase:       phase,
		Limits:      limits,
		RequestedAt: time.Now().UTC(),
	}
}

// Validate checks if the event has required fields.
func (e *PhaseRequested) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Phase == "" {
		return errors.New("phase is required")
	}
	if e.Limits.MaxMovies < 0 || e.Limits.MaxReviews < 0 || e.Limits.MaxCast < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// PhaseCompleted reports the outcome of a phase run.
type PhaseCompleted struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	Phase       string    `json:"phase"`
	Finalized   int       `json:"finalized"`
	Incomplete  int       `json:"incomplete"`
	Skipped     int       `json:"skipped"`
	Partial     int       `json:"partial"`
	Reviews     int       `json:"reviews"`
	DurationMs  int64     `json:"duration_ms"`
	Aborted     bool      `json:"aborted"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// MovieFinalized is published once per movie a phase has persisted.
type MovieFinalized struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	Phase       string    `json:"phase"`
	MovieID     int64     `json:"movie_id"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Publisher publishes JSON events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// Emitter stamps events with a run id before publishing them.
type Emitter struct {
	pub   Publisher
	runID string
	now   func() time.Time
}

// NewEmitter returns an Emitter for one run. A nil publisher yields a no-op emitter.
func NewEmitter(pub Publisher, runID string) *Emitter {
	return &Emitter{pub: pub, runID: runID, now: time.Now}
}

// RequestPhase publishes a phase request.
func (e *Emitter) RequestPhase(ctx context.Context, req PhaseRequested) error {
	if e.pub == nil {
		return nil
	}
	if req.RunID == "" {
		req.RunID = e.runID
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return e.pub.Publish(ctx, SubjectPhaseRequested, req)
}

// PhaseCompleted publishes a completion notice.
func (e *Emitter) PhaseCompleted(ctx context.Context, done PhaseCompleted) error {
	if e.pub == nil {
		return nil
	}
	if done.EventID == "" {
		done.EventID = uuid.New().String()
	}
	if done.RunID == "" {
		done.RunID = e.runID
	}
	if done.CompletedAt.IsZero() {
		done.CompletedAt = e.now().UTC()
	}
	return e.pub.Publish(ctx, SubjectPhaseCompleted, done)
}

// Finalized publishes a MovieFinalized event.
func (e *Emitter) Finalized(ctx context.Context, phase string, movieID int64, title, status string) error {
	if e.pub == nil {
		return nil
	}
	return e.pub.Publish(ctx, SubjectMovieFinalized, MovieFinalized{
		EventID:     uuid.New().String(),
		RunID:       e.runID,
		Phase:       phase,
		MovieID:     movieID,
		Title:       title,
		Status:      status,
		FinalizedAt: e.now().UTC(),
	})
}
