package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Simerblur/online-data-mining/pkg/logger"
)

var (
	// ErrNotReady means the phase's prerequisites are missing. The request is redelivered later.
	ErrNotReady = errors.New("phase prerequisites not met")
	// ErrRejected means the request can never succeed and is dropped.
	ErrRejected = errors.New("phase request rejected")
)

// PhaseRunner executes one requested phase.
type PhaseRunner interface {
	RunPhase(ctx context.Context, req PhaseRequested) (PhaseCompleted, error)
}

// Bus is the part of Client the worker needs.
type Bus interface {
	Publisher
	QueueSubscribe(subject, queue string, handler nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// delivery is the acknowledgement surface of a JetStream message.
type delivery interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

// WorkerConfig holds configuration for PhaseWorker.
type WorkerConfig struct {
	Queue      string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	RetryDelay time.Duration
}

// DefaultWorkerConfig returns sensible defaults. Phases run for a long time, so AckWait is generous.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queue:      "phase-workers",
		Durable:    "phase-worker",
		AckWait:    2 * time.Hour,
		MaxDeliver: 4,
		RetryDelay: 5 * time.Minute,
	}
}

// WorkerMetrics holds counters for the worker.
type WorkerMetrics struct {
	JobsProcessed atomic.Int64
	JobsFailed    atomic.Int64
	JobsRetried   atomic.Int64
	CurrentActive atomic.Int64
}

// PhaseWorker consumes phase requests from a queue group and runs them one at a time.
type PhaseWorker struct {
	bus     Bus
	runner  PhaseRunner
	config  WorkerConfig
	log     *logger.Logger
	metrics WorkerMetrics

	id      string
	running sync.Mutex
	sub     *nats.Subscription
}

// NewPhaseWorker creates a PhaseWorker.
func NewPhaseWorker(bus Bus, runner PhaseRunner, cfg WorkerConfig, log *logger.Logger) *PhaseWorker {
	if log == nil {
		log = logger.Default()
	}
	id := "phase-" + uuid.New().String()[:8]
	return &PhaseWorker{
		bus:    bus,
		runner: runner,
		config: cfg,
		id:     id,
		log:    log.WithComponent("phase_worker").WithFields(map[string]any{"worker_id": id}),
	}
}

// Start subscribes to phase requests. Handlers run until ctx is cancelled.
func (w *PhaseWorker) Start(ctx context.Context) error {
	sub, err := w.bus.QueueSubscribe(
		SubjectPhaseRequested,
		w.config.Queue,
		func(msg *nats.Msg) { w.handle(ctx, msg, msg.Data) },
		nats.Durable(w.config.Durable),
		nats.ManualAck(),
		nats.AckWait(w.config.AckWait),
		nats.MaxDeliver(w.config.MaxDeliver),
	)
	if err != nil {
		return err
	}
	w.sub = sub
	w.log.Info("phase worker started", "queue", w.config.Queue)
	return nil
}

// Stop drains the subscription and waits for the in-flight phase.
func (w *PhaseWorker) Stop(ctx context.Context) error {
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.log.Warn("failed to drain subscription", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.running.Lock()
		w.running.Unlock()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("phase worker stopped")
		return nil
	case <-ctx.Done():
		w.log.Warn("phase worker stop timed out")
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the worker counters.
func (w *PhaseWorker) Metrics() map[string]int64 {
	return map[string]int64{
		"jobs_processed": w.metrics.JobsProcessed.Load(),
		"jobs_failed":    w.metrics.JobsFailed.Load(),
		"jobs_retried":   w.metrics.JobsRetried.Load(),
		"current_active": w.metrics.CurrentActive.Load(),
	}
}

func (w *PhaseWorker) handle(ctx context.Context, msg delivery, data []byte) {
	w.running.Lock()
	defer w.running.Unlock()

	start := time.Now()
	w.metrics.CurrentActive.Add(1)
	defer w.metrics.CurrentActive.Add(-1)

	var req PhaseRequested
	if err := json.Unmarshal(data, &req); err != nil {
		w.log.WithError(err).Error("failed to unmarshal phase request")
		_ = msg.Term()
		w.metrics.JobsFailed.Add(1)
		return
	}
	if err := req.Validate(); err != nil {
		w.log.WithError(err).Error("invalid phase request", "event_id", req.EventID)
		_ = msg.Term()
		w.metrics.JobsFailed.Add(1)
		return
	}

	log := w.log.WithRun(req.RunID, req.Phase)
	log.Info("running phase", "event_id", req.EventID)

	done, err := w.runner.RunPhase(ctx, req)
	done.RunID, done.Phase = req.RunID, req.Phase
	if done.DurationMs == 0 {
		done.DurationMs = time.Since(start).Milliseconds()
	}

	switch {
	case err == nil:
		w.complete(ctx, log, done)
		_ = msg.Ack()
		w.metrics.JobsProcessed.Add(1)
		log.Info("phase completed", "finalized", done.Finalized, "duration_ms", done.DurationMs)
		return

	case errors.Is(err, ErrRejected):
		log.WithError(err).Error("phase request rejected")
		done.Error = err.Error()
		w.complete(ctx, log, done)
		_ = msg.Term()
		w.metrics.JobsFailed.Add(1)
		return
	}

	if w.exhausted(msg) {
		log.WithError(err).Warn("max deliveries exceeded, dropping request")
		done.Error = err.Error()
		w.complete(ctx, log, done)
		_ = msg.Term()
		w.metrics.JobsFailed.Add(1)
		return
	}

	w.metrics.JobsRetried.Add(1)
	if errors.Is(err, ErrNotReady) {
		log.Info("phase not ready, redelivering later", "delay", w.config.RetryDelay)
		_ = msg.NakWithDelay(w.config.RetryDelay)
		return
	}
	log.WithError(err).Error("phase failed")
	_ = msg.Nak()
}

func (w *PhaseWorker) exhausted(msg delivery) bool {
	meta, err := msg.Metadata()
	if err != nil || meta == nil {
		return false
	}
	return int(meta.NumDelivered) >= w.config.MaxDeliver
}

func (w *PhaseWorker) complete(ctx context.Context, log *logger.Logger, done PhaseCompleted) {
	if done.EventID == "" {
		done.EventID = uuid.New().String()
	}
	if done.CompletedAt.IsZero() {
		done.CompletedAt = time.Now().UTC()
	}
	if err := w.bus.Publish(ctx, SubjectPhaseCompleted, done); err != nil {
		log.WithError(fmt.Errorf("publish completion: %w", err)).Error("failed to publish phase completion")
	}
}
