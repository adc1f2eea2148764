package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/session"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "service unavailable", err: &fetch.StatusError{Code: 503}, want: Retryable},
		{name: "too many requests", err: &fetch.StatusError{Code: 429}, want: Retryable},
		{name: "request timeout status", err: &fetch.StatusError{Code: 408}, want: Retryable},
		{name: "payment required", err: &fetch.StatusError{Code: 402}, want: Retryable},
		{name: "not found", err: &fetch.StatusError{Code: 404}, want: Terminal},
		{name: "plain forbidden", err: &fetch.StatusError{Code: 403}, want: Terminal},
		{name: "challenge", err: &fetch.ChallengeError{Code: 403, Reason: "captcha"}, want: Retryable},
		{name: "timeout", err: fmt.Errorf("get: %w", fetch.ErrTimeout), want: Retryable},
		{name: "deadline", err: context.DeadlineExceeded, want: Retryable},
		{name: "disconnect", err: session.ErrDisconnected, want: Retryable},
		{name: "canceled", err: fmt.Errorf("walk: %w", context.Canceled), want: Terminal},
		{name: "content", err: &extract.ContentError{Schema: "movie", Field: "title"}, want: Terminal},
		{name: "invalid id", err: identity.ErrInvalidID, want: Terminal},
		{name: "session failed", err: session.ErrPermanentlyFailed, want: Terminal},
		{name: "permanent wrapper", err: Permanent(&fetch.StatusError{Code: 503}), want: Terminal},
		{name: "exhausted", err: &Exhausted{Attempts: 3, Err: &fetch.StatusError{Code: 503}}, want: Terminal},
		{name: "unknown", err: errors.New("connection reset by peer"), want: Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRequiresReset(t *testing.T) {
	assert.True(t, RequiresReset(&fetch.ChallengeError{Code: 429, Rendered: true}))
	assert.True(t, RequiresReset(fmt.Errorf("navigate: %w", session.ErrDisconnected)))
	assert.False(t, RequiresReset(&fetch.ChallengeError{Code: 403, Reason: "aws-waf"}), "light fetches never used the browser")
	assert.False(t, RequiresReset(&fetch.StatusError{Code: 503}))
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func newTestController(cfg Config, opts ...Option) (*Controller, *sleepRecorder) {
	c := NewController(cfg, logger.Discard(), opts...)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func TestController_RetriesWithDoublingDelay(t *testing.T) {
	c, rec := newTestController(Config{MaxRetries: 2, BaseDelay: time.Second})

	calls := 0
	err := c.Do(context.Background(), "www.imdb.com", func(context.Context) error {
		calls++
		return &fetch.StatusError{Code: 503}
	})

	var exhausted *Exhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)

	var status *fetch.StatusError
	assert.ErrorAs(t, err, &status)
}

func TestController_SucceedsAfterTransientFailure(t *testing.T) {
	c, _ := newTestController(Config{MaxRetries: 2, BaseDelay: time.Millisecond})

	calls := 0
	err := c.Do(context.Background(), "www.imdb.com", func(context.Context) error {
		calls++
		if calls == 1 {
			return fetch.ErrTimeout
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestController_TerminalNotRetried(t *testing.T) {
	c, rec := newTestController(Config{MaxRetries: 5, BaseDelay: time.Second})

	calls := 0
	err := c.Do(context.Background(), "www.boxofficemojo.com", func(context.Context) error {
		calls++
		return &extract.ContentError{Schema: "financial", Field: "title"}
	})

	var content *extract.ContentError
	require.ErrorAs(t, err, &content)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestController_ResetsSessionOnChallenge(t *testing.T) {
	resets := 0
	c, _ := newTestController(Config{MaxRetries: 2, BaseDelay: time.Millisecond},
		WithReset(func(context.Context, error) error {
			resets++
			return nil
		}),
	)

	calls := 0
	err := c.Do(context.Background(), "www.imdb.com", func(context.Context) error {
		calls++
		if calls < 3 {
			return &fetch.ChallengeError{Code: 403, Reason: "captcha", Rendered: true}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, resets)
}

func TestController_LightChallengeKeepsSession(t *testing.T) {
	resets := 0
	c, _ := newTestController(Config{MaxRetries: 1, BaseDelay: time.Millisecond},
		WithReset(func(context.Context, error) error {
			resets++
			return nil
		}),
	)

	calls := 0
	err := c.Do(context.Background(), "www.imdb.com", func(context.Context) error {
		calls++
		if calls == 1 {
			return &fetch.ChallengeError{Code: 202, Reason: "empty-202"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Zero(t, resets)
}

func TestController_ResetFailureStops(t *testing.T) {
	c, _ := newTestController(Config{MaxRetries: 2, BaseDelay: time.Millisecond},
		WithReset(func(context.Context, error) error {
			return session.ErrPermanentlyFailed
		}),
	)

	err := c.Do(context.Background(), "www.imdb.com", func(context.Context) error {
		return &fetch.ChallengeError{Code: 403, Rendered: true}
	})
	assert.ErrorIs(t, err, session.ErrPermanentlyFailed)
}

func TestController_CanceledContext(t *testing.T) {
	c, _ := newTestController(Config{MaxRetries: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := c.Do(ctx, "www.imdb.com", func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestController_OneInFlightPerDomain(t *testing.T) {
	c := NewController(Config{}, logger.Discard())

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), "www.metacritic.com", func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestController_DomainsIndependent(t *testing.T) {
	c := NewController(Config{}, logger.Discard())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), "www.imdb.com", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), "www.boxofficemojo.com", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second domain blocked behind first")
	}
	close(release)
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Second, 250*time.Millisecond, 5*time.Second)

	assert.Equal(t, time.Second, th.Delay("a"))

	th.Observe("a", 2*time.Second)
	assert.Equal(t, 2*time.Second, th.Delay("a"))

	// 2000*0.8 + 7000*0.2
	th.Observe("a", 7*time.Second)
	assert.InDelta(t, float64(3*time.Second), float64(th.Delay("a")), float64(time.Millisecond))

	for i := 0; i < 50; i++ {
		th.Observe("a", 20*time.Second)
	}
	assert.Equal(t, 5*time.Second, th.Delay("a"), "clamped to max")

	for i := 0; i < 100; i++ {
		th.Observe("a", time.Millisecond)
	}
	assert.Equal(t, 250*time.Millisecond, th.Delay("a"), "clamped to min")

	assert.Equal(t, time.Second, th.Delay("b"))
	assert.Contains(t, th.Snapshot(), "a")
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)

	assert.False(t, b.Record(nil))
	assert.False(t, b.Record(&fetch.StatusError{Code: 503}))
	assert.True(t, b.Record(&fetch.StatusError{Code: 404}))
	assert.True(t, b.Record(&extract.ContentError{Schema: "movie", Field: "title"}))
	assert.False(t, b.Exceeded())

	b.Record(Permanent(errors.New("rate limiter closed")))
	assert.True(t, b.Exceeded())
	assert.Equal(t, 3, b.Count())

	assert.False(t, NewBudget(0).Exceeded())
}

func TestBudget_IgnoresExhaustedRetries(t *testing.T) {
	b := NewBudget(2)
	for i := 0; i < 3; i++ {
		assert.False(t, b.Record(&Exhausted{Attempts: 3, Err: fetch.ErrTimeout}))
		assert.False(t, b.Record(fmt.Errorf("movie page: %w", &Exhausted{Attempts: 3, Err: &fetch.StatusError{Code: 503}})))
	}
	assert.False(t, b.Exceeded())
	assert.Zero(t, b.Count())
}
