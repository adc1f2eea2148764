package retry

import (
	"sync"
	"time"
)

// Throttle adapts the delay between requests to a domain to the latency the
// domain has been showing. Slow responses widen the delay, fast ones narrow it.
type Throttle struct {
	mu    sync.Mutex
	start time.Duration
	min   time.Duration
	max   time.Duration
	avgMs map[string]float64
}

// NewThrottle creates a throttle. start is used until a domain has a
// latency sample.
func NewThrottle(start, min, max time.Duration) *Throttle {
	if max < min {
		max = min
	}
	return &Throttle{
		start: start,
		min:   min,
		max:   max,
		avgMs: make(map[string]float64),
	}
}

// Observe records one response latency for domain.
func (t *Throttle) Observe(domain string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sample := float64(latency) / float64(time.Millisecond)
	current, ok := t.avgMs[domain]
	if !ok {
		t.avgMs[domain] = sample
		return
	}
	t.avgMs[domain] = current*0.8 + sample*0.2
}

// Delay returns the current delay for domain, clamped to [min, max].
func (t *Throttle) Delay(domain string) time.Duration {
	t.mu.Lock()
	avg, ok := t.avgMs[domain]
	t.mu.Unlock()

	d := t.start
	if ok {
		d = time.Duration(avg * float64(time.Millisecond))
	}
	return t.clamp(d)
}

// Snapshot returns the current delay of every observed domain.
func (t *Throttle) Snapshot() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Duration, len(t.avgMs))
	for domain, avg := range t.avgMs {
		out[domain] = t.clamp(time.Duration(avg * float64(time.Millisecond)))
	}
	return out
}

func (t *Throttle) clamp(d time.Duration) time.Duration {
	if d < t.min {
		return t.min
	}
	if d > t.max {
		return t.max
	}
	return d
}
