package retry

import (
	"errors"
	"sync/atomic"
)

// Budget counts terminal failures across a run so a source that has started
// rejecting everything stops the run instead of burning through the queue.
type Budget struct {
	max   int64
	count atomic.Int64
}

// NewBudget creates a budget that is exceeded once more than max terminal
// failures were recorded. max <= 0 disables the limit.
func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// Record counts err when it is terminal and reports whether it was counted.
// Transient failures that ran out of retries are not counted: the item is
// skipped but the source is not considered to be refusing the run.
func (b *Budget) Record(err error) bool {
	var exhausted *Exhausted
	if err == nil || errors.As(err, &exhausted) || Classify(err) != Terminal {
		return false
	}
	b.count.Add(1)
	return true
}

// Count returns the number of terminal failures recorded.
func (b *Budget) Count() int {
	return int(b.count.Load())
}

// Exceeded reports whether the run should stop.
func (b *Budget) Exceeded() bool {
	return b.max > 0 && b.count.Load() > b.max
}
