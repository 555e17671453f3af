package chat

import "sync/atomic"

// Sequence issues monotonically increasing thread ids. Ids are never
// reused, including across compaction, so a stale reference can never
// alias a newer thread.
type Sequence struct {
	last int64
}

// NewSequence creates a sequence that issues ids greater than start
func NewSequence(start int64) *Sequence {
	return &Sequence{last: start}
}

// Next returns the next thread id
func (s *Sequence) Next() int64 {
	return atomic.AddInt64(&s.last, 1)
}

// Current returns the most recently issued id
func (s *Sequence) Current() int64 {
	return atomic.LoadInt64(&s.last)
}
