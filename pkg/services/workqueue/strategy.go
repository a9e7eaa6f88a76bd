package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy is responsible for tracking running tasks and determining
// if a new task can start based on the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if another task can start given current state
	CanStart() bool
	// OnStart is called when a task starts
	OnStart()
	// OnComplete is called when a task completes
	OnComplete()
}

// BoundedStrategy allows up to maxConcurrent tasks to run in parallel.
type BoundedStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
}

// NewBoundedStrategy creates a strategy that allows up to maxConcurrent
// tasks at once. Values below one are treated as one.
func NewBoundedStrategy(maxConcurrent int) *BoundedStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &BoundedStrategy{maxConcurrent: maxConcurrent}
}

func (s *BoundedStrategy) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running < s.maxConcurrent
}

func (s *BoundedStrategy) OnStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
}

func (s *BoundedStrategy) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
}
