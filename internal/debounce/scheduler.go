// Package debounce coalesces bursts of values into a single delayed emission.
package debounce

import (
	"errors"
	"sync"
	"time"
)

var (
	errMissingEmitter = errors.New("debounce: emit function is required")
	errInvalidDelay   = errors.New("debounce: delay must not be negative")
)

// Config describes a Scheduler.
type Config[T any] struct {
	Delay time.Duration
	Emit  func(T) error
	// Equal, when set, suppresses an emission whose value equals the last successful one.
	Equal func(previous, next T) bool
}

// Scheduler owns a single pending-timer slot. Each Schedule call replaces the pending
// value and restarts the window; when the window elapses the latest value is emitted.
type Scheduler[T any] struct {
	delay time.Duration
	emit  func(T) error
	equal func(previous, next T) bool

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	pending    T
	hasPending bool

	emitMu  sync.Mutex
	last    T
	hasLast bool
}

// NewScheduler validates the configuration and returns an idle Scheduler.
func NewScheduler[T any](cfg Config[T]) (*Scheduler[T], error) {
	if cfg.Emit == nil {
		return nil, errMissingEmitter
	}
	if cfg.Delay < 0 {
		return nil, errInvalidDelay
	}
	return &Scheduler[T]{
		delay: cfg.Delay,
		emit:  cfg.Emit,
		equal: cfg.Equal,
	}, nil
}

// Schedule stores value as the pending emission and restarts the debounce window.
func (s *Scheduler[T]) Schedule(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = value
	s.hasPending = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	generation := s.generation
	s.timer = time.AfterFunc(s.delay, func() {
		s.fire(generation)
	})
}

// Flush emits the pending value immediately. It reports whether an emission happened.
func (s *Scheduler[T]) Flush() bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	value, ok := s.take(0, false)
	if !ok {
		return false
	}
	return s.deliverLocked(value)
}

// Cancel drops the pending value without emitting it.
func (s *Scheduler[T]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	var zero T
	s.pending = zero
	s.hasPending = false
}

// Pending reports whether a value is waiting for the window to elapse.
func (s *Scheduler[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPending
}

// MarkEmitted records value as the last successful emission without emitting it.
func (s *Scheduler[T]) MarkEmitted(value T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.last = value
	s.hasLast = true
}

// LastEmitted returns the last successfully emitted value.
func (s *Scheduler[T]) LastEmitted() (T, bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.last, s.hasLast
}

// fire and Flush hold emitMu across take and emit so an older value never lands after a newer one.
func (s *Scheduler[T]) fire(generation uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	value, ok := s.take(generation, true)
	if !ok {
		return
	}
	s.deliverLocked(value)
}

func (s *Scheduler[T]) take(generation uint64, checkGeneration bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if checkGeneration && generation != s.generation {
		return zero, false
	}
	s.stopLocked()
	if !s.hasPending {
		return zero, false
	}
	value := s.pending
	s.pending = zero
	s.hasPending = false
	return value, true
}

func (s *Scheduler[T]) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

func (s *Scheduler[T]) deliverLocked(value T) bool {
	if s.equal != nil && s.hasLast && s.equal(s.last, value) {
		return false
	}
	if err := s.emit(value); err != nil {
		return false
	}
	s.last = value
	s.hasLast = true
	return true
}
