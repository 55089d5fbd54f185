package store

import (
	"context"
	"log"
	"sync"
	"time"
)

// Persister is the slice of the store the saver needs.
type Persister interface {
	SaveDraftState(ctx context.Context, state DraftState) error
}

// Saver coalesces draft-state writes: every mutation can call Schedule and
// only the trailing state inside the debounce window reaches the database.
// Save failures are logged and reported through the error callback, never
// retried automatically.
type Saver struct {
	persister Persister
	debounce  time.Duration
	onError   func(error)

	mu      sync.Mutex
	pending *DraftState
	timer   *time.Timer
	closed  bool
}

// NewSaver creates a saver. onError may be nil.
func NewSaver(persister Persister, debounce time.Duration, onError func(error)) *Saver {
	return &Saver{persister: persister, debounce: debounce, onError: onError}
}

// Schedule records the latest state and arms the trailing-edge write.
func (s *Saver) Schedule(state DraftState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = &state
	if s.debounce <= 0 {
		s.writeLocked()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flushTimer)
	} else {
		s.timer.Reset(s.debounce)
	}
}

func (s *Saver) flushTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked()
}

// Flush writes any pending state immediately. Called on session close.
func (s *Saver) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.writeLocked()
}

// Close flushes and stops accepting further schedules.
func (s *Saver) Close() {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Saver) writeLocked() {
	if s.pending == nil {
		return
	}
	state := *s.pending
	s.pending = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persister.SaveDraftState(ctx, state); err != nil {
		log.Printf("store: draft state save failed: %v", err)
		if s.onError != nil {
			s.onError(err)
		}
	}
}
