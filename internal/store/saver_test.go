package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePersister struct {
	mu     sync.Mutex
	states []DraftState
	fail   error
}

func (p *fakePersister) SaveDraftState(ctx context.Context, state DraftState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.states = append(p.states, state)
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

func (p *fakePersister) last(t *testing.T) DraftState {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		t.Fatal("nothing saved")
	}
	return p.states[len(p.states)-1]
}

func TestSaverCoalescesBursts(t *testing.T) {
	persister := &fakePersister{}
	saver := NewSaver(persister, 30*time.Millisecond, nil)

	for i := 0; i < 5; i++ {
		saver.Schedule(DraftState{DraftID: "d1", UserID: "u1", CurrentIdx: i})
	}

	deadline := time.Now().Add(time.Second)
	for persister.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("debounced save never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := persister.count(); got != 1 {
		t.Errorf("expected 1 coalesced save, got %d", got)
	}
	if got := persister.last(t); got.CurrentIdx != 4 {
		t.Errorf("expected trailing state, got %+v", got)
	}
}

func TestSaverFlushWritesImmediately(t *testing.T) {
	persister := &fakePersister{}
	saver := NewSaver(persister, time.Hour, nil)

	saver.Schedule(DraftState{DraftID: "d1", UserID: "u1"})
	if persister.count() != 0 {
		t.Fatal("saved before flush despite long debounce")
	}

	saver.Flush()
	if persister.count() != 1 {
		t.Errorf("expected immediate save on flush, got %d", persister.count())
	}

	// Nothing pending: flush is a no-op.
	saver.Flush()
	if persister.count() != 1 {
		t.Errorf("empty flush must not write, got %d", persister.count())
	}
}

func TestSaverReportsFailures(t *testing.T) {
	persister := &fakePersister{fail: errors.New("db down")}
	var reported error
	saver := NewSaver(persister, 0, func(err error) { reported = err })

	saver.Schedule(DraftState{DraftID: "d1", UserID: "u1"})
	if reported == nil {
		t.Error("save failure not reported")
	}
}

func TestSaverCloseStopsSchedules(t *testing.T) {
	persister := &fakePersister{}
	saver := NewSaver(persister, 0, nil)

	saver.Schedule(DraftState{DraftID: "d1", UserID: "u1"})
	saver.Close()
	saver.Schedule(DraftState{DraftID: "d1", UserID: "u1"})

	if got := persister.count(); got != 1 {
		t.Errorf("schedule after close must be dropped, got %d saves", got)
	}
}
