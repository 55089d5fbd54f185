package editor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/draft"
	"draftroom/api/internal/presence"
)

type staticGenerator struct{ sections []string }

func (g staticGenerator) GenerateDraft(ctx context.Context, req ai.DraftRequest) (ai.DraftResult, error) {
	return ai.DraftResult{Sections: append([]string(nil), g.sections...)}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	states []presence.State
	events []string
}

func (p *fakePublisher) Publish(ctx context.Context, state presence.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
	return nil
}

func (p *fakePublisher) Broadcast(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) lastState(t *testing.T) presence.State {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		t.Fatal("no state published")
	}
	return p.states[len(p.states)-1]
}

func (p *fakePublisher) stateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

func newTestCoordinator(t *testing.T, debounce time.Duration, sections ...string) (*draft.VersionStore, *Coordinator, *fakePublisher) {
	t.Helper()
	store := draft.NewVersionStore(staticGenerator{sections: sections})
	if _, err := store.Generate(context.Background(), draft.GenerateInput{Problem: "p"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	publisher := &fakePublisher{}
	coordinator := NewCoordinator(store, publisher, "Avery", "#fca311", debounce)
	return store, coordinator, publisher
}

func TestStartEditPublishesLiveContent(t *testing.T) {
	_, coordinator, publisher := newTestCoordinator(t, 0, "A", "B")
	ctx := context.Background()

	if err := coordinator.StartEdit(ctx, 0, "A"); err != nil {
		t.Fatalf("StartEdit failed: %v", err)
	}

	state := publisher.lastState(t)
	if state.EditingSection == nil || *state.EditingSection != 0 {
		t.Errorf("editing section not published: %v", state.EditingSection)
	}
	if state.LiveContent == nil || *state.LiveContent != "A" {
		t.Errorf("live content not published: %v", state.LiveContent)
	}
	if got := coordinator.Editing(); got == nil || *got != 0 {
		t.Errorf("local editing state wrong: %v", got)
	}
}

func TestStartEditRejectsBadSection(t *testing.T) {
	_, coordinator, _ := newTestCoordinator(t, 0, "A")
	if err := coordinator.StartEdit(context.Background(), 7, "x"); !errors.Is(err, draft.ErrSectionOutOfRange) {
		t.Errorf("expected ErrSectionOutOfRange, got %v", err)
	}
}

func TestContentChangeRepublishes(t *testing.T) {
	_, coordinator, publisher := newTestCoordinator(t, 0, "A")
	ctx := context.Background()

	if err := coordinator.StartEdit(ctx, 0, "A"); err != nil {
		t.Fatalf("StartEdit failed: %v", err)
	}
	if err := coordinator.ContentChange("A-edited"); err != nil {
		t.Fatalf("ContentChange failed: %v", err)
	}

	state := publisher.lastState(t)
	if state.LiveContent == nil || *state.LiveContent != "A-edited" {
		t.Errorf("expected republished live content, got %v", state.LiveContent)
	}
}

func TestContentChangeCoalescesBursts(t *testing.T) {
	_, coordinator, publisher := newTestCoordinator(t, 30*time.Millisecond, "A")
	ctx := context.Background()

	if err := coordinator.StartEdit(ctx, 0, "A"); err != nil {
		t.Fatalf("StartEdit failed: %v", err)
	}
	before := publisher.stateCount()

	for _, text := range []string{"A1", "A12", "A123", "A1234"} {
		if err := coordinator.ContentChange(text); err != nil {
			t.Fatalf("ContentChange failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for publisher.stateCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("debounced publish never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Only the trailing value is published.
	if got := publisher.stateCount(); got != before+1 {
		t.Errorf("expected 1 coalesced publish, got %d", got-before)
	}
	state := publisher.lastState(t)
	if state.LiveContent == nil || *state.LiveContent != "A1234" {
		t.Errorf("expected trailing-edge content, got %v", state.LiveContent)
	}
}

func TestContentChangeRequiresEdit(t *testing.T) {
	_, coordinator, _ := newTestCoordinator(t, 0, "A")
	if err := coordinator.ContentChange("x"); !errors.Is(err, ErrNotEditing) {
		t.Errorf("expected ErrNotEditing, got %v", err)
	}
}

func TestCancelEditClearsState(t *testing.T) {
	store, coordinator, publisher := newTestCoordinator(t, 0, "A")
	ctx := context.Background()

	coordinator.StartEdit(ctx, 0, "A")
	if err := coordinator.CancelEdit(ctx); err != nil {
		t.Fatalf("CancelEdit failed: %v", err)
	}

	state := publisher.lastState(t)
	if state.EditingSection != nil || state.LiveContent != nil {
		t.Errorf("cancel must clear published state: %+v", state)
	}
	if coordinator.Editing() != nil {
		t.Error("local editing state not cleared")
	}

	current, _ := store.Current()
	if current.Sections[0] != "A" {
		t.Errorf("cancel must not save: %q", current.Sections[0])
	}
}

func TestSaveEditWritesAndClears(t *testing.T) {
	store, coordinator, publisher := newTestCoordinator(t, 0, "A", "B")
	ctx := context.Background()

	coordinator.StartEdit(ctx, 1, "B")
	if err := coordinator.SaveEdit(ctx, "B2"); err != nil {
		t.Fatalf("SaveEdit failed: %v", err)
	}

	current, _ := store.Current()
	if current.Sections[1] != "B2" {
		t.Errorf("save not applied: %v", current.Sections)
	}
	state := publisher.lastState(t)
	if state.EditingSection != nil || state.LiveContent != nil {
		t.Errorf("save must clear published state: %+v", state)
	}

	publisher.mu.Lock()
	events := append([]string(nil), publisher.events...)
	publisher.mu.Unlock()
	if len(events) != 1 || events[0] != EventDraftEdited {
		t.Errorf("expected draft_edited broadcast, got %v", events)
	}
}

func TestSaveEditLastWriteWinsAcrossCoordinators(t *testing.T) {
	// X and Y both open section 0 holding "A"; X saves, then Y saves stale
	// text. Y's write fully replaces X's.
	store, x, _ := newTestCoordinator(t, 0, "A")
	y := NewCoordinator(store, &fakePublisher{}, "Blair", "#118ab2", 0)
	ctx := context.Background()

	if err := x.StartEdit(ctx, 0, "A"); err != nil {
		t.Fatalf("X StartEdit failed: %v", err)
	}
	if err := y.StartEdit(ctx, 0, "A"); err != nil {
		t.Fatalf("Y StartEdit failed: %v", err)
	}

	if err := x.SaveEdit(ctx, "X-version"); err != nil {
		t.Fatalf("X SaveEdit failed: %v", err)
	}
	if err := y.SaveEdit(ctx, "Y-version"); err != nil {
		t.Fatalf("Y SaveEdit failed: %v", err)
	}

	current, _ := store.Current()
	if current.Sections[0] != "Y-version" {
		t.Errorf("expected Y-version (last write wins), got %q", current.Sections[0])
	}
}

func TestRemoteEditorsExcludesSelfAndIdle(t *testing.T) {
	idx := 2
	live := "draft text"
	entries := []presence.Entry{
		{UserID: "me", EditingSection: &idx},
		{UserID: "other", DisplayName: "Blair", Color: "#118ab2", EditingSection: &idx, LiveContent: &live},
		{UserID: "idle", DisplayName: "Casey"},
	}

	remote := RemoteEditors(entries, "me")
	if len(remote) != 1 {
		t.Fatalf("expected one remote editor, got %v", remote)
	}
	got := remote[2]
	if got.UserID != "other" || got.LiveContent != "draft text" {
		t.Errorf("unexpected remote editor: %+v", got)
	}
}
