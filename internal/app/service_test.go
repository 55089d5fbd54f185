package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"draftroom/api/internal/ai/lorem"
	"draftroom/api/internal/config"
	"draftroom/api/internal/draft"
	"draftroom/api/internal/presence"
	"draftroom/api/internal/store"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]store.DraftState
	saves  int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]store.DraftState)}
}

func (m *memStore) SaveDraftState(ctx context.Context, state store.DraftState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.DraftID+"/"+state.UserID] = state
	m.saves++
	return nil
}

func (m *memStore) LoadDraftState(ctx context.Context, draftID, userID string) (store.DraftState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[draftID+"/"+userID]
	if !ok {
		return store.DraftState{}, store.ErrNotFound
	}
	return state, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func testConfig() config.Config {
	return config.Config{
		PresenceTTL:     30 * time.Second,
		EditDebounce:    0,
		SaveDebounce:    0,
		PromptCooldown:  time.Second,
		HighlightWindow: time.Second,
	}
}

func newTestService(t *testing.T, mr *miniredis.Miniredis, draftStore DraftStore) *Service {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	registry := presence.NewRegistryWithClient(client, 30*time.Second, 0)
	return NewService(testConfig(), draftStore, registry, lorem.NewProvider())
}

func TestOpenDraftIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	service := newTestService(t, mr, newMemStore())

	first, err := service.OpenDraft(context.Background(), "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := service.OpenDraft(context.Background(), "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first != second {
		t.Error("reopening an open draft must return the same session")
	}
}

func TestSessionRequiresOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	service := newTestService(t, mr, newMemStore())

	if _, err := service.Session("d1", "alice"); err == nil {
		t.Error("expected error for unopened draft")
	}
}

func TestGenerateEditAndPersistRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	mem := newMemStore()
	service := newTestService(t, mr, mem)
	ctx := context.Background()

	ds, err := service.OpenDraft(ctx, "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	version, err := ds.Generate(ctx, draft.GenerateInput{Problem: "checkout drop-off"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if version.ID != 1 || len(version.Sections) == 0 {
		t.Fatalf("unexpected first version: %+v", version)
	}

	if err := ds.StartEdit(ctx, 0, version.Sections[0]); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if err := ds.SaveEdit(ctx, "rewritten opening"); err != nil {
		t.Fatalf("save edit: %v", err)
	}
	if _, err := ds.AddFeedback(ctx, 0, "needs a metric"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	comment, err := ds.AddComment(draft.CommentInput{SectionIndex: 0, Text: "source?"})
	if err != nil {
		t.Fatalf("comment: %v", err)
	}

	if err := service.CloseDraft(ctx, "d1", "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if mem.saves == 0 {
		t.Fatal("nothing was persisted")
	}

	// A reopened session sees the saved versions and comments.
	reopened, err := service.OpenDraft(ctx, "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	current, err := reopened.versions.Current()
	if err != nil {
		t.Fatalf("current after reopen: %v", err)
	}
	if current.Sections[0] != "rewritten opening" {
		t.Errorf("section edit not rehydrated: %q", current.Sections[0])
	}
	if len(current.SectionFeedback[0]) != 1 {
		t.Errorf("feedback not rehydrated: %+v", current.SectionFeedback)
	}
	comments := reopened.threads.Comments(current.ID)
	if len(comments) != 1 || comments[0].ID != comment.ID {
		t.Errorf("comments not rehydrated: %+v", comments)
	}
}

func TestCloseDraftTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	service := newTestService(t, mr, newMemStore())
	ctx := context.Background()

	if _, err := service.OpenDraft(ctx, "d1", "alice", "Alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := service.CloseDraft(ctx, "d1", "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := service.CloseDraft(ctx, "d1", "alice"); err == nil {
		t.Error("second close must report the draft as not open")
	}
}

func TestFeedbackReachesOtherParticipant(t *testing.T) {
	mr := miniredis.RunT(t)
	serviceA := newTestService(t, mr, newMemStore())
	serviceB := newTestService(t, mr, newMemStore())
	ctx := context.Background()

	alice, err := serviceA.OpenDraft(ctx, "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("open alice: %v", err)
	}
	bob, err := serviceB.OpenDraft(ctx, "d1", "bob", "Bob")
	if err != nil {
		t.Fatalf("open bob: %v", err)
	}

	events, cancel := bob.Subscribe()
	defer cancel()

	if _, err := alice.Generate(ctx, draft.GenerateInput{Problem: "retention"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := alice.AddFeedback(ctx, 0, "tighten this"); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("feedback_added never reached the other participant")
		case event := <-events:
			if event.Name != draft.EventFeedbackAdded {
				continue
			}
			raw, ok := event.Data.(json.RawMessage)
			if !ok {
				t.Fatalf("unexpected payload type %T", event.Data)
			}
			var payload struct {
				SectionIndex int    `json:"sectionIndex"`
				Text         string `json:"text"`
				ThreadID     int    `json:"threadId"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if payload.Text != "tighten this" || payload.ThreadID != 1 {
				t.Errorf("unexpected payload: %+v", payload)
			}
			return
		}
	}
}

func TestSyncSnapshotsReachSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	serviceA := newTestService(t, mr, newMemStore())
	serviceB := newTestService(t, mr, newMemStore())
	ctx := context.Background()

	alice, err := serviceA.OpenDraft(ctx, "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("open alice: %v", err)
	}
	events, cancel := alice.Subscribe()
	defer cancel()

	if _, err := serviceB.OpenDraft(ctx, "d1", "bob", "Bob"); err != nil {
		t.Fatalf("open bob: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no sync with both members arrived")
		case event := <-events:
			if event.Name != "sync" {
				continue
			}
			entries, ok := event.Data.([]presence.Entry)
			if !ok {
				t.Fatalf("unexpected sync payload type %T", event.Data)
			}
			if len(entries) == 2 {
				return
			}
		}
	}
}

func TestSnapshotShape(t *testing.T) {
	mr := miniredis.RunT(t)
	service := newTestService(t, mr, newMemStore())
	ctx := context.Background()

	ds, err := service.OpenDraft(ctx, "d1", "alice", "Alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	snapshot := ds.Snapshot()
	if snapshot["currentIdx"] != -1 {
		t.Errorf("fresh draft currentIdx = %v, want -1", snapshot["currentIdx"])
	}

	if _, err := ds.Generate(ctx, draft.GenerateInput{Problem: "onboarding"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	snapshot = ds.Snapshot()
	if snapshot["currentIdx"] != 0 {
		t.Errorf("currentIdx = %v, want 0", snapshot["currentIdx"])
	}
	versions, ok := snapshot["versions"].([]draft.Version)
	if !ok || len(versions) != 1 {
		t.Errorf("unexpected versions payload: %+v", snapshot["versions"])
	}
}
