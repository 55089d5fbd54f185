package draft

import (
	"context"
	"errors"
	"testing"
)

type recordingBroadcaster struct {
	events   []string
	payloads []any
	fail     error
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, event string, payload any) error {
	b.events = append(b.events, event)
	b.payloads = append(b.payloads, payload)
	return b.fail
}

func newTestThreads(t *testing.T, sections ...string) (*VersionStore, *ThreadManager, *recordingBroadcaster) {
	t.Helper()
	store, _ := newTestStore(sections...)
	if _, err := store.Generate(context.Background(), GenerateInput{Problem: "p"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	broadcaster := &recordingBroadcaster{}
	threads := NewThreadManager(store, broadcaster, Author{ID: "u1", Name: "Avery"})
	return store, threads, broadcaster
}

func TestAddFeedbackAppendsAndBroadcasts(t *testing.T) {
	store, threads, broadcaster := newTestThreads(t, "A", "B")
	ctx := context.Background()

	first, err := threads.AddFeedback(ctx, 0, "too vague")
	if err != nil {
		t.Fatalf("AddFeedback failed: %v", err)
	}
	second, err := threads.AddFeedback(ctx, 0, "add numbers")
	if err != nil {
		t.Fatalf("AddFeedback failed: %v", err)
	}

	if first.ThreadID != 1 || second.ThreadID != 2 {
		t.Errorf("thread ids must count from 1: got %d, %d", first.ThreadID, second.ThreadID)
	}

	current, _ := store.Current()
	items := current.SectionFeedback[0]
	if len(items) != 2 || items[0].Text != "too vague" || items[1].Text != "add numbers" {
		t.Errorf("feedback list wrong: %v", items)
	}

	if len(broadcaster.events) != 2 || broadcaster.events[0] != EventFeedbackAdded {
		t.Errorf("expected two feedback_added broadcasts, got %v", broadcaster.events)
	}
}

func TestAddFeedbackIsAppendOnly(t *testing.T) {
	store, threads, _ := newTestThreads(t, "A")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		before, _ := store.Current()
		prefix := append([]FeedbackItem(nil), before.SectionFeedback[0]...)

		if _, err := threads.AddFeedback(ctx, 0, "note"); err != nil {
			t.Fatalf("AddFeedback failed: %v", err)
		}

		after, _ := store.Current()
		items := after.SectionFeedback[0]
		if len(items) != len(prefix)+1 {
			t.Fatalf("expected exactly one appended item, before=%d after=%d", len(prefix), len(items))
		}
		for j := range prefix {
			if items[j] != prefix[j] {
				t.Errorf("prior feedback mutated at %d: %v != %v", j, items[j], prefix[j])
			}
		}
	}
}

func TestAddFeedbackSurvivesBroadcastFailure(t *testing.T) {
	store, threads, broadcaster := newTestThreads(t, "A")
	broadcaster.fail = errors.New("channel down")

	if _, err := threads.AddFeedback(context.Background(), 0, "still stored"); err != nil {
		t.Fatalf("broadcast failure must not fail the call: %v", err)
	}
	current, _ := store.Current()
	if len(current.SectionFeedback[0]) != 1 {
		t.Error("feedback not stored after broadcast failure")
	}
}

func TestAddFeedbackRejectsBadSection(t *testing.T) {
	_, threads, _ := newTestThreads(t, "A")
	if _, err := threads.AddFeedback(context.Background(), 3, "x"); !errors.Is(err, ErrSectionOutOfRange) {
		t.Errorf("expected ErrSectionOutOfRange, got %v", err)
	}
}

func TestAddCommentIsLocalOnly(t *testing.T) {
	store, threads, broadcaster := newTestThreads(t, "Alpha text")

	comment, err := threads.AddComment(CommentInput{
		SectionIndex: 0,
		StartOffset:  2,
		EndOffset:    6,
		SelectedText: "pha ",
		Text:         "is this right?",
	})
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	if comment.ID == "" {
		t.Error("comment must have an id")
	}
	if comment.AuthorName != "Avery" {
		t.Errorf("author not applied: %q", comment.AuthorName)
	}
	if len(broadcaster.events) != 0 {
		t.Errorf("comments must not broadcast, got %v", broadcaster.events)
	}

	current, _ := store.Current()
	comments := threads.Comments(current.ID)
	if len(comments) != 1 || comments[0].ID != comment.ID {
		t.Errorf("comment not cached for version %d: %v", current.ID, comments)
	}
}

func TestCommentScopeTags(t *testing.T) {
	if FeedbackScope != ScopeBroadcast {
		t.Error("feedback must be broadcast scope")
	}
	if CommentScope != ScopeLocalOnly {
		t.Error("comments must be local-only scope")
	}
}

func TestDeleteAndJumpToComment(t *testing.T) {
	_, threads, _ := newTestThreads(t, "Alpha")

	comment, err := threads.AddComment(CommentInput{SectionIndex: 0, Text: "note"})
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	if err := threads.JumpToComment(comment.ID); err != nil {
		t.Fatalf("JumpToComment failed: %v", err)
	}
	if threads.ActiveComment() != comment.ID {
		t.Errorf("active pointer not set")
	}

	if err := threads.DeleteComment(comment.ID); err != nil {
		t.Fatalf("DeleteComment failed: %v", err)
	}
	if threads.ActiveComment() != "" {
		t.Error("deleting the active comment must clear the pointer")
	}

	if err := threads.DeleteComment(comment.ID); !errors.Is(err, ErrCommentNotFound) {
		t.Errorf("expected ErrCommentNotFound, got %v", err)
	}
	if err := threads.JumpToComment("nope"); !errors.Is(err, ErrCommentNotFound) {
		t.Errorf("expected ErrCommentNotFound, got %v", err)
	}
}

func TestCommentsStayWithTheirVersion(t *testing.T) {
	store, threads, _ := newTestThreads(t, "A")
	ctx := context.Background()

	if _, err := threads.AddComment(CommentInput{SectionIndex: 0, Text: "on v1"}); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	if _, err := store.Generate(ctx, GenerateInput{Problem: "p"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := threads.AddComment(CommentInput{SectionIndex: 0, Text: "on v2"}); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	if got := threads.Comments(1); len(got) != 1 || got[0].Text != "on v1" {
		t.Errorf("v1 comments wrong: %v", got)
	}
	if got := threads.Comments(2); len(got) != 1 || got[0].Text != "on v2" {
		t.Errorf("v2 comments wrong: %v", got)
	}
}

func TestRestoreCommentsRoundTrip(t *testing.T) {
	_, threads, _ := newTestThreads(t, "A")

	threads.AddComment(CommentInput{SectionIndex: 0, Text: "keep me"})
	saved := threads.AllComments()

	fresh := NewThreadManager(nil, nil, Author{ID: "u1"})
	fresh.RestoreComments(saved)

	if got := fresh.Comments(1); len(got) != 1 || got[0].Text != "keep me" {
		t.Errorf("comments lost in restore: %v", got)
	}
}
