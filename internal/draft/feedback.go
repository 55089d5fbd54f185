package draft

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrCommentNotFound = fmt.Errorf("comment not found")

// Broadcaster is the advisory fan-out used for feedback events. The
// broadcast is best-effort only; each participant's local state stays
// authoritative for its own session until the next persisted reload.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// EventFeedbackAdded is the broadcast event name for new feedback.
const EventFeedbackAdded = "feedback_added"

// Author identifies who is writing comments in this session.
type Author struct {
	ID   string
	Name string
}

// ThreadManager stores user comments and AI-discussion answers anchored to
// section text, plus the per-client feedback thread counter. Feedback is
// broadcast (FeedbackScope); comments are local-only until a collaborator
// reloads the draft (CommentScope).
type ThreadManager struct {
	mu           sync.Mutex
	store        *VersionStore
	broadcaster  Broadcaster
	author       Author
	nextThreadID int
	comments     map[int][]Comment // keyed by version id
	activeID     string
}

// NewThreadManager creates a manager whose thread counter starts at 1.
// broadcaster may be nil (feedback then stays local too).
func NewThreadManager(store *VersionStore, broadcaster Broadcaster, author Author) *ThreadManager {
	return &ThreadManager{
		store:        store,
		broadcaster:  broadcaster,
		author:       author,
		nextThreadID: 1,
		comments:     make(map[int][]Comment),
	}
}

// AddFeedback appends a feedback item to the current version's section and
// broadcasts it to connected participants. The broadcast failing does not
// fail the call.
func (m *ThreadManager) AddFeedback(ctx context.Context, sectionIdx int, text string) (FeedbackItem, error) {
	m.mu.Lock()
	item := FeedbackItem{Text: text, ThreadID: m.nextThreadID}
	m.nextThreadID++
	m.mu.Unlock()

	if err := m.store.appendFeedback(sectionIdx, item); err != nil {
		return FeedbackItem{}, err
	}

	if m.broadcaster != nil {
		payload := map[string]any{
			"sectionIndex": sectionIdx,
			"text":         text,
			"threadId":     item.ThreadID,
			"authorId":     m.author.ID,
		}
		if err := m.broadcaster.Broadcast(ctx, EventFeedbackAdded, payload); err != nil {
			log.Printf("feedback: broadcast failed (continuing): %v", err)
		}
	}
	return item, nil
}

// CommentInput is the anchored-selection input for AddComment.
type CommentInput struct {
	SectionIndex int
	StartOffset  int
	EndOffset    int
	SelectedText string
	Text         string
	IsSystem     bool
}

// AddComment creates a comment anchored to the given offsets on the current
// version. Comments are not broadcast; they become visible to collaborators
// only after a reload.
func (m *ThreadManager) AddComment(in CommentInput) (Comment, error) {
	current, err := m.store.Current()
	if err != nil {
		return Comment{}, err
	}
	if in.SectionIndex < 0 || in.SectionIndex >= len(current.Sections) {
		return Comment{}, fmt.Errorf("%w: %d", ErrSectionOutOfRange, in.SectionIndex)
	}

	comment := Comment{
		ID:         uuid.NewString(),
		Text:       in.Text,
		AuthorID:   m.author.ID,
		AuthorName: m.author.Name,
		Timestamp:  time.Now(),
		Selection: Selection{
			SectionIndex: in.SectionIndex,
			StartOffset:  in.StartOffset,
			EndOffset:    in.EndOffset,
			Content:      in.SelectedText,
		},
		IsSystem: in.IsSystem,
	}

	m.mu.Lock()
	m.comments[current.ID] = append(m.comments[current.ID], comment)
	m.mu.Unlock()
	return comment, nil
}

// DeleteComment removes a comment by id. Local-only.
func (m *ThreadManager) DeleteComment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for versionID, comments := range m.comments {
		for i, comment := range comments {
			if comment.ID == id {
				m.comments[versionID] = append(comments[:i:i], comments[i+1:]...)
				if m.activeID == id {
					m.activeID = ""
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrCommentNotFound, id)
}

// JumpToComment sets the active highlight pointer. Local-only.
func (m *ThreadManager) JumpToComment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, comments := range m.comments {
		for _, comment := range comments {
			if comment.ID == id {
				m.activeID = id
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrCommentNotFound, id)
}

// ActiveComment returns the id of the currently highlighted comment, empty
// when none.
func (m *ThreadManager) ActiveComment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Comments returns the comments attached to one version.
func (m *ThreadManager) Comments(versionID int) []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Comment(nil), m.comments[versionID]...)
}

// AllComments returns every comment keyed by version id, for persistence.
func (m *ThreadManager) AllComments() map[int][]Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int][]Comment, len(m.comments))
	for versionID, comments := range m.comments {
		out[versionID] = append([]Comment(nil), comments...)
	}
	return out
}

// RestoreComments replaces the comment cache from persisted state.
func (m *ThreadManager) RestoreComments(comments map[int][]Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = make(map[int][]Comment, len(comments))
	for versionID, list := range comments {
		m.comments[versionID] = append([]Comment(nil), list...)
	}
}
