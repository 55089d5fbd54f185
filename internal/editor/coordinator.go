// Package editor owns the local edit-session lifecycle for sections and the
// advisory "someone is editing this" view derived from presence. There is no
// mutual exclusion: two participants can edit the same section at once, and
// saves are last-write-wins against the version store.
package editor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"draftroom/api/internal/draft"
	"draftroom/api/internal/presence"
)

// EventDraftEdited is broadcast after a successful section save so other
// participants can refresh from their own stores. Advisory only.
const EventDraftEdited = "draft_edited"

var ErrNotEditing = fmt.Errorf("no section edit in progress")

// Publisher is the slice of the presence session the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, state presence.State) error
	Broadcast(ctx context.Context, event string, payload any) error
}

// RemoteEditor is another participant's live edit on a section.
type RemoteEditor struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	LiveContent string `json:"liveContent"`
}

// Coordinator drives one participant's editing state. It owns the full
// published self state so cursor moves and edit updates do not clobber each
// other.
type Coordinator struct {
	store     *draft.VersionStore
	publisher Publisher
	debounce  time.Duration

	mu          sync.Mutex
	displayName string
	color       string
	cursor      *presence.Cursor
	editingIdx  *int
	liveContent *string
	pending     *string
	timer       *time.Timer
}

// NewCoordinator creates a coordinator for one participant. debounce is the
// trailing-edge delay applied to ContentChange republishes so keystroke-rate
// updates do not flood the channel.
func NewCoordinator(store *draft.VersionStore, publisher Publisher, displayName, color string, debounce time.Duration) *Coordinator {
	return &Coordinator{
		store:       store,
		publisher:   publisher,
		debounce:    debounce,
		displayName: displayName,
		color:       color,
	}
}

func (c *Coordinator) stateLocked() presence.State {
	return presence.State{
		DisplayName:    c.displayName,
		Color:          c.color,
		Cursor:         c.cursor,
		EditingSection: c.editingIdx,
		LiveContent:    c.liveContent,
	}
}

// SetCursor publishes a cursor move without touching editing state.
func (c *Coordinator) SetCursor(ctx context.Context, cursor *presence.Cursor) error {
	c.mu.Lock()
	c.cursor = cursor
	state := c.stateLocked()
	c.mu.Unlock()
	return c.publisher.Publish(ctx, state)
}

// StartEdit opens a section for local editing and announces it with the
// current (unsaved) text as live content.
func (c *Coordinator) StartEdit(ctx context.Context, sectionIdx int, currentText string) error {
	current, err := c.store.Current()
	if err != nil {
		return err
	}
	if sectionIdx < 0 || sectionIdx >= len(current.Sections) {
		return fmt.Errorf("%w: %d", draft.ErrSectionOutOfRange, sectionIdx)
	}

	c.mu.Lock()
	idx := sectionIdx
	text := currentText
	c.editingIdx = &idx
	c.liveContent = &text
	c.pending = nil
	state := c.stateLocked()
	c.mu.Unlock()
	return c.publisher.Publish(ctx, state)
}

// ContentChange records a keystroke-level update and republishes the live
// content on the trailing edge of the debounce window. Publish-on-change is
// the contract; the debounce only coalesces bursts.
func (c *Coordinator) ContentChange(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editingIdx == nil {
		return ErrNotEditing
	}
	c.pending = &text
	if c.debounce <= 0 {
		c.flushLocked()
		return nil
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flushPending)
	} else {
		c.timer.Reset(c.debounce)
	}
	return nil
}

func (c *Coordinator) flushPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Coordinator) flushLocked() {
	if c.pending == nil || c.editingIdx == nil {
		return
	}
	c.liveContent = c.pending
	c.pending = nil
	state := c.stateLocked()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(ctx, state); err != nil {
		log.Printf("editor: live content publish failed: %v", err)
	}
}

// CancelEdit abandons the local edit and clears the published editing state.
func (c *Coordinator) CancelEdit(ctx context.Context) error {
	c.mu.Lock()
	if c.editingIdx == nil {
		c.mu.Unlock()
		return ErrNotEditing
	}
	state := c.clearLocked()
	c.mu.Unlock()
	return c.publisher.Publish(ctx, state)
}

// SaveEdit writes the text into the current version (unconditional
// last-write-wins; a concurrent edit of the same section is silently
// overwritten) and clears the published editing state.
func (c *Coordinator) SaveEdit(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.editingIdx == nil {
		c.mu.Unlock()
		return ErrNotEditing
	}
	sectionIdx := *c.editingIdx
	c.mu.Unlock()

	current, err := c.store.Current()
	if err != nil {
		return err
	}
	if err := c.store.UpdateSection(current.ID, sectionIdx, text); err != nil {
		return err
	}

	c.mu.Lock()
	state := c.clearLocked()
	c.mu.Unlock()
	if err := c.publisher.Publish(ctx, state); err != nil {
		return err
	}

	payload := map[string]any{"versionId": current.ID, "sectionIndex": sectionIdx}
	if err := c.publisher.Broadcast(ctx, EventDraftEdited, payload); err != nil {
		log.Printf("editor: draft_edited broadcast failed (continuing): %v", err)
	}
	return nil
}

func (c *Coordinator) clearLocked() presence.State {
	c.editingIdx = nil
	c.liveContent = nil
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return c.stateLocked()
}

// Editing returns the locally edited section index, nil when idle.
func (c *Coordinator) Editing() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editingIdx == nil {
		return nil
	}
	idx := *c.editingIdx
	return &idx
}

// RemoteEditors derives the advisory per-section edit view from a presence
// snapshot, excluding the local participant.
func RemoteEditors(entries []presence.Entry, selfID string) map[int]RemoteEditor {
	out := make(map[int]RemoteEditor)
	for _, entry := range entries {
		if entry.UserID == selfID || entry.EditingSection == nil {
			continue
		}
		editor := RemoteEditor{
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
			Color:       entry.Color,
		}
		if entry.LiveContent != nil {
			editor.LiveContent = *entry.LiveContent
		}
		out[*entry.EditingSection] = editor
	}
	return out
}
