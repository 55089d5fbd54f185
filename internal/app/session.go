package app

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/draft"
	"draftroom/api/internal/editor"
	"draftroom/api/internal/presence"
	"draftroom/api/internal/prompts"
	"draftroom/api/internal/revise"
	"draftroom/api/internal/store"
)

// Event is one item on a draft session's event stream: either a full
// presence snapshot ("sync") or a broadcast event relayed from another
// participant.
type Event struct {
	Name string
	Data any
}

// DraftSession is the session-scoped context for one participant's view of
// one draft. It owns the version store, thread manager, edit coordinator,
// revision engine, prompt cache, presence session, and the debounced saver,
// and fans presence/broadcast traffic out to event-stream subscribers.
type DraftSession struct {
	DraftID  string
	UserID   string
	UserName string
	Color    string

	versions *draft.VersionStore
	threads  *draft.ThreadManager
	editor   *editor.Coordinator
	engine   *revise.Engine
	prompts  *prompts.Cache
	presence *presence.Session
	saver    *store.Saver

	mu          sync.Mutex
	members     []presence.Entry
	subs        map[int]chan Event
	nextSub     int
	lastSaveErr string
	closeOnce   sync.Once
}

type sessionDeps struct {
	provider        ai.Provider
	presence        *presence.Session
	editDebounce    time.Duration
	promptCooldown  time.Duration
	highlightWindow time.Duration
}

func newDraftSession(draftID, userID, userName, color string, deps sessionDeps) *DraftSession {
	ds := &DraftSession{
		DraftID:  draftID,
		UserID:   userID,
		UserName: userName,
		Color:    color,
		presence: deps.presence,
		subs:     make(map[int]chan Event),
	}

	ds.versions = draft.NewVersionStore(deps.provider)
	ds.threads = draft.NewThreadManager(ds.versions, deps.presence, draft.Author{ID: userID, Name: userName})
	ds.editor = editor.NewCoordinator(ds.versions, deps.presence, userName, color, deps.editDebounce)
	ds.engine = revise.NewEngine(ds.versions, deps.provider, deps.highlightWindow)
	ds.prompts = prompts.NewCache(deps.provider, deps.promptCooldown)

	deps.presence.OnSync(ds.onSync)
	deps.presence.On(draft.EventFeedbackAdded, ds.relay(draft.EventFeedbackAdded))
	deps.presence.On(editor.EventDraftEdited, ds.relay(editor.EventDraftEdited))
	return ds
}

// rehydrate restores the version list and comment cache from a persisted
// state. Called before the session is handed out, so no locking around the
// component restores is needed.
func (ds *DraftSession) rehydrate(state store.DraftState) {
	ds.versions.Restore(draft.State{Versions: state.Versions, CurrentIdx: state.CurrentIdx})
	ds.threads.RestoreComments(state.Comments)
}

func (ds *DraftSession) onSync(entries []presence.Entry) {
	ds.mu.Lock()
	ds.members = append([]presence.Entry(nil), entries...)
	ds.mu.Unlock()
	ds.emit(Event{Name: "sync", Data: entries})
}

func (ds *DraftSession) relay(event string) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		ds.emit(Event{Name: event, Data: payload})
	}
}

// Subscribe attaches an event-stream consumer. Slow consumers drop events
// rather than block the presence read loop; a dropped sync is repaired by the
// next one.
func (ds *DraftSession) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	ds.mu.Lock()
	id := ds.nextSub
	ds.nextSub++
	ds.subs[id] = ch
	ds.mu.Unlock()

	cancel := func() {
		ds.mu.Lock()
		if _, ok := ds.subs[id]; ok {
			delete(ds.subs, id)
			close(ch)
		}
		ds.mu.Unlock()
	}
	return ch, cancel
}

func (ds *DraftSession) emit(event Event) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for id, ch := range ds.subs {
		select {
		case ch <- event:
		default:
			log.Printf("app: dropping event %s for slow subscriber %d", event.Name, id)
		}
	}
}

// Members returns the latest presence snapshot this session has seen.
func (ds *DraftSession) Members() []presence.Entry {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return append([]presence.Entry(nil), ds.members...)
}

func (ds *DraftSession) noteSaveError(err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.lastSaveErr = err.Error()
}

// scheduleSave hands the current state to the debounced saver. Every
// mutating operation calls this; the saver coalesces the burst.
func (ds *DraftSession) scheduleSave() {
	if ds.saver == nil {
		return
	}
	snapshot := ds.versions.Snapshot()
	ds.saver.Schedule(store.DraftState{
		DraftID:    ds.DraftID,
		UserID:     ds.UserID,
		Versions:   snapshot.Versions,
		CurrentIdx: snapshot.CurrentIdx,
		Comments:   ds.threads.AllComments(),
	})
}

// Generate requests a fresh draft version from the AI collaborator, folding
// in the current version's consolidated feedback.
func (ds *DraftSession) Generate(ctx context.Context, in draft.GenerateInput) (draft.Version, error) {
	version, err := ds.versions.Generate(ctx, in)
	if err != nil {
		return draft.Version{}, err
	}
	ds.scheduleSave()
	return version, nil
}

// SetCurrent moves the local current-version pointer. Navigation never
// reaches other participants.
func (ds *DraftSession) SetCurrent(idx int) error {
	if err := ds.versions.SetCurrent(idx); err != nil {
		return err
	}
	ds.scheduleSave()
	return nil
}

// SetFinal marks or unmarks a version as the final one.
func (ds *DraftSession) SetFinal(versionID int, final bool) error {
	if err := ds.versions.SetFinal(versionID, final); err != nil {
		return err
	}
	ds.scheduleSave()
	return nil
}

func (ds *DraftSession) StartEdit(ctx context.Context, sectionIdx int, text string) error {
	return ds.editor.StartEdit(ctx, sectionIdx, text)
}

func (ds *DraftSession) ChangeEdit(text string) error {
	return ds.editor.ContentChange(text)
}

func (ds *DraftSession) CancelEdit(ctx context.Context) error {
	return ds.editor.CancelEdit(ctx)
}

func (ds *DraftSession) SaveEdit(ctx context.Context, text string) error {
	if err := ds.editor.SaveEdit(ctx, text); err != nil {
		return err
	}
	ds.scheduleSave()
	return nil
}

func (ds *DraftSession) SetCursor(ctx context.Context, cursor *presence.Cursor) error {
	return ds.editor.SetCursor(ctx, cursor)
}

func (ds *DraftSession) AddFeedback(ctx context.Context, sectionIdx int, text string) (draft.FeedbackItem, error) {
	item, err := ds.threads.AddFeedback(ctx, sectionIdx, text)
	if err != nil {
		return draft.FeedbackItem{}, err
	}
	ds.scheduleSave()
	return item, nil
}

func (ds *DraftSession) AddComment(in draft.CommentInput) (draft.Comment, error) {
	comment, err := ds.threads.AddComment(in)
	if err != nil {
		return draft.Comment{}, err
	}
	ds.scheduleSave()
	return comment, nil
}

func (ds *DraftSession) DeleteComment(id string) error {
	if err := ds.threads.DeleteComment(id); err != nil {
		return err
	}
	ds.scheduleSave()
	return nil
}

func (ds *DraftSession) JumpToComment(id string) error {
	return ds.threads.JumpToComment(id)
}

func (ds *DraftSession) Improve(ctx context.Context, kind ai.RewriteKind, sectionIdx int, text string) (revise.Suggestion, error) {
	return ds.engine.Improve(ctx, kind, sectionIdx, text)
}

func (ds *DraftSession) ApplyImprovement(ctx context.Context) (revise.Highlight, error) {
	highlight, err := ds.engine.Apply(ctx)
	if err != nil {
		return revise.Highlight{}, err
	}
	ds.scheduleSave()
	return highlight, nil
}

func (ds *DraftSession) DiscardImprovement() error {
	return ds.engine.Discard()
}

// GeneratePrompts returns discussion questions for a section (or the whole
// document via prompts.KeyDocument). Cooldown and generation failures still
// carry a usable fallback set.
func (ds *DraftSession) GeneratePrompts(ctx context.Context, key prompts.Key, text string) (prompts.Set, error) {
	return ds.prompts.Generate(ctx, key, text)
}

func (ds *DraftSession) AnswerPrompt(key prompts.Key, promptID, answer string) (prompts.Prompt, error) {
	return ds.prompts.AddAnswer(key, promptID, answer)
}

func (ds *DraftSession) SetPromptsVisible(key prompts.Key, visible bool) error {
	return ds.prompts.SetVisible(key, visible)
}

// Snapshot assembles the full client-facing view of the session.
func (ds *DraftSession) Snapshot() map[string]any {
	state := ds.versions.Snapshot()
	members := ds.Members()

	comments := map[int][]draft.Comment{}
	if state.CurrentIdx >= 0 {
		currentID := state.Versions[state.CurrentIdx].ID
		comments[currentID] = ds.threads.Comments(currentID)
	}

	ds.mu.Lock()
	saveErr := ds.lastSaveErr
	ds.mu.Unlock()

	payload := map[string]any{
		"draftId":         ds.DraftID,
		"versions":        state.Versions,
		"currentIdx":      state.CurrentIdx,
		"comments":        comments,
		"activeCommentId": ds.threads.ActiveComment(),
		"prompts":         ds.prompts.Sets(),
		"members":         members,
		"remoteEditors":   editor.RemoteEditors(members, ds.UserID),
		"editingSection":  ds.editor.Editing(),
		"suggestion":      ds.engine.Staged(),
		"highlight":       ds.engine.Highlight(),
	}
	if saveErr != "" {
		payload["saveError"] = saveErr
	}
	return payload
}

// Close flushes pending persistence and leaves the presence channel. Safe to
// call more than once.
func (ds *DraftSession) Close(ctx context.Context) error {
	var err error
	ds.closeOnce.Do(func() {
		ds.mu.Lock()
		subs := ds.subs
		ds.subs = make(map[int]chan Event)
		ds.mu.Unlock()
		for _, ch := range subs {
			close(ch)
		}

		if ds.saver != nil {
			ds.saver.Close()
		}
		err = ds.presence.Leave(ctx)
	})
	return err
}

var palette = []string{
	"#e4572e", "#17bebb", "#ffc914", "#76b041",
	"#9b5de5", "#00b4d8", "#f15bb5", "#fb8b24",
}

// colorFor assigns a stable presence color per user id.
func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
