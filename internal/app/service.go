package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/config"
	"draftroom/api/internal/presence"
	"draftroom/api/internal/store"
)

// DraftStore is the persistence surface the service needs. Nil disables
// persistence; sessions then live purely in memory.
type DraftStore interface {
	SaveDraftState(ctx context.Context, state store.DraftState) error
	LoadDraftState(ctx context.Context, draftID, userID string) (store.DraftState, error)
	Ping(ctx context.Context) error
}

// Service owns the open draft sessions for this process. One process serves
// one participant's UI, but nothing prevents that participant from holding
// several drafts open at once, so sessions are keyed by (draft, user).
type Service struct {
	cfg      config.Config
	store    DraftStore
	registry *presence.Registry
	provider ai.Provider

	mu       sync.Mutex
	sessions map[string]*DraftSession
}

func NewService(cfg config.Config, draftStore DraftStore, registry *presence.Registry, provider ai.Provider) *Service {
	return &Service{
		cfg:      cfg,
		store:    draftStore,
		registry: registry,
		provider: provider,
		sessions: make(map[string]*DraftSession),
	}
}

func sessionKey(draftID, userID string) string {
	return draftID + "/" + userID
}

// OpenDraft joins the draft's presence channel and builds the session-scoped
// component graph, rehydrating versions and comments from the store when a
// persisted state exists. Opening an already open draft returns the existing
// session.
func (s *Service) OpenDraft(ctx context.Context, draftID, userID, userName string) (*DraftSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionKey(draftID, userID)]; ok {
		return existing, nil
	}

	color := colorFor(userID)
	psession, err := s.registry.Join(ctx, draftID, userID, presence.State{
		DisplayName: userName,
		Color:       color,
	})
	if err != nil {
		return nil, fmt.Errorf("join presence: %w", err)
	}

	ds := newDraftSession(draftID, userID, userName, color, sessionDeps{
		provider:        s.provider,
		presence:        psession,
		editDebounce:    s.cfg.EditDebounce,
		promptCooldown:  s.cfg.PromptCooldown,
		highlightWindow: s.cfg.HighlightWindow,
	})

	if s.store != nil {
		state, err := s.store.LoadDraftState(ctx, draftID, userID)
		switch {
		case err == nil:
			ds.rehydrate(state)
		case errors.Is(err, store.ErrNotFound):
			// fresh draft
		default:
			// The session still works in memory; the first successful save
			// repairs the persisted copy.
			log.Printf("app: rehydrate %s/%s failed, starting empty: %v", draftID, userID, err)
		}
		ds.saver = store.NewSaver(s.store, s.cfg.SaveDebounce, ds.noteSaveError)
	}

	s.sessions[sessionKey(draftID, userID)] = ds
	return ds, nil
}

// CloseDraft flushes persistence and leaves presence for one session.
func (s *Service) CloseDraft(ctx context.Context, draftID, userID string) error {
	s.mu.Lock()
	ds, ok := s.sessions[sessionKey(draftID, userID)]
	if ok {
		delete(s.sessions, sessionKey(draftID, userID))
	}
	s.mu.Unlock()
	if !ok {
		return domainError(http.StatusNotFound, "DRAFT_NOT_OPEN", "Draft is not open", nil)
	}
	return ds.Close(ctx)
}

// Session returns the open session for a draft/user pair.
func (s *Service) Session(draftID, userID string) (*DraftSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.sessions[sessionKey(draftID, userID)]
	if !ok {
		return nil, domainError(http.StatusConflict, "DRAFT_NOT_OPEN", "Open the draft before operating on it", nil)
	}
	return ds, nil
}

// Ping checks the service's backing dependencies.
func (s *Service) Ping(ctx context.Context) error {
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := s.registry.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close tears down every open session. Used on shutdown.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*DraftSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		sessions = append(sessions, ds)
	}
	s.sessions = make(map[string]*DraftSession)
	s.mu.Unlock()

	for _, ds := range sessions {
		if err := ds.Close(ctx); err != nil {
			log.Printf("app: session close failed for %s/%s: %v", ds.DraftID, ds.UserID, err)
		}
	}
}
