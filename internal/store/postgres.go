package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no state has been saved for a draft/user pair.
var ErrNotFound = errors.New("draft state not found")

// PostgresStore persists draft states as JSONB rows keyed by
// (draft_id, user_id).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// SaveDraftState upserts the state for one draft/user pair.
func (s *PostgresStore) SaveDraftState(ctx context.Context, state DraftState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal draft state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO draft_states (draft_id, user_id, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (draft_id, user_id)
		DO UPDATE SET payload=EXCLUDED.payload, updated_at=NOW()
	`, state.DraftID, state.UserID, payload)
	if err != nil {
		return fmt.Errorf("save draft state: %w", err)
	}
	return nil
}

// LoadDraftState reads the state for one draft/user pair. ErrNotFound when
// the pair has never been saved.
func (s *PostgresStore) LoadDraftState(ctx context.Context, draftID, userID string) (DraftState, error) {
	var raw []byte
	state := DraftState{}
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM draft_states
		WHERE draft_id=$1 AND user_id=$2
	`, draftID, userID).Scan(&raw, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DraftState{}, fmt.Errorf("%w: %s/%s", ErrNotFound, draftID, userID)
	}
	if err != nil {
		return DraftState{}, fmt.Errorf("load draft state: %w", err)
	}

	updatedAt := state.UpdatedAt
	if err := json.Unmarshal(raw, &state); err != nil {
		return DraftState{}, fmt.Errorf("unmarshal draft state: %w", err)
	}
	state.DraftID = draftID
	state.UserID = userID
	state.UpdatedAt = updatedAt
	return state, nil
}

// DeleteDraftState removes the state for one draft/user pair. Deleting an
// unknown pair is not an error.
func (s *PostgresStore) DeleteDraftState(ctx context.Context, draftID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM draft_states WHERE draft_id=$1 AND user_id=$2`, draftID, userID)
	if err != nil {
		return fmt.Errorf("delete draft state: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
