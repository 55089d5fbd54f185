package store

import (
	"time"

	"draftroom/api/internal/draft"
)

// DraftState is the persisted shape of one participant's view of a draft:
// the full version list, the current-version pointer, and the locally cached
// comments. Keyed by (draft id, user id); writes are debounced, not
// transactional, so the store has eventual-consistency semantics only.
type DraftState struct {
	DraftID    string                  `json:"draftId"`
	UserID     string                  `json:"userId"`
	Versions   []draft.Version         `json:"versions"`
	CurrentIdx int                     `json:"currentIdx"`
	Comments   map[int][]draft.Comment `json:"comments,omitempty"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}
