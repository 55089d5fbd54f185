// Package draft holds the versioned document model: the append-only list of
// whole-document generations, per-section feedback, and anchored comments.
package draft

import "time"

// Version is one full generation of the document. Versions are appended,
// never removed; IDs are 1-based and assigned as previousCount+1.
type Version struct {
	ID              int                    `json:"id"`
	Sections        []string               `json:"sections"`
	Reasoning       string                 `json:"reasoning"`
	SectionFeedback map[int][]FeedbackItem `json:"sectionFeedback"`
	IsFinal         bool                   `json:"isFinal"`
}

// FeedbackItem is one piece of section-level feedback. ThreadID comes from a
// per-client monotonic counter seeded at 1; it is not globally unique across
// clients.
type FeedbackItem struct {
	Text     string `json:"text"`
	ThreadID int    `json:"threadId"`
}

// Selection anchors a comment to a character-offset range within one
// section's text. Offsets are valid only against the text they were captured
// against; they are not re-validated when the section changes.
type Selection struct {
	SectionIndex int    `json:"sectionIndex"`
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	Content      string `json:"content"`
}

// Comment is an anchored note on one section of one version.
type Comment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Timestamp  time.Time `json:"timestamp"`
	Selection  Selection `json:"selection"`
	IsSystem   bool      `json:"isSystem,omitempty"`
}

// SyncScope tags how an entity type propagates to other participants. The
// asymmetry between feedback (broadcast) and comments (local until reload)
// is intentional; the tag keeps it visible instead of accidental.
type SyncScope string

const (
	ScopeBroadcast SyncScope = "broadcast"
	ScopeLocalOnly SyncScope = "local_only"
)

// Sync scope per entity type.
const (
	FeedbackScope = ScopeBroadcast
	CommentScope  = ScopeLocalOnly
)

// UpdatePolicy names what a section save does to history. PolicyCorrection
// replaces the section text inside the targeted version; PolicyNewVersion
// would branch a new version instead. Only PolicyCorrection is wired up —
// in-place correction is the documented behavior, kept deliberately.
type UpdatePolicy string

const (
	PolicyCorrection UpdatePolicy = "correction"
	PolicyNewVersion UpdatePolicy = "new_version"
)
