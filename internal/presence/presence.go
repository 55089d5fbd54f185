// Package presence tracks which participants are connected to a draft, their
// cursors, and which section each is editing, and carries the advisory
// broadcast channel. State lives in Redis: a hash per draft holding one JSON
// entry per member, and pub/sub channels for sync notifications and generic
// events. Every notification makes members re-read the full hash, so the
// view is always a full snapshot; correctness only needs "last publish per
// member wins", which the hash already provides.
package presence

import "time"

// Cursor is a participant's pointer position in document coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entry is one participant's ephemeral state. Each client owns and
// republishes only its own entry; the merged view is derived, never owned.
type Entry struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	Cursor         *Cursor   `json:"cursor,omitempty"`
	EditingSection *int      `json:"editingSectionIndex,omitempty"`
	LiveContent    *string   `json:"liveContent,omitempty"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

// State is the self-owned, publishable part of an Entry.
type State struct {
	DisplayName    string
	Color          string
	Cursor         *Cursor
	EditingSection *int
	LiveContent    *string
}

// Stale reports whether the entry has not been seen within ttl. Entries have
// no server-side TTL; the registry evicts stale ones on snapshot reads so an
// unclean disconnect does not leave a ghost collaborator forever.
func (e Entry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastSeenAt) > ttl
}
