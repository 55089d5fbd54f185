// Package revise stages AI-assisted section rewrites and applies or discards
// them, computing a line-level diff for transient highlighting.
package revise

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/draft"
	"draftroom/api/internal/util"
)

var ErrNoSuggestion = fmt.Errorf("no staged suggestion")

// Suggestion is a staged rewrite. Nothing is mutated until Apply.
type Suggestion struct {
	ID           string `json:"id"`
	SectionIndex int    `json:"sectionIndex"`
	OldText      string `json:"oldText"`
	NewText      string `json:"newText"`
	Reasoning    string `json:"reasoning,omitempty"`
}

// Highlight marks the changed line indices of an applied suggestion. The UI
// shows it until ExpiresAt; the engine clears it on that schedule.
type Highlight struct {
	SectionIndex int       `json:"sectionIndex"`
	Lines        []int     `json:"lines"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Engine requests rewrites and owns the staged-suggestion lifecycle.
type Engine struct {
	store    *draft.VersionStore
	rewriter ai.SectionRewriter
	window   time.Duration

	mu        sync.Mutex
	staged    *Suggestion
	highlight *Highlight
	timer     *time.Timer
}

// NewEngine creates an engine whose applied-change highlight clears after
// window.
func NewEngine(store *draft.VersionStore, rewriter ai.SectionRewriter, window time.Duration) *Engine {
	return &Engine{store: store, rewriter: rewriter, window: window}
}

// Improve requests a rewritten version of one section and stages it. A new
// suggestion replaces any previously staged one.
func (e *Engine) Improve(ctx context.Context, kind ai.RewriteKind, sectionIdx int, sectionText string) (Suggestion, error) {
	if !ai.ValidRewriteKind(kind) {
		return Suggestion{}, fmt.Errorf("unsupported rewrite kind %q", kind)
	}
	current, err := e.store.Current()
	if err != nil {
		return Suggestion{}, err
	}
	if sectionIdx < 0 || sectionIdx >= len(current.Sections) {
		return Suggestion{}, fmt.Errorf("%w: %d", draft.ErrSectionOutOfRange, sectionIdx)
	}

	result, err := e.rewriter.RewriteSection(ctx, kind, sectionText)
	if err != nil {
		return Suggestion{}, fmt.Errorf("rewrite section: %w", err)
	}

	suggestion := Suggestion{
		ID:           util.NewID("sug"),
		SectionIndex: sectionIdx,
		OldText:      sectionText,
		NewText:      result.NewText,
		Reasoning:    result.Reasoning,
	}
	e.mu.Lock()
	e.staged = &suggestion
	e.mu.Unlock()
	return suggestion, nil
}

// Apply writes the staged suggestion into the current version and returns
// the highlight for its changed lines. Like any save this goes through the
// last-write-wins UpdateSection, so it can silently overwrite a concurrent
// manual edit.
func (e *Engine) Apply(ctx context.Context) (Highlight, error) {
	e.mu.Lock()
	staged := e.staged
	e.mu.Unlock()
	if staged == nil {
		return Highlight{}, ErrNoSuggestion
	}

	current, err := e.store.Current()
	if err != nil {
		return Highlight{}, err
	}
	if staged.SectionIndex >= len(current.Sections) {
		return Highlight{}, fmt.Errorf("%w: %d", draft.ErrSectionOutOfRange, staged.SectionIndex)
	}

	prior := current.Sections[staged.SectionIndex]
	if err := e.store.UpdateSection(current.ID, staged.SectionIndex, staged.NewText); err != nil {
		return Highlight{}, err
	}

	highlight := Highlight{
		SectionIndex: staged.SectionIndex,
		Lines:        ChangedLines(prior, staged.NewText),
		ExpiresAt:    time.Now().Add(e.window),
	}

	e.mu.Lock()
	e.staged = nil
	e.highlight = &highlight
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.window, e.clearHighlight)
	e.mu.Unlock()
	return highlight, nil
}

func (e *Engine) clearHighlight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.highlight = nil
}

// Discard drops the staged suggestion with no mutation.
func (e *Engine) Discard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staged == nil {
		return ErrNoSuggestion
	}
	e.staged = nil
	return nil
}

// Staged returns the staged suggestion, nil when none.
func (e *Engine) Staged() *Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staged == nil {
		return nil
	}
	staged := *e.staged
	return &staged
}

// Highlight returns the active highlight, nil once the window has passed.
func (e *Engine) Highlight() *Highlight {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.highlight == nil {
		return nil
	}
	highlight := *e.highlight
	return &highlight
}

// ChangedLines splits both texts by line and returns the indices whose line
// differs, including the tail of the longer text.
func ChangedLines(oldText, newText string) []int {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	n := len(oldLines)
	if len(newLines) > n {
		n = len(newLines)
	}
	var changed []int
	for i := 0; i < n; i++ {
		var oldLine, newLine string
		oldOK := i < len(oldLines)
		newOK := i < len(newLines)
		if oldOK {
			oldLine = oldLines[i]
		}
		if newOK {
			newLine = newLines[i]
		}
		if !oldOK || !newOK || oldLine != newLine {
			changed = append(changed, i)
		}
	}
	return changed
}
