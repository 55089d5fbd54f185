// Package ai defines the AI collaborator interfaces the collaboration core
// delegates to: whole-draft generation, single-section rewrites, and
// discussion question generation. Implementations live in subpackages.
package ai

import "context"

// DraftRequest is the input for a whole-document generation.
type DraftRequest struct {
	Problem              string
	Metrics              []string
	Constraints          []string
	ConsolidatedFeedback string
	Format               string
	Model                string
}

// DraftResult is one full generation: the ordered section texts plus the
// model's reasoning about how it applied the feedback.
type DraftResult struct {
	Sections  []string
	Reasoning string
}

// RewriteKind selects how a section should be rewritten.
type RewriteKind string

const (
	RewriteRedraft   RewriteKind = "redraft"
	RewriteAddDetail RewriteKind = "add_detail"
	RewriteSimplify  RewriteKind = "simplify"
)

// ValidRewriteKind reports whether kind is one of the supported rewrite kinds.
func ValidRewriteKind(kind RewriteKind) bool {
	switch kind {
	case RewriteRedraft, RewriteAddDetail, RewriteSimplify:
		return true
	}
	return false
}

// RewriteResult is a staged rewrite suggestion for one section.
type RewriteResult struct {
	NewText   string
	Reasoning string
}

// DraftGenerator produces a full draft. Failures must leave no partial
// output; the caller appends nothing on error.
type DraftGenerator interface {
	GenerateDraft(ctx context.Context, req DraftRequest) (DraftResult, error)
}

// SectionRewriter produces a rewritten version of one section's text.
type SectionRewriter interface {
	RewriteSection(ctx context.Context, kind RewriteKind, sectionText string) (RewriteResult, error)
}

// QuestionGenerator produces discussion questions for a section (or the whole
// document). It must tolerate repeated calls with identical input; the prompt
// cache is responsible for de-duplication.
type QuestionGenerator interface {
	DiscussionQuestions(ctx context.Context, text string) ([]string, error)
}

// Provider bundles the three collaborators behind one constructor-selectable
// implementation.
type Provider interface {
	DraftGenerator
	SectionRewriter
	QuestionGenerator
	Name() string
}
