// Package lorem is a fake ai.Provider that generates lorem ipsum text.
// Used for development and tests without requiring real API keys.
package lorem

import (
	"context"
	"fmt"
	"strings"

	loremgen "github.com/bozaro/golorem"

	"draftroom/api/internal/ai"
)

// Provider generates placeholder drafts, rewrites, and questions.
type Provider struct {
	generator *loremgen.Lorem
	sections  int
}

// NewProvider creates a lorem provider producing four-section drafts.
func NewProvider() *Provider {
	return &Provider{
		generator: loremgen.New(),
		sections:  4,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "lorem"
}

// GenerateDraft produces a fixed number of lorem sections. The feedback, if
// any, is echoed into the reasoning so callers can observe it was threaded
// through.
func (p *Provider) GenerateDraft(ctx context.Context, req ai.DraftRequest) (ai.DraftResult, error) {
	if err := ctx.Err(); err != nil {
		return ai.DraftResult{}, err
	}
	if strings.TrimSpace(req.Problem) == "" {
		return ai.DraftResult{}, fmt.Errorf("problem statement is required")
	}

	sections := make([]string, p.sections)
	for i := range sections {
		sections[i] = p.generator.Paragraph(2, 4)
	}

	reasoning := "Generated placeholder draft for: " + req.Problem
	if req.ConsolidatedFeedback != "" {
		reasoning += "\nApplied feedback:\n" + req.ConsolidatedFeedback
	}
	return ai.DraftResult{Sections: sections, Reasoning: reasoning}, nil
}

// RewriteSection produces a deterministic-shaped rewrite: the kind is
// reflected in the output so tests can tell rewrites apart.
func (p *Provider) RewriteSection(ctx context.Context, kind ai.RewriteKind, sectionText string) (ai.RewriteResult, error) {
	if err := ctx.Err(); err != nil {
		return ai.RewriteResult{}, err
	}
	if !ai.ValidRewriteKind(kind) {
		return ai.RewriteResult{}, fmt.Errorf("unsupported rewrite kind %q", kind)
	}

	var newText string
	switch kind {
	case ai.RewriteAddDetail:
		newText = sectionText + "\n\n" + p.generator.Paragraph(2, 3)
	case ai.RewriteSimplify:
		newText = p.generator.Sentence(5, 10)
	default:
		newText = p.generator.Paragraph(2, 4)
	}
	return ai.RewriteResult{
		NewText:   newText,
		Reasoning: fmt.Sprintf("Placeholder %s rewrite.", kind),
	}, nil
}

// DiscussionQuestions produces three lorem questions.
func (p *Provider) DiscussionQuestions(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	questions := make([]string, 3)
	for i := range questions {
		questions[i] = strings.TrimSuffix(p.generator.Sentence(6, 12), ".") + "?"
	}
	return questions, nil
}
