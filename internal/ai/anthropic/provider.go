// Package anthropic implements the ai.Provider interface on top of the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"draftroom/api/internal/ai"
)

const defaultMaxTokens = 4096

// Provider calls Claude for draft generation, section rewrites, and
// discussion questions.
type Provider struct {
	client *anthropic.Client
	model  string
}

// NewProvider creates an Anthropic provider with the given API key and model.
func NewProvider(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &client, model: model}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "anthropic"
}

func (p *Provider) complete(ctx context.Context, model, system, user string) (string, error) {
	if model == "" {
		model = p.model
	}
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("anthropic returned an empty response")
	}
	return text, nil
}

// GenerateDraft asks the model for a full document and parses the JSON reply.
func (p *Provider) GenerateDraft(ctx context.Context, req ai.DraftRequest) (ai.DraftResult, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Problem statement:\n%s\n", req.Problem)
	if len(req.Metrics) > 0 {
		fmt.Fprintf(&user, "\nSuccess metrics:\n- %s\n", strings.Join(req.Metrics, "\n- "))
	}
	if len(req.Constraints) > 0 {
		fmt.Fprintf(&user, "\nConstraints:\n- %s\n", strings.Join(req.Constraints, "\n- "))
	}
	if req.Format != "" {
		fmt.Fprintf(&user, "\nDocument format: %s\n", req.Format)
	}
	if req.ConsolidatedFeedback != "" {
		fmt.Fprintf(&user, "\nReviewer feedback to incorporate:\n%s\n", req.ConsolidatedFeedback)
	}

	system := `You write structured working documents. Respond with a single JSON object:
{"sections": ["...", "..."], "reasoning": "..."}
"sections" is the ordered list of section texts, "reasoning" is a short note on how the feedback was applied. No text outside the JSON object.`

	reply, err := p.complete(ctx, req.Model, system, user.String())
	if err != nil {
		return ai.DraftResult{}, err
	}

	var parsed struct {
		Sections  []string `json:"sections"`
		Reasoning string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil {
		return ai.DraftResult{}, fmt.Errorf("parse draft response: %w", err)
	}
	if len(parsed.Sections) == 0 {
		return ai.DraftResult{}, fmt.Errorf("draft response contained no sections")
	}
	return ai.DraftResult{Sections: parsed.Sections, Reasoning: parsed.Reasoning}, nil
}

var rewriteInstructions = map[ai.RewriteKind]string{
	ai.RewriteRedraft:   "Rewrite the section from scratch, keeping its intent but improving clarity and flow.",
	ai.RewriteAddDetail: "Expand the section with concrete detail, examples, and specifics. Keep the existing structure.",
	ai.RewriteSimplify:  "Simplify the section: shorter sentences, plainer words, no loss of meaning.",
}

// RewriteSection asks the model for a rewritten section text.
func (p *Provider) RewriteSection(ctx context.Context, kind ai.RewriteKind, sectionText string) (ai.RewriteResult, error) {
	instruction, ok := rewriteInstructions[kind]
	if !ok {
		return ai.RewriteResult{}, fmt.Errorf("unsupported rewrite kind %q", kind)
	}

	system := instruction + `
Respond with a JSON object {"text": "...", "reasoning": "..."} and nothing else.`
	reply, err := p.complete(ctx, "", system, sectionText)
	if err != nil {
		return ai.RewriteResult{}, err
	}

	var parsed struct {
		Text      string `json:"text"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil {
		return ai.RewriteResult{}, fmt.Errorf("parse rewrite response: %w", err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return ai.RewriteResult{}, fmt.Errorf("rewrite response contained no text")
	}
	return ai.RewriteResult{NewText: parsed.Text, Reasoning: parsed.Reasoning}, nil
}

// DiscussionQuestions asks the model for exactly three discussion questions.
func (p *Provider) DiscussionQuestions(ctx context.Context, text string) ([]string, error) {
	system := `You help reviewers discuss a working document. Given the text, produce exactly three open-ended discussion questions. Respond with a JSON array of three strings and nothing else.`
	reply, err := p.complete(ctx, "", system, text)
	if err != nil {
		return nil, err
	}

	var questions []string
	if err := json.Unmarshal([]byte(extractJSONArray(reply)), &questions); err != nil {
		return nil, fmt.Errorf("parse questions response: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("questions response was empty")
	}
	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions, nil
}

// extractJSON returns the outermost {...} span of the reply. Models sometimes
// wrap JSON in prose or code fences despite instructions.
func extractJSON(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return reply
	}
	return reply[start : end+1]
}

func extractJSONArray(reply string) string {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return reply
	}
	return reply[start : end+1]
}
