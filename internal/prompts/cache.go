// Package prompts generates and caches AI discussion questions per section
// (or for the whole document), de-duplicating in-flight requests by content
// hash and rate-limiting retries after failures.
package prompts

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/util"
)

var (
	// ErrCooldown signals "temporarily unavailable": a recent failure for
	// the same content is still inside the retry cooldown.
	ErrCooldown = fmt.Errorf("prompt generation temporarily unavailable")
	// ErrGenerationFailed wraps a collaborator failure; the returned set
	// holds the generic fallback questions.
	ErrGenerationFailed = fmt.Errorf("prompt generation failed")

	ErrPromptNotFound = fmt.Errorf("prompt not found")
)

// Key addresses a prompt set: a section index, or KeyDocument for prompts on
// the whole document.
type Key int

// KeyDocument marks document-level prompts.
const KeyDocument Key = -1

// Prompt is one discussion question with its append-only answer list.
// Answered prompts remain answerable; answers accumulate.
type Prompt struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Answers    []string `json:"answers"`
	IsAnswered bool     `json:"isAnswered"`
}

// Set is the prompt state for one key.
type Set struct {
	Hash     string   `json:"hash"`
	Prompts  []Prompt `json:"prompts"`
	Visible  bool     `json:"visible"`
	Fallback bool     `json:"fallback,omitempty"`
}

// fallbackQuestions is installed when the collaborator fails, so the
// discussion panel is never empty.
var fallbackQuestions = []string{
	"What is the strongest objection to this section as written?",
	"What evidence or example would make this section more convincing?",
	"Who is affected by this section, and is their perspective represented?",
}

// ContentHash returns the short cache key for a text: the first 8 bytes of
// its BLAKE2b-256 digest, hex encoded.
func ContentHash(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// Cache owns prompt generation and caching for one draft session.
type Cache struct {
	generator ai.QuestionGenerator
	cooldown  time.Duration
	now       func() time.Time
	group     singleflight.Group

	mu       sync.Mutex
	sets     map[Key]*Set
	byHash   map[string][]string
	failures map[string]time.Time
}

// NewCache creates a cache with the given failure cooldown.
func NewCache(generator ai.QuestionGenerator, cooldown time.Duration) *Cache {
	return &Cache{
		generator: generator,
		cooldown:  cooldown,
		now:       time.Now,
		sets:      make(map[Key]*Set),
		byHash:    make(map[string][]string),
		failures:  make(map[string]time.Time),
	}
}

// Generate returns the prompt set for key and text. Identical text hashes to
// the same cache entry: a cached result is returned without a call, a result
// already being fetched is shared with the in-flight caller, and a hash that
// failed within the cooldown returns ErrCooldown without retrying. On a
// fresh failure the fallback questions are installed and ErrGenerationFailed
// is returned alongside them.
func (c *Cache) Generate(ctx context.Context, key Key, text string) (Set, error) {
	hash := ContentHash(text)

	c.mu.Lock()
	if questions, ok := c.byHash[hash]; ok {
		set := c.installLocked(key, hash, questions, false)
		c.mu.Unlock()
		return set, nil
	}
	if failedAt, ok := c.failures[hash]; ok {
		if c.now().Sub(failedAt) < c.cooldown {
			set := c.installLocked(key, hash, fallbackQuestions, true)
			c.mu.Unlock()
			return set, ErrCooldown
		}
		delete(c.failures, hash)
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(hash, func() (any, error) {
		return c.generator.DiscussionQuestions(ctx, text)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures[hash] = c.now()
		set := c.installLocked(key, hash, fallbackQuestions, true)
		return set, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	questions := result.([]string)
	c.byHash[hash] = questions
	return c.installLocked(key, hash, questions, false), nil
}

// installLocked materializes a Set for key unless the same hash is already
// installed (which would reset answers). A real result still replaces a
// fallback set for the same hash, so recovery after a cooldown upgrades the
// questions. First installation is visible by default.
func (c *Cache) installLocked(key Key, hash string, questions []string, fallback bool) Set {
	if existing, ok := c.sets[key]; ok && existing.Hash == hash && existing.Fallback == fallback {
		return cloneSet(existing)
	}
	set := &Set{
		Hash:     hash,
		Visible:  true,
		Fallback: fallback,
		Prompts:  make([]Prompt, 0, len(questions)),
	}
	for _, question := range questions {
		set.Prompts = append(set.Prompts, Prompt{
			ID:       util.NewID("prm"),
			Question: question,
		})
	}
	c.sets[key] = set
	return cloneSet(set)
}

// Get returns the installed prompt set for key.
func (c *Cache) Get(key Key) (Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[key]
	if !ok {
		return Set{}, false
	}
	return cloneSet(set), true
}

// Sets returns every installed prompt set keyed by section (or document).
func (c *Cache) Sets() map[Key]Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]Set, len(c.sets))
	for key, set := range c.sets {
		out[key] = cloneSet(set)
	}
	return out
}

// AddAnswer appends an answer to a prompt and marks it answered. Answers are
// append-only; an answered prompt stays answerable.
func (c *Cache) AddAnswer(key Key, promptID, answer string) (Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[key]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: no prompts for key %d", ErrPromptNotFound, key)
	}
	for i := range set.Prompts {
		if set.Prompts[i].ID == promptID {
			set.Prompts[i].Answers = append(set.Prompts[i].Answers, answer)
			set.Prompts[i].IsAnswered = true
			return clonePrompt(set.Prompts[i]), nil
		}
	}
	return Prompt{}, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
}

// SetVisible toggles a prompt set's visibility flag.
func (c *Cache) SetVisible(key Key, visible bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[key]
	if !ok {
		return fmt.Errorf("%w: no prompts for key %d", ErrPromptNotFound, key)
	}
	set.Visible = visible
	return nil
}

func cloneSet(s *Set) Set {
	out := *s
	out.Prompts = make([]Prompt, 0, len(s.Prompts))
	for _, prompt := range s.Prompts {
		out.Prompts = append(out.Prompts, clonePrompt(prompt))
	}
	return out
}

func clonePrompt(p Prompt) Prompt {
	p.Answers = append([]string(nil), p.Answers...)
	return p
}
