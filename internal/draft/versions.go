package draft

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"draftroom/api/internal/ai"
)

var (
	ErrNoVersion         = fmt.Errorf("draft has no versions yet")
	ErrVersionNotFound   = fmt.Errorf("version not found")
	ErrSectionOutOfRange = fmt.Errorf("section index out of range")
	ErrPolicyNotWired    = fmt.Errorf("update policy not supported")
)

// VersionStore owns the append-only version list and the current-version
// pointer for one draft-editing session. It is session-scoped state, created
// per open draft and passed to the components that need it.
//
// Saves are unconditional last-write-wins: UpdateSection does not check
// whether the section changed since an edit began, so two overlapping edits
// silently lose one author's work. Known weakness, kept deliberately.
type VersionStore struct {
	mu         sync.Mutex
	versions   []*Version
	currentIdx int
	policy     UpdatePolicy
	generator  ai.DraftGenerator
}

// NewVersionStore creates an empty store. currentIdx is -1 until the first
// version exists.
func NewVersionStore(generator ai.DraftGenerator) *VersionStore {
	return &VersionStore{
		currentIdx: -1,
		policy:     PolicyCorrection,
		generator:  generator,
	}
}

// GenerateInput carries the caller-supplied generation parameters. The
// consolidated feedback string is built internally from the current version.
type GenerateInput struct {
	Problem     string
	Metrics     []string
	Constraints []string
	Format      string
	Model       string
}

// Generate delegates to the draft generation collaborator and appends the
// result as a new current version. On failure nothing is mutated.
func (s *VersionStore) Generate(ctx context.Context, in GenerateInput) (Version, error) {
	feedback := s.ConsolidatedFeedback()

	result, err := s.generator.GenerateDraft(ctx, ai.DraftRequest{
		Problem:              in.Problem,
		Metrics:              in.Metrics,
		Constraints:          in.Constraints,
		ConsolidatedFeedback: feedback,
		Format:               in.Format,
		Model:                in.Model,
	})
	if err != nil {
		return Version{}, fmt.Errorf("generate draft: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	version := &Version{
		ID:              len(s.versions) + 1,
		Sections:        result.Sections,
		Reasoning:       result.Reasoning,
		SectionFeedback: make(map[int][]FeedbackItem),
	}
	s.versions = append(s.versions, version)
	s.currentIdx = len(s.versions) - 1
	return cloneVersion(version), nil
}

// ConsolidatedFeedback concatenates, per section index with attached
// feedback in the current version, a header plus each feedback text. Empty
// string when there is no current version or no feedback.
func (s *VersionStore) ConsolidatedFeedback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentIdx < 0 {
		return ""
	}
	current := s.versions[s.currentIdx]

	indexes := make([]int, 0, len(current.SectionFeedback))
	for idx, items := range current.SectionFeedback {
		if len(items) > 0 {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	out := ""
	for _, idx := range indexes {
		out += fmt.Sprintf("Feedback on section %d:\n", idx+1)
		for _, item := range current.SectionFeedback[idx] {
			out += "- " + item.Text + "\n"
		}
	}
	return out
}

// UpdateSection replaces one section's text in place inside the version with
// the given id. No new version is created; pre-edit text is not retained.
func (s *VersionStore) UpdateSection(versionID, sectionIdx int, newText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy != PolicyCorrection {
		return ErrPolicyNotWired
	}
	version := s.findLocked(versionID)
	if version == nil {
		return fmt.Errorf("%w: id %d", ErrVersionNotFound, versionID)
	}
	if sectionIdx < 0 || sectionIdx >= len(version.Sections) {
		return fmt.Errorf("%w: %d", ErrSectionOutOfRange, sectionIdx)
	}
	version.Sections[sectionIdx] = newText
	return nil
}

// SetCurrent switches the current-version pointer. Navigation is local-only;
// no side effect reaches other participants.
func (s *VersionStore) SetCurrent(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.versions) {
		return fmt.Errorf("%w: index %d", ErrVersionNotFound, idx)
	}
	s.currentIdx = idx
	return nil
}

// Current returns a copy of the current version.
func (s *VersionStore) Current() (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentIdx < 0 {
		return Version{}, ErrNoVersion
	}
	return cloneVersion(s.versions[s.currentIdx]), nil
}

// CurrentIndex returns the current pointer, -1 when no version exists.
func (s *VersionStore) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIdx
}

// Version returns a copy of the version with the given id.
func (s *VersionStore) Version(id int) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.findLocked(id)
	if version == nil {
		return Version{}, fmt.Errorf("%w: id %d", ErrVersionNotFound, id)
	}
	return cloneVersion(version), nil
}

// Len returns the number of versions.
func (s *VersionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions)
}

// SetFinal marks or unmarks a version as final.
func (s *VersionStore) SetFinal(versionID int, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.findLocked(versionID)
	if version == nil {
		return fmt.Errorf("%w: id %d", ErrVersionNotFound, versionID)
	}
	version.IsFinal = final
	return nil
}

// State is the persistable shape of the store, written to and read from the
// persistence collaborator.
type State struct {
	Versions   []Version `json:"versions"`
	CurrentIdx int       `json:"currentIdx"`
}

// Snapshot copies the full version list and current pointer.
func (s *VersionStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := State{CurrentIdx: s.currentIdx, Versions: make([]Version, 0, len(s.versions))}
	for _, version := range s.versions {
		state.Versions = append(state.Versions, cloneVersion(version))
	}
	return state
}

// Restore replaces the store contents from a persisted state. Used only
// during session rehydration, before any component holds the store.
func (s *VersionStore) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = make([]*Version, 0, len(state.Versions))
	for i := range state.Versions {
		version := cloneVersion(&state.Versions[i])
		s.versions = append(s.versions, &version)
	}
	s.currentIdx = state.CurrentIdx
	if s.currentIdx >= len(s.versions) {
		s.currentIdx = len(s.versions) - 1
	}
}

// appendFeedback is used by the thread manager; it keeps all version
// mutation behind the store's lock.
func (s *VersionStore) appendFeedback(sectionIdx int, item FeedbackItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentIdx < 0 {
		return ErrNoVersion
	}
	current := s.versions[s.currentIdx]
	if sectionIdx < 0 || sectionIdx >= len(current.Sections) {
		return fmt.Errorf("%w: %d", ErrSectionOutOfRange, sectionIdx)
	}
	current.SectionFeedback[sectionIdx] = append(current.SectionFeedback[sectionIdx], item)
	return nil
}

func (s *VersionStore) findLocked(id int) *Version {
	for _, version := range s.versions {
		if version.ID == id {
			return version
		}
	}
	return nil
}

func cloneVersion(v *Version) Version {
	clone := *v
	clone.Sections = append([]string(nil), v.Sections...)
	clone.SectionFeedback = make(map[int][]FeedbackItem, len(v.SectionFeedback))
	for idx, items := range v.SectionFeedback {
		clone.SectionFeedback[idx] = append([]FeedbackItem(nil), items...)
	}
	return clone
}
