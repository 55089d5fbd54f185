package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"draftroom/api/internal/ai"
	"draftroom/api/internal/draft"
	"draftroom/api/internal/editor"
	"draftroom/api/internal/presence"
	"draftroom/api/internal/prompts"
	"draftroom/api/internal/revise"
	"draftroom/api/internal/store"
)

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// Identity is supplied by the front door; authentication itself is external.
type Identity struct {
	UserID   string
	UserName string
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
		return
	}

	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "drafts" {
		s.handleDraft(w, r, identity, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request, identity Identity, draftID string, rest []string) {
	// Open and close manage the session itself; everything else requires one.
	if len(rest) == 1 && rest[0] == "open" && r.Method == http.MethodPost {
		ds, err := s.service.OpenDraft(r.Context(), draftID, identity.UserID, identity.UserName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, ds.Snapshot())
		return
	}

	if len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost {
		if err := s.service.CloseDraft(r.Context(), draftID, identity.UserID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	ds, err := s.service.Session(draftID, identity.UserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if len(rest) == 0 {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, ds.Snapshot())
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch rest[0] {
	case "generate":
		s.handleGenerate(w, r, ds)
	case "versions":
		s.handleVersions(w, r, ds, rest)
	case "sections":
		s.handleSections(w, r, ds, rest)
	case "comments":
		s.handleComments(w, r, ds, rest)
	case "improvements":
		s.handleImprovements(w, r, ds, rest)
	case "prompts":
		s.handlePrompts(w, r, ds, rest)
	case "cursor":
		s.handleCursor(w, r, ds)
	case "events":
		s.handleEvents(w, r, ds)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type generateRequest struct {
	Problem     string   `json:"problem"`
	Metrics     []string `json:"metrics"`
	Constraints []string `json:"constraints"`
	Format      string   `json:"format"`
	Model       string   `json:"model"`
}

func (g generateRequest) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.Problem, validation.Required, validation.Length(1, 8000)),
	)
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request, ds *DraftSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body generateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid generate request", err)
		return
	}
	version, err := ds.Generate(r.Context(), draft.GenerateInput{
		Problem:     body.Problem,
		Metrics:     body.Metrics,
		Constraints: body.Constraints,
		Format:      body.Format,
		Model:       body.Model,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, ds *DraftSession, rest []string) {
	if len(rest) == 2 && rest[1] == "current" && r.Method == http.MethodPost {
		var body struct {
			Index int `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ds.SetCurrent(body.Index); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"currentIdx": body.Index})
		return
	}

	if len(rest) == 3 && rest[2] == "final" && r.Method == http.MethodPost {
		versionID, err := strconv.Atoi(rest[1])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version id must be an integer", nil)
			return
		}
		var body struct {
			Final bool `json:"final"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ds.SetFinal(versionID, body.Final); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, ds *DraftSession, rest []string) {
	if len(rest) < 3 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	sectionIdx, err := strconv.Atoi(rest[1])
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "section index must be an integer", nil)
		return
	}

	switch rest[2] {
	case "edit":
		if len(rest) != 4 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleEdit(w, r, ds, sectionIdx, rest[3])
	case "feedback":
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validation.Validate(body.Text, validation.Required, validation.Length(1, 4000)); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", err)
			return
		}
		item, err := ds.AddFeedback(r.Context(), sectionIdx, body.Text)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": item, "scope": draft.FeedbackScope})
	case "improve":
		var body struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validation.Validate(body.Kind, validation.Required,
			validation.In(string(ai.RewriteRedraft), string(ai.RewriteAddDetail), string(ai.RewriteSimplify))); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported rewrite kind", err)
			return
		}
		suggestion, err := ds.Improve(r.Context(), ai.RewriteKind(body.Kind), sectionIdx, body.Text)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestion": suggestion})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request, ds *DraftSession, sectionIdx int, action string) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var err error
	switch action {
	case "start":
		err = ds.StartEdit(r.Context(), sectionIdx, body.Text)
	case "change":
		err = ds.ChangeEdit(body.Text)
	case "cancel":
		err = ds.CancelEdit(r.Context())
	case "save":
		err = ds.SaveEdit(r.Context(), body.Text)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type commentRequest struct {
	SectionIndex int    `json:"sectionIndex"`
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	SelectedText string `json:"selectedText"`
	Text         string `json:"text"`
}

func (c commentRequest) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Text, validation.Required, validation.Length(1, 4000)),
		validation.Field(&c.SectionIndex, validation.Min(0)),
	)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, ds *DraftSession, rest []string) {
	if len(rest) == 1 && r.Method == http.MethodPost {
		var body commentRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := body.Validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid comment", err)
			return
		}
		comment, err := ds.AddComment(draft.CommentInput{
			SectionIndex: body.SectionIndex,
			StartOffset:  body.StartOffset,
			EndOffset:    body.EndOffset,
			SelectedText: body.SelectedText,
			Text:         body.Text,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comment, "scope": draft.CommentScope})
		return
	}

	if len(rest) == 2 && r.Method == http.MethodDelete {
		if err := ds.DeleteComment(rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 3 && rest[2] == "jump" && r.Method == http.MethodPost {
		if err := ds.JumpToComment(rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activeCommentId": rest[1]})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleImprovements(w http.ResponseWriter, r *http.Request, ds *DraftSession, rest []string) {
	if len(rest) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch rest[1] {
	case "apply":
		highlight, err := ds.ApplyImprovement(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"highlight": highlight})
	case "discard":
		if err := ds.DiscardImprovement(); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// promptKey maps the optional sectionIndex field to a cache key: absent means
// document-level prompts.
func promptKey(sectionIndex *int) prompts.Key {
	if sectionIndex == nil {
		return prompts.KeyDocument
	}
	return prompts.Key(*sectionIndex)
}

func (s *HTTPServer) handlePrompts(w http.ResponseWriter, r *http.Request, ds *DraftSession, rest []string) {
	if len(rest) == 1 && r.Method == http.MethodPost {
		var body struct {
			SectionIndex *int   `json:"sectionIndex"`
			Text         string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validation.Validate(body.Text, validation.Required); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", err)
			return
		}
		set, err := ds.GeneratePrompts(r.Context(), promptKey(body.SectionIndex), body.Text)
		// Cooldown and generation failure still deliver a usable (fallback)
		// set; the flag on the payload tells the panel what it got.
		if err != nil && !errors.Is(err, prompts.ErrCooldown) && !errors.Is(err, prompts.ErrGenerationFailed) {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompts": set})
		return
	}

	if len(rest) == 2 && rest[1] == "answers" && r.Method == http.MethodPost {
		var body struct {
			SectionIndex *int   `json:"sectionIndex"`
			PromptID     string `json:"promptId"`
			Answer       string `json:"answer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		errs := validation.Errors{
			"promptId": validation.Validate(body.PromptID, validation.Required),
			"answer":   validation.Validate(body.Answer, validation.Required),
		}
		if err := errs.Filter(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "promptId and answer are required", err)
			return
		}
		prompt, err := ds.AnswerPrompt(promptKey(body.SectionIndex), body.PromptID, body.Answer)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompt": prompt})
		return
	}

	if len(rest) == 2 && rest[1] == "visibility" && r.Method == http.MethodPost {
		var body struct {
			SectionIndex *int `json:"sectionIndex"`
			Visible      bool `json:"visible"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ds.SetPromptsVisible(promptKey(body.SectionIndex), body.Visible); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCursor(w http.ResponseWriter, r *http.Request, ds *DraftSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body struct {
		Cursor *presence.Cursor `json:"cursor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := ds.SetCursor(r.Context(), body.Cursor); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-Id header is required", nil)
		return Identity{}, false
	}
	userName := strings.TrimSpace(r.Header.Get("X-User-Name"))
	if userName == "" {
		userName = userID
	}
	return Identity{UserID: userID, UserName: userName}, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the recorder pass through to SSE streaming.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErrs validation.Errors
	if errors.As(err, &validationErrs) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", validationErrs
	}
	switch {
	case errors.Is(err, draft.ErrNoVersion):
		return http.StatusConflict, "NO_VERSION", "Generate a draft version first", nil
	case errors.Is(err, draft.ErrSectionOutOfRange):
		return http.StatusUnprocessableEntity, "SECTION_OUT_OF_RANGE", err.Error(), nil
	case errors.Is(err, draft.ErrVersionNotFound),
		errors.Is(err, draft.ErrCommentNotFound),
		errors.Is(err, prompts.ErrPromptNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, editor.ErrNotEditing):
		return http.StatusConflict, "NOT_EDITING", err.Error(), nil
	case errors.Is(err, revise.ErrNoSuggestion):
		return http.StatusConflict, "NO_SUGGESTION", err.Error(), nil
	case errors.Is(err, prompts.ErrCooldown):
		return http.StatusTooManyRequests, "PROMPT_COOLDOWN", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
