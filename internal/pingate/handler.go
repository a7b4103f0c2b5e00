package pingate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
)

const maxJSONBodyBytes = 1 << 16

// SubjectStore is the parent-only data access behind a gate pass.
type SubjectStore interface {
	ListEvents(ctx context.Context, subjectID string, limit int) ([]SecurityEvent, error)
	EraseSubject(ctx context.Context, subjectID string) (int64, error)
}

type Handler struct {
	service  *Service
	sweeper  *Sweeper
	subjects SubjectStore
	tokens   *GateTokens
}

func NewHandler(service *Service, sweeper *Sweeper, subjects SubjectStore, tokens *GateTokens) *Handler {
	return &Handler{service: service, sweeper: sweeper, subjects: subjects, tokens: tokens}
}

// Register mounts the gate routes. Guessing routes go through attempts,
// keyed by client address; reset additionally goes through answers, keyed
// by subject. Either limiter may be nil.
func (h *Handler) Register(mux *http.ServeMux, attempts, answers *AttemptRateLimiter) {
	limited := func(fn http.Handler) http.Handler {
		if attempts == nil {
			return fn
		}
		return attempts.Middleware(fn)
	}
	perSubject := func(fn http.Handler) http.Handler {
		if answers == nil {
			return fn
		}
		return answers.SubjectMiddleware(fn)
	}
	gated := func(fn http.HandlerFunc) http.Handler {
		return GateMiddleware(h.tokens, fn)
	}

	mux.HandleFunc("POST /pin/validate", h.Validate)
	mux.HandleFunc("POST /subjects/{subjectID}/pin/setup", h.Setup)
	mux.Handle("POST /subjects/{subjectID}/pin/verify", limited(http.HandlerFunc(h.Verify)))
	mux.Handle("POST /subjects/{subjectID}/pin/change", limited(http.HandlerFunc(h.Change)))
	mux.Handle("POST /subjects/{subjectID}/pin/reset", limited(perSubject(http.HandlerFunc(h.Reset))))
	mux.HandleFunc("GET /subjects/{subjectID}/pin/status", h.Status)
	mux.HandleFunc("GET /subjects/{subjectID}/pin/question", h.Question)
	mux.Handle("GET /subjects/{subjectID}/pin/statistics", gated(h.Statistics))
	mux.Handle("GET /subjects/{subjectID}/pin/events", gated(h.Events))
	mux.Handle("DELETE /subjects/{subjectID}", gated(h.Erase))
}

type pinRequest struct {
	Pin string `json:"pin"`
}

type setupRequest struct {
	Pin              string `json:"pin"`
	SecurityQuestion string `json:"security_question"`
	SecurityAnswer   string `json:"security_answer"`
}

type changeRequest struct {
	CurrentPin string `json:"current_pin"`
	NewPin     string `json:"new_pin"`
}

type resetRequest struct {
	SecurityAnswer string `json:"security_answer"`
	NewPin         string `json:"new_pin"`
}

type outcomeResponse struct {
	Outcome
	GatePass *GatePass `json:"gate_pass,omitempty"`
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var body pinRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ValidateFormat(body.Pin); err != nil {
		var formatErr *FormatError
		errors.As(err, &formatErr)
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": formatErr.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Setup creates the first PIN freely, and replaces an unreadable one.
// Replacing a working PIN requires a gate pass for the subject.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subjectID")

	var body setupRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	var err error
	if r.Header.Get("Authorization") != "" {
		subject, ok := gateSubject(w, r, h.tokens)
		if !ok {
			return
		}
		if subject != subjectID {
			writeError(w, http.StatusForbidden, "gate token was issued for another subject")
			return
		}
		err = h.service.SetupPin(r.Context(), subjectID, body.Pin, body.SecurityQuestion, body.SecurityAnswer)
	} else {
		err = h.service.SetupInitialPin(r.Context(), subjectID, body.Pin, body.SecurityQuestion, body.SecurityAnswer)
	}

	if errors.Is(err, ErrAlreadyConfigured) {
		writeError(w, http.StatusUnauthorized, "gate pass required to replace the PIN")
		return
	}
	if err != nil {
		h.writeServiceError(w, err, "setup")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "configured"})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subjectID")

	var body pinRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	outcome, err := h.service.VerifyPin(r.Context(), subjectID, body.Pin)
	if err != nil {
		h.writeServiceError(w, err, "verify")
		return
	}
	h.writeOutcome(w, subjectID, outcome)
}

func (h *Handler) Change(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subjectID")

	var body changeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	outcome, err := h.service.ChangePin(r.Context(), subjectID, body.CurrentPin, body.NewPin)
	if err != nil {
		h.writeServiceError(w, err, "change")
		return
	}
	h.writeOutcome(w, subjectID, outcome)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subjectID")

	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	outcome, err := h.service.ResetPin(r.Context(), subjectID, body.SecurityAnswer, body.NewPin)
	if err != nil {
		h.writeServiceError(w, err, "reset")
		return
	}
	h.writeOutcome(w, subjectID, outcome)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context(), r.PathValue("subjectID"))
	if err != nil {
		h.writeServiceError(w, err, "status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) Question(w http.ResponseWriter, r *http.Request) {
	question, ok, err := h.service.GetSecurityQuestion(r.Context(), r.PathValue("subjectID"))
	if err != nil {
		h.writeServiceError(w, err, "question")
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "pin not configured", "needs_setup": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"security_question": question})
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sweeper.SecurityStatistics(r.Context(), r.PathValue("subjectID"))
	if err != nil {
		h.writeServiceError(w, err, "statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.subjects.ListEvents(r.Context(), r.PathValue("subjectID"), limit)
	if err != nil {
		h.writeServiceError(w, err, "events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) Erase(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.subjects.EraseSubject(r.Context(), r.PathValue("subjectID"))
	if err != nil {
		h.writeServiceError(w, err, "erase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_records": deleted})
}

func (h *Handler) writeOutcome(w http.ResponseWriter, subjectID string, outcome Outcome) {
	switch outcome.Status {
	case StatusVerified:
		pass, err := h.tokens.Issue(subjectID)
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to issue gate token")
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome, GatePass: &pass})
	case StatusLockedOut:
		retryAfter := outcome.RemainingSeconds
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, outcomeResponse{Outcome: outcome})
	default:
		writeJSON(w, http.StatusUnauthorized, outcomeResponse{Outcome: outcome})
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var formatErr *FormatError
	switch {
	case errors.As(err, &formatErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": formatErr.Reason, "field": formatErr.Field})
	case NeedsSetup(err):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "pin not configured", "needs_setup": true})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", op)
			sentry.CaptureException(err)
		})
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
