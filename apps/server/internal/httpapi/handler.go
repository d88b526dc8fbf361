// Package httpapi is the request/response edge of the server. Handlers
// decode, validate, resolve the actor, call one engine and map its error to
// a status code. No domain rules live here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"mootlab/apps/server/internal/audit"
	"mootlab/apps/server/internal/evaluation"
	"mootlab/apps/server/internal/identity"
	"mootlab/apps/server/internal/lifecycle"
	"mootlab/apps/server/internal/roster"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

const requestTimeout = 5 * time.Second

// createSessionAttempts bounds join-code regeneration on collision.
const createSessionAttempts = 3

type Handler struct {
	resolver   identity.Resolver
	store      store.Store
	lifecycle  *lifecycle.Engine
	roster     *roster.Engine
	evaluation *evaluation.Engine
	audit      *audit.Writer
	validate   *validator.Validate
}

func New(
	resolver identity.Resolver,
	st store.Store,
	lc *lifecycle.Engine,
	rs *roster.Engine,
	ev *evaluation.Engine,
	aw *audit.Writer,
) *Handler {
	return &Handler{
		resolver:   resolver,
		store:      st,
		lifecycle:  lc,
		roster:     rs,
		evaluation: ev,
		audit:      aw,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	mux.HandleFunc("POST /api/sessions/join", h.handleJoin)
	mux.HandleFunc("POST /api/sessions/{id}/transition", h.handleTransition)
	mux.HandleFunc("POST /api/rounds/{round_id}/evaluate", h.handleEvaluate)
	mux.HandleFunc("POST /api/evaluations/{id}/override", h.handleOverride)
	mux.HandleFunc("POST /api/rubrics", h.handleCreateRubric)
	mux.HandleFunc("GET /health", h.handleHealth)
}

// ---- sessions ----

type sessionView struct {
	ID             string    `json:"id"`
	JoinCode       string    `json:"join_code"`
	CurrentPhase   string    `json:"current_phase"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	PhaseSeconds   int64     `json:"phase_target_seconds,omitempty"`
}

func sessionToView(s store.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		JoinCode:       s.JoinCode,
		CurrentPhase:   string(s.CurrentPhase),
		PhaseStartedAt: s.PhaseStartedAt,
		PhaseSeconds:   int64(s.PhaseDuration.Seconds()),
	}
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	if !actor.CanControl() {
		writeError(w, http.StatusForbidden, "sessions are created by faculty")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var sess store.Session
	var err error
	for attempt := 0; attempt < createSessionAttempts; attempt++ {
		sess = store.Session{
			ID:             uuid.NewString(),
			OwnerID:        actor.UserID,
			JoinCode:       newJoinCode(),
			CurrentPhase:   moot.PhaseCreated,
			PhaseStartedAt: time.Now().UTC(),
		}
		err = h.store.CreateSession(ctx, sess)
		if err == nil || !errors.Is(err, store.ErrDuplicate) {
			break
		}
	}
	if errors.Is(err, store.ErrDuplicate) {
		// The owner-side uniqueness, not a code collision: one live
		// session per owner.
		h.audit.Failure(ctx, "", audit.EventSessionCreated, actor.UserID, err, nil)
		writeError(w, http.StatusConflict, "you already have a live session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create session failed")
		return
	}

	h.audit.Success(ctx, sess.ID, audit.EventSessionCreated, actor.UserID, map[string]any{
		"join_code": sess.JoinCode,
	})
	writeJSON(w, http.StatusCreated, sessionToView(sess))
}

// newJoinCode builds a short human-shareable code. Uniqueness is enforced by
// the store, not here.
func newJoinCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "MOOT-" + raw[:6]
}

// ---- join ----

type joinRequest struct {
	SessionCode string `json:"session_code" validate:"required,min=4,max=32"`
}

type joinResponse struct {
	SessionID   string `json:"session_id"`
	Side        string `json:"side"`
	SpeakerSlot int    `json:"speaker_slot"`
	Rejoined    bool   `json:"rejoined,omitempty"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	a, err := h.roster.Join(ctx, req.SessionCode, actor.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		SessionID:   a.SessionID,
		Side:        string(a.Side),
		SpeakerSlot: a.Slot,
		Rejoined:    a.Rejoined,
	})
}

// ---- transition ----

type transitionRequest struct {
	TargetState string `json:"target_state" validate:"required"`
	Reason      string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := moot.ParsePhase(req.TargetState)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess, err := h.lifecycle.Transition(ctx, r.PathValue("id"), target, actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToView(sess))
}

// ---- evaluation ----

type evaluateRequest struct {
	ParticipantID   string `json:"participant_id" validate:"required"`
	RubricVersionID string `json:"rubric_version_id" validate:"required"`
}

type evaluationView struct {
	EvaluationID  string         `json:"evaluation_id"`
	ParticipantID string         `json:"participant_id"`
	Status        string         `json:"status"`
	FinalScore    *float64       `json:"final_score,omitempty"`
	Breakdown     moot.Breakdown `json:"breakdown,omitempty"`
}

func evaluationToView(e store.Evaluation) evaluationView {
	return evaluationView{
		EvaluationID:  e.ID,
		ParticipantID: e.ParticipantID,
		Status:        string(e.Status),
		FinalScore:    e.FinalScore,
		Breakdown:     e.Breakdown,
	}
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var req evaluateRequest
	if !h.decode(w, r, &req) {
		return
	}

	// The oracle call can take far longer than a normal request.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	eval, err := h.evaluation.Request(ctx, r.PathValue("round_id"), req.ParticipantID, req.RubricVersionID, actor)
	if err != nil {
		var oracleErr *moot.OracleError
		if errors.As(err, &oracleErr) {
			writeJSON(w, http.StatusBadGateway, evaluationToView(eval))
			return
		}
		if errors.Is(err, moot.ErrAlreadyProcessing) {
			writeError(w, http.StatusConflict, "evaluation already processing")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationToView(eval))
}

type overrideRequest struct {
	FinalScore *float64       `json:"final_score" validate:"required"`
	Breakdown  moot.Breakdown `json:"breakdown" validate:"required,min=1"`
	Reason     string         `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	eval, err := h.evaluation.Override(ctx, r.PathValue("id"), *req.FinalScore, req.Breakdown, req.Reason, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationToView(eval))
}

// ---- rubrics ----

type rubricRequest struct {
	Name    string             `json:"name" validate:"required,min=2,max=100"`
	Weights moot.RubricWeights `json:"weights" validate:"required,min=1,dive,gt=0"`
}

type rubricResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) handleCreateRubric(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	if !actor.CanControl() {
		writeError(w, http.StatusForbidden, "rubrics are registered by faculty")
		return
	}
	var req rubricRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Weights.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rv := store.RubricVersion{
		ID:      uuid.NewString(),
		Name:    req.Name,
		Weights: req.Weights,
	}
	if err := h.store.CreateRubricVersion(ctx, rv); err != nil {
		writeError(w, http.StatusInternalServerError, "create rubric failed")
		return
	}
	h.audit.Success(ctx, "", audit.EventRubricCreated, actor.UserID, map[string]any{
		"rubric_version_id": rv.ID, "name": rv.Name,
	})
	writeJSON(w, http.StatusCreated, rubricResponse{ID: rv.ID, Name: rv.Name})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- plumbing ----

func (h *Handler) actorFor(w http.ResponseWriter, r *http.Request) (moot.Actor, bool) {
	actor, err := identity.FromRequest(r, h.resolver)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid identity token")
		return moot.Actor{}, false
	}
	return actor, true
}

// decode reads the JSON body into dst and runs struct validation. A false
// return means the response has already been written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps engine sentinels onto status codes. Anything
// unrecognized is a 500 with a generic body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, moot.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, moot.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, moot.ErrInvalidTransition),
		errors.Is(err, moot.ErrInvalidState),
		errors.Is(err, moot.ErrSessionFull),
		errors.Is(err, moot.ErrSlotConflict),
		errors.Is(err, moot.ErrAlreadyProcessing):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
