package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mootlab/apps/server/internal/identity"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

// HTTPHandler exposes the read-only audit trail for compliance review.
// Faculty only.
type HTTPHandler struct {
	resolver identity.Resolver
	store    store.Store
}

type errorResponse struct {
	Error string `json:"error"`
}

type auditResponse struct {
	Entries     []auditEntryView     `json:"entries"`
	Transitions []transitionView     `json:"transitions"`
}

type auditEntryView struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id"`
	Success   bool           `json:"success"`
	Detail    map[string]any `json:"detail"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type transitionView struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	ActorID   string    `json:"actor_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func NewHTTPHandler(resolver identity.Resolver, st store.Store) *HTTPHandler {
	return &HTTPHandler{resolver: resolver, store: st}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions/{id}/audit", h.handleAudit)
}

func (h *HTTPHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.FromRequest(r, h.resolver)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid identity token")
		return
	}
	if actor.Role != moot.RoleFaculty {
		writeError(w, http.StatusForbidden, "audit trail is faculty only")
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.store.SessionByID(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup session failed")
		return
	}

	entries, err := h.store.AuditBySession(ctx, sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query audit trail failed")
		return
	}
	transitions, err := h.store.TransitionsBySession(ctx, sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query transitions failed")
		return
	}

	resp := auditResponse{
		Entries:     make([]auditEntryView, 0, len(entries)),
		Transitions: make([]transitionView, 0, len(transitions)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, auditEntryView{
			ID:        e.ID,
			EventType: e.EventType,
			ActorID:   e.ActorID,
			Success:   e.Success,
			Detail:    e.Detail,
			Error:     e.Error,
			CreatedAt: e.CreatedAt,
		})
	}
	for _, t := range transitions {
		resp.Transitions = append(resp.Transitions, transitionView{
			From:      string(t.From),
			To:        string(t.To),
			Trigger:   string(t.Trigger),
			ActorID:   t.ActorID,
			Success:   t.Success,
			Error:     t.Error,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
