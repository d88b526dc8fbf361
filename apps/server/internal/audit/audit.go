package audit

import (
	"context"
	"log"

	"mootlab/apps/server/internal/store"
)

// Event types recorded by the engines. Every outcome is written, including
// rejections, so "nothing happened" is always distinguishable from
// "something happened and failed".
const (
	EventSessionCreated      = "session_created"
	EventJoin                = "participant_join"
	EventTransition          = "phase_transition"
	EventEvaluationRequested = "evaluation_requested"
	EventEvaluationFinalized = "evaluation_finalized"
	EventEvaluationOverride  = "evaluation_override"
	EventRubricCreated       = "rubric_created"
)

// Writer appends audit entries. A failed append is logged and swallowed: the
// audit trail must never turn a committed operation into a client error.
type Writer struct {
	store store.Store
}

func NewWriter(st store.Store) *Writer {
	return &Writer{store: st}
}

func (w *Writer) Success(ctx context.Context, sessionID, eventType, actorID string, detail map[string]any) {
	w.append(ctx, store.AuditEntry{
		SessionID: sessionID,
		EventType: eventType,
		ActorID:   actorID,
		Success:   true,
		Detail:    detail,
	})
}

func (w *Writer) Failure(ctx context.Context, sessionID, eventType, actorID string, cause error, detail map[string]any) {
	entry := store.AuditEntry{
		SessionID: sessionID,
		EventType: eventType,
		ActorID:   actorID,
		Success:   false,
		Detail:    detail,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	w.append(ctx, entry)
}

func (w *Writer) append(ctx context.Context, entry store.AuditEntry) {
	if err := w.store.AppendAudit(ctx, entry); err != nil {
		log.Printf("[Audit] append failed: session=%s event=%s err=%v", entry.SessionID, entry.EventType, err)
	}
}
