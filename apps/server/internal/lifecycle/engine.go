package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mootlab/apps/server/internal/audit"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

// Broadcaster fans a committed event out to the session's room.
type Broadcaster interface {
	Broadcast(sessionID, kind string, payload any)
}

// Engine drives the session phase graph. Correctness under concurrent
// transitions comes from the store's conditional write, not from any lock
// held here: of two competing transitions from the same phase, exactly one
// passes the phase condition.
type Engine struct {
	store store.Store
	audit *audit.Writer
	bcast Broadcaster
}

func New(st store.Store, aw *audit.Writer, bcast Broadcaster) *Engine {
	return &Engine{store: st, audit: aw, bcast: bcast}
}

// StateTransitionEvent is the payload broadcast after a committed transition.
type StateTransitionEvent struct {
	SessionID      string     `json:"session_id"`
	From           moot.Phase `json:"from"`
	To             moot.Phase `json:"to"`
	ActorID        string     `json:"actor_id"`
	PhaseStartedAt time.Time  `json:"phase_started_at"`
	PhaseDuration  int64      `json:"phase_duration_ms"`
}

// Transition moves the session to target on behalf of actor. The edge lookup,
// role guard and optimistic apply follow the order given in the phase graph;
// a lost storage race is retried once from a fresh read before surfacing.
func (e *Engine) Transition(ctx context.Context, sessionID string, target moot.Phase, actor moot.Actor, reason string) (store.Session, error) {
	sess, err := e.store.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.audit.Failure(ctx, sessionID, audit.EventTransition, actor.UserID, moot.ErrNotFound, map[string]any{"target": string(target)})
			return store.Session{}, moot.ErrNotFound
		}
		return store.Session{}, err
	}

	next, err := e.transitionOnce(ctx, sess, target, actor, reason)
	if !errors.Is(err, store.ErrStale) {
		return next, err
	}

	// Lost the optimistic race. Re-read once: when the winner already moved
	// the session to our target the call is an idempotent success;
	// otherwise the precondition is gone and the caller sees a conflict
	// against the new phase.
	fresh, rerr := e.store.SessionByID(ctx, sessionID)
	if rerr != nil {
		return store.Session{}, rerr
	}
	if fresh.CurrentPhase == target {
		detail := map[string]any{"from": string(sess.CurrentPhase), "target": string(target), "idempotent": true}
		e.audit.Success(ctx, sess.ID, audit.EventTransition, actor.UserID, detail)
		return fresh, nil
	}
	err = fmt.Errorf("%w: phase moved to %s while applying %s -> %s", moot.ErrInvalidTransition, fresh.CurrentPhase, sess.CurrentPhase, target)
	e.recordRejected(ctx, fresh, target, actor, err)
	return store.Session{}, err
}

func (e *Engine) transitionOnce(ctx context.Context, sess store.Session, target moot.Phase, actor moot.Actor, reason string) (store.Session, error) {
	detail := map[string]any{
		"from":   string(sess.CurrentPhase),
		"target": string(target),
		"reason": reason,
	}

	// Repeating a transition that already happened is a success, recorded
	// once as idempotent, with no state change.
	if target == sess.CurrentPhase {
		detail["idempotent"] = true
		e.audit.Success(ctx, sess.ID, audit.EventTransition, actor.UserID, detail)
		return sess, nil
	}

	edge, ok := moot.FindEdge(sess.CurrentPhase, target)
	if !ok {
		err := fmt.Errorf("%w: %s -> %s", moot.ErrInvalidTransition, sess.CurrentPhase, target)
		e.recordRejected(ctx, sess, target, actor, err)
		return store.Session{}, err
	}

	if edge.RequireOwner && !(actor.CanControl() && actor.UserID == sess.OwnerID) {
		e.recordRejected(ctx, sess, target, actor, moot.ErrForbidden)
		return store.Session{}, moot.ErrForbidden
	}

	if edge.RequireEvaluationsDone {
		done, err := e.evaluationsComplete(ctx, sess)
		if err != nil {
			return store.Session{}, err
		}
		if !done {
			err := fmt.Errorf("%w: evaluations still outstanding", moot.ErrInvalidState)
			e.recordRejected(ctx, sess, target, actor, err)
			return store.Session{}, err
		}
	}

	startedAt := time.Now().UTC()
	next, err := e.store.ApplyPhaseTransition(ctx, sess.ID, sess.CurrentPhase, target, startedAt, edge.TargetDuration, store.TransitionRecord{
		SessionID: sess.ID,
		From:      sess.CurrentPhase,
		To:        target,
		Trigger:   edge.Trigger,
		ActorID:   actor.UserID,
		Success:   true,
	})
	if err != nil {
		if errors.Is(err, store.ErrStale) {
			return store.Session{}, err
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, moot.ErrNotFound
		}
		return store.Session{}, err
	}

	e.audit.Success(ctx, sess.ID, audit.EventTransition, actor.UserID, detail)
	e.bcast.Broadcast(sess.ID, "state_transition", StateTransitionEvent{
		SessionID:      sess.ID,
		From:           sess.CurrentPhase,
		To:             target,
		ActorID:        actor.UserID,
		PhaseStartedAt: next.PhaseStartedAt,
		PhaseDuration:  next.PhaseDuration.Milliseconds(),
	})
	return next, nil
}

func (e *Engine) recordRejected(ctx context.Context, sess store.Session, target moot.Phase, actor moot.Actor, cause error) {
	e.audit.Failure(ctx, sess.ID, audit.EventTransition, actor.UserID, cause, map[string]any{
		"from":   string(sess.CurrentPhase),
		"target": string(target),
	})
	if err := e.store.RecordTransition(ctx, store.TransitionRecord{
		SessionID: sess.ID,
		From:      sess.CurrentPhase,
		To:        target,
		Trigger:   moot.TriggerFacultyAdvance,
		ActorID:   actor.UserID,
		Success:   false,
		Error:     cause.Error(),
	}); err != nil {
		log.Printf("[Lifecycle] record rejected transition failed: session=%s err=%v", sess.ID, err)
	}
}

// evaluationsComplete reports whether every active participant has a terminal
// evaluation for this round. A best-effort read: it guards the edge but is
// not part of the conditional write.
func (e *Engine) evaluationsComplete(ctx context.Context, sess store.Session) (bool, error) {
	participants, err := e.store.ActiveParticipants(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		eval, err := e.store.EvaluationByRound(ctx, sess.ID, p.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if !eval.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}
