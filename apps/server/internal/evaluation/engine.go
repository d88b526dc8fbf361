// Package evaluation guarantees exactly one evaluation per (round,
// participant) and coordinates the scoring oracle around it. The claim and
// the finalize are each one atomic store write; the slow oracle call sits
// between them and never inside a transaction.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"mootlab/apps/server/internal/audit"
	"mootlab/apps/server/internal/oracle"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

// maxTransportRetries is how many times a transport failure is retried after
// the first attempt. Schema failures are never retried.
const maxTransportRetries = 2

// Broadcaster pushes evaluation outcomes to the session's realtime room.
type Broadcaster interface {
	Broadcast(sessionID, kind string, payload any)
}

type Engine struct {
	store  store.Store
	scorer oracle.Scorer
	audit  *audit.Writer
	bcast  Broadcaster
}

func New(st store.Store, scorer oracle.Scorer, aw *audit.Writer, bcast Broadcaster) *Engine {
	return &Engine{store: st, scorer: scorer, audit: aw, bcast: bcast}
}

// EvaluationEvent is the payload broadcast when an evaluation reaches a
// terminal status.
type EvaluationEvent struct {
	EvaluationID  string         `json:"evaluation_id"`
	RoundID       string         `json:"round_id"`
	ParticipantID string         `json:"participant_id"`
	Status        string         `json:"status"`
	FinalScore    *float64       `json:"final_score,omitempty"`
	Breakdown     moot.Breakdown `json:"breakdown,omitempty"`
}

// Request claims the evaluation for (roundID, participantID) and, when this
// call wins the claim, drives it to a terminal status. A second request for
// an in-flight evaluation fails with ErrAlreadyProcessing; a request for an
// already terminal one returns it unchanged. Only faculty may request.
func (e *Engine) Request(ctx context.Context, roundID, participantID, rubricVersionID string, actor moot.Actor) (store.Evaluation, error) {
	sess, err := e.store.SessionByID(ctx, roundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Evaluation{}, moot.ErrNotFound
		}
		return store.Evaluation{}, err
	}
	if !actor.CanControl() {
		e.audit.Failure(ctx, sess.ID, audit.EventEvaluationRequested, actor.UserID, moot.ErrForbidden, nil)
		return store.Evaluation{}, moot.ErrForbidden
	}
	if sess.CurrentPhase == moot.PhaseCancelled {
		e.audit.Failure(ctx, sess.ID, audit.EventEvaluationRequested, actor.UserID, moot.ErrInvalidState,
			map[string]any{"phase": string(sess.CurrentPhase)})
		return store.Evaluation{}, fmt.Errorf("session cancelled: %w", moot.ErrInvalidState)
	}

	participant, err := e.store.ParticipantByID(ctx, participantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Evaluation{}, moot.ErrNotFound
		}
		return store.Evaluation{}, err
	}
	if participant.SessionID != sess.ID || !participant.Active {
		return store.Evaluation{}, moot.ErrNotFound
	}

	rubric, err := e.store.RubricVersion(ctx, rubricVersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Evaluation{}, moot.ErrNotFound
		}
		return store.Evaluation{}, err
	}
	if err := rubric.Weights.Validate(); err != nil {
		return store.Evaluation{}, err
	}

	claimed, created, err := e.store.ClaimEvaluation(ctx, store.Evaluation{
		ID:              uuid.NewString(),
		RoundID:         sess.ID,
		ParticipantID:   participant.ID,
		RubricVersionID: rubric.ID,
		RubricWeights:   rubric.Weights,
		Status:          moot.EvalProcessing,
	})
	if err != nil {
		return store.Evaluation{}, err
	}
	if !created {
		if claimed.Status == moot.EvalProcessing {
			e.audit.Failure(ctx, sess.ID, audit.EventEvaluationRequested, actor.UserID, moot.ErrAlreadyProcessing,
				map[string]any{"evaluation_id": claimed.ID, "participant_id": participant.ID})
			return claimed, moot.ErrAlreadyProcessing
		}
		return claimed, nil
	}

	e.audit.Success(ctx, sess.ID, audit.EventEvaluationRequested, actor.UserID, map[string]any{
		"evaluation_id": claimed.ID, "participant_id": participant.ID, "rubric_version_id": rubric.ID,
	})

	final, err := e.process(ctx, sess, participant, claimed)
	if final.Status.Terminal() {
		// FAILED is committed too; the room hears about every terminal
		// outcome, not only the scored ones.
		e.bcast.Broadcast(sess.ID, "evaluation_completed", EvaluationEvent{
			EvaluationID:  final.ID,
			RoundID:       final.RoundID,
			ParticipantID: final.ParticipantID,
			Status:        string(final.Status),
			FinalScore:    final.FinalScore,
			Breakdown:     final.Breakdown,
		})
	}
	return final, err
}

// process calls the oracle for a freshly claimed evaluation and finalizes
// it. Every attempt is persisted before the outcome is decided.
func (e *Engine) process(ctx context.Context, sess store.Session, participant store.Participant, claimed store.Evaluation) (store.Evaluation, error) {
	req := oracle.Request{
		RoundID:       claimed.RoundID,
		ParticipantID: claimed.ParticipantID,
		Side:          string(participant.Side),
		RubricID:      claimed.RubricVersionID,
		Criteria:      oracle.CriteriaOf(claimed.RubricWeights),
	}
	hash := oracle.RequestHash(req)

	var lastErr error
	for number := 1; number <= 1+maxTransportRetries; number++ {
		resp, raw, callErr := e.scorer.Score(ctx, req)

		attempt := store.Attempt{
			ID:           uuid.NewString(),
			EvaluationID: claimed.ID,
			Number:       number,
			RequestHash:  hash,
			Response:     raw,
			ParseStatus:  parseStatusOf(callErr),
		}
		if err := e.store.InsertAttempt(ctx, attempt); err != nil {
			return store.Evaluation{}, err
		}

		if callErr == nil {
			return e.finalizeScored(ctx, sess, claimed, attempt, resp)
		}

		var schemaErr *oracle.SchemaError
		if errors.As(callErr, &schemaErr) {
			e.audit.Failure(ctx, sess.ID, audit.EventEvaluationFinalized, "", callErr,
				map[string]any{"evaluation_id": claimed.ID, "attempt": number})
			return e.finalize(ctx, sess, claimed.ID, moot.EvalRequiresReview, nil, nil, attempt.ID)
		}

		lastErr = callErr
		log.Printf("[Evaluation] oracle attempt %d failed: evaluation=%s err=%v", number, claimed.ID, callErr)
	}

	wrapped := &moot.OracleError{Attempts: 1 + maxTransportRetries, Err: lastErr}
	e.audit.Failure(ctx, sess.ID, audit.EventEvaluationFinalized, "", wrapped,
		map[string]any{"evaluation_id": claimed.ID})
	final, err := e.finalize(ctx, sess, claimed.ID, moot.EvalFailed, nil, nil, "")
	if err != nil {
		return final, err
	}
	return final, wrapped
}

// finalizeScored computes the weighted score from the frozen rubric snapshot
// and commits COMPLETED. The oracle's own totals are never trusted.
func (e *Engine) finalizeScored(ctx context.Context, sess store.Session, claimed store.Evaluation, attempt store.Attempt, resp oracle.Response) (store.Evaluation, error) {
	breakdown := moot.Breakdown(resp.SubScores)
	score, err := moot.WeightedScore(claimed.RubricWeights, breakdown)
	if err != nil {
		e.audit.Failure(ctx, sess.ID, audit.EventEvaluationFinalized, "", err,
			map[string]any{"evaluation_id": claimed.ID})
		return e.finalize(ctx, sess, claimed.ID, moot.EvalRequiresReview, nil, nil, attempt.ID)
	}
	return e.finalize(ctx, sess, claimed.ID, moot.EvalCompleted, &score, breakdown, attempt.ID)
}

func (e *Engine) finalize(ctx context.Context, sess store.Session, evaluationID string, to moot.EvalStatus, score *float64, breakdown moot.Breakdown, canonicalAttemptID string) (store.Evaluation, error) {
	final, err := e.store.FinalizeEvaluation(ctx, evaluationID, to, score, breakdown, canonicalAttemptID)
	if err != nil {
		return store.Evaluation{}, err
	}
	detail := map[string]any{"evaluation_id": final.ID, "status": string(final.Status)}
	if score != nil {
		detail["final_score"] = *score
	}
	e.audit.Success(ctx, sess.ID, audit.EventEvaluationFinalized, "", detail)
	return final, nil
}

// Override replaces a terminal evaluation's result with a human verdict. The
// prior value is appended to the override history before the row changes.
func (e *Engine) Override(ctx context.Context, evaluationID string, newScore float64, newBreakdown moot.Breakdown, reason string, actor moot.Actor) (store.Evaluation, error) {
	current, err := e.store.EvaluationByID(ctx, evaluationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Evaluation{}, moot.ErrNotFound
		}
		return store.Evaluation{}, err
	}
	if !actor.CanControl() {
		e.audit.Failure(ctx, current.RoundID, audit.EventEvaluationOverride, actor.UserID, moot.ErrForbidden,
			map[string]any{"evaluation_id": evaluationID})
		return store.Evaluation{}, moot.ErrForbidden
	}
	if !current.Status.Terminal() {
		e.audit.Failure(ctx, current.RoundID, audit.EventEvaluationOverride, actor.UserID, moot.ErrInvalidState,
			map[string]any{"evaluation_id": evaluationID, "status": string(current.Status)})
		return store.Evaluation{}, fmt.Errorf("evaluation %s: %w", current.Status, moot.ErrInvalidState)
	}

	overridden, err := e.store.OverrideEvaluation(ctx, store.OverrideRecord{
		EvaluationID:   evaluationID,
		PriorStatus:    current.Status,
		PriorScore:     current.FinalScore,
		PriorBreakdown: current.Breakdown,
		NewScore:       newScore,
		NewBreakdown:   newBreakdown,
		Reason:         reason,
		ActorID:        actor.UserID,
	})
	if err != nil {
		if errors.Is(err, store.ErrStale) {
			return store.Evaluation{}, fmt.Errorf("evaluation changed underneath the override: %w", moot.ErrInvalidState)
		}
		return store.Evaluation{}, err
	}

	e.audit.Success(ctx, overridden.RoundID, audit.EventEvaluationOverride, actor.UserID, map[string]any{
		"evaluation_id": evaluationID, "new_score": newScore, "reason": reason,
	})
	e.bcast.Broadcast(overridden.RoundID, "evaluation_overridden", EvaluationEvent{
		EvaluationID:  overridden.ID,
		RoundID:       overridden.RoundID,
		ParticipantID: overridden.ParticipantID,
		Status:        string(overridden.Status),
		FinalScore:    overridden.FinalScore,
		Breakdown:     overridden.Breakdown,
	})
	return overridden, nil
}

func parseStatusOf(err error) string {
	switch {
	case err == nil:
		return moot.ParseOK
	case isSchema(err):
		return moot.ParseSchemaErr
	default:
		return moot.ParseTransport
	}
}

func isSchema(err error) bool {
	var schemaErr *oracle.SchemaError
	return errors.As(err, &schemaErr)
}
