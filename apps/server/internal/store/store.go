package store

import (
	"context"
	"errors"
	"time"

	"mootlab/moot"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate row")
	// ErrStale means a conditional write lost an optimistic race: the row
	// changed between read and write.
	ErrStale = errors.New("stale write")
)

type Session struct {
	ID             string
	OwnerID        string
	JoinCode       string
	CurrentPhase   moot.Phase
	PhaseStartedAt time.Time
	PhaseDuration  time.Duration
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Participant struct {
	ID        string
	SessionID string
	UserID    string
	Side      moot.Side
	Slot      int
	Active    bool
	JoinedAt  time.Time
}

// TransitionRecord is one append-only row in the phase transition history.
type TransitionRecord struct {
	SessionID string
	From      moot.Phase
	To        moot.Phase
	Trigger   moot.TriggerKind
	ActorID   string
	Success   bool
	Error     string
	CreatedAt time.Time
}

type Evaluation struct {
	ID              string
	RoundID         string
	ParticipantID   string
	RubricVersionID string
	// RubricWeights is the snapshot frozen at claim time; later rubric
	// edits never reach it.
	RubricWeights      moot.RubricWeights
	Status             moot.EvalStatus
	FinalScore         *float64
	Breakdown          moot.Breakdown
	CanonicalAttemptID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Attempt struct {
	ID           string
	EvaluationID string
	Number       int
	RequestHash  string
	Response     string
	ParseStatus  string
	Canonical    bool
	CreatedAt    time.Time
}

// OverrideRecord captures the prior value of an evaluation before a human
// replaces its score. Appended, never edited.
type OverrideRecord struct {
	EvaluationID   string
	PriorStatus    moot.EvalStatus
	PriorScore     *float64
	PriorBreakdown moot.Breakdown
	NewScore       float64
	NewBreakdown   moot.Breakdown
	Reason         string
	ActorID        string
}

type RubricVersion struct {
	ID        string
	Name      string
	Weights   moot.RubricWeights
	CreatedAt time.Time
}

type AuditEntry struct {
	ID        int64
	SessionID string
	EventType string
	ActorID   string
	Success   bool
	Detail    map[string]any
	Error     string
	CreatedAt time.Time
}

// Store is the persistence contract shared by every engine. All invariants
// that span requests live here: uniqueness constraints and conditional
// writes, never in-process locks. Every method is a single atomic step
// against one entity.
type Store interface {
	Close() error

	// CreateSession fails with ErrDuplicate when the join code is taken or
	// the owner already has a non-terminal session.
	CreateSession(ctx context.Context, s Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	SessionByCode(ctx context.Context, joinCode string) (Session, error)

	// ApplyPhaseTransition sets the session phase conditioned on the
	// previously read phase and appends the success record in the same
	// transaction. ErrStale when the condition no longer holds.
	ApplyPhaseTransition(ctx context.Context, sessionID string, from, to moot.Phase, startedAt time.Time, duration time.Duration, rec TransitionRecord) (Session, error)
	// RecordTransition appends a transition record on its own, used for
	// rejected and idempotent outcomes.
	RecordTransition(ctx context.Context, rec TransitionRecord) error
	TransitionsBySession(ctx context.Context, sessionID string, limit int) ([]TransitionRecord, error)

	ActiveParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	ActiveParticipant(ctx context.Context, sessionID, userID string) (Participant, error)
	ParticipantByID(ctx context.Context, id string) (Participant, error)
	// InsertParticipant fails with ErrDuplicate when the user already holds
	// a seat or the seat is taken.
	InsertParticipant(ctx context.Context, p Participant) error

	CreateRubricVersion(ctx context.Context, rv RubricVersion) error
	RubricVersion(ctx context.Context, id string) (RubricVersion, error)

	// ClaimEvaluation inserts the evaluation, relying on the
	// (round, participant) uniqueness constraint. When the row already
	// exists, the existing row is returned with created=false.
	ClaimEvaluation(ctx context.Context, e Evaluation) (Evaluation, bool, error)
	EvaluationByID(ctx context.Context, id string) (Evaluation, error)
	EvaluationByRound(ctx context.Context, roundID, participantID string) (Evaluation, error)
	InsertAttempt(ctx context.Context, a Attempt) error
	AttemptsByEvaluation(ctx context.Context, evaluationID string) ([]Attempt, error)
	// FinalizeEvaluation moves PROCESSING to a terminal status and marks
	// the canonical attempt, all in one transaction. ErrStale when the
	// evaluation is not PROCESSING.
	FinalizeEvaluation(ctx context.Context, evaluationID string, to moot.EvalStatus, score *float64, breakdown moot.Breakdown, canonicalAttemptID string) (Evaluation, error)
	// OverrideEvaluation appends the prior-value record and sets
	// OVERRIDDEN. ErrStale unless the current status is terminal.
	OverrideEvaluation(ctx context.Context, rec OverrideRecord) (Evaluation, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditBySession(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error)
}
