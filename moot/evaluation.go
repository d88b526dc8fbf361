package moot

// EvalStatus is the explicit, persisted status of an evaluation. It is never
// inferred from attempt history.
type EvalStatus string

const (
	EvalPending        EvalStatus = "PENDING"
	EvalProcessing     EvalStatus = "PROCESSING"
	EvalCompleted      EvalStatus = "COMPLETED"
	EvalFailed         EvalStatus = "FAILED"
	EvalRequiresReview EvalStatus = "REQUIRES_REVIEW"
	EvalOverridden     EvalStatus = "OVERRIDDEN"
)

// Terminal reports whether the status ends normal processing. OVERRIDDEN is
// terminal too; it is only reachable from another terminal status.
func (s EvalStatus) Terminal() bool {
	switch s {
	case EvalCompleted, EvalFailed, EvalRequiresReview, EvalOverridden:
		return true
	}
	return false
}

// Attempt parse outcomes.
const (
	ParseOK        = "ok"
	ParseSchemaErr = "schema_error"
	ParseTransport = "transport_error"
)
