package moot

import "time"

// TriggerKind records what caused a transition.
type TriggerKind string

const (
	TriggerFacultyAdvance TriggerKind = "faculty_advance"
	TriggerFacultyCancel  TriggerKind = "faculty_cancel"
)

// Edge is one allowed move in the phase graph. Guards are flags so new
// phases and edges stay additive.
type Edge struct {
	From Phase
	To   Phase

	Trigger TriggerKind

	// RequireOwner restricts the edge to the owning faculty.
	RequireOwner bool
	// RequireEvaluationsDone blocks the edge until every active
	// participant has a terminal evaluation.
	RequireEvaluationsDone bool

	// TargetDuration is the default timer for the target phase.
	TargetDuration time.Duration
}

var edges = buildEdges()

func buildEdges() []Edge {
	es := []Edge{
		{From: PhaseCreated, To: PhasePreparing, Trigger: TriggerFacultyAdvance, RequireOwner: true, TargetDuration: 10 * time.Minute},
		{From: PhasePreparing, To: PhaseArguingPetitioner, Trigger: TriggerFacultyAdvance, RequireOwner: true, TargetDuration: 20 * time.Minute},
		{From: PhaseArguingPetitioner, To: PhaseArguingRespondent, Trigger: TriggerFacultyAdvance, RequireOwner: true, TargetDuration: 20 * time.Minute},
		{From: PhaseArguingRespondent, To: PhaseRebuttal, Trigger: TriggerFacultyAdvance, RequireOwner: true, TargetDuration: 10 * time.Minute},
		{From: PhaseRebuttal, To: PhaseJudging, Trigger: TriggerFacultyAdvance, RequireOwner: true, TargetDuration: 15 * time.Minute},
		{From: PhaseJudging, To: PhaseCompleted, Trigger: TriggerFacultyAdvance, RequireOwner: true, RequireEvaluationsDone: true},
	}
	// CANCELLED is reachable from every non-terminal phase.
	for p := range allPhases {
		if p.Terminal() {
			continue
		}
		es = append(es, Edge{From: p, To: PhaseCancelled, Trigger: TriggerFacultyCancel, RequireOwner: true})
	}
	return es
}

// FindEdge looks up the edge from→to. ok is false when the move is not in
// the graph.
func FindEdge(from, to Phase) (Edge, bool) {
	for _, e := range edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// Edges returns a copy of the transition graph.
func Edges() []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}
