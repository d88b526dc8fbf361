package moot

import "fmt"

// Phase is a session lifecycle stage.
type Phase string

const (
	PhaseCreated           Phase = "CREATED"
	PhasePreparing         Phase = "PREPARING"
	PhaseArguingPetitioner Phase = "ARGUING_PETITIONER"
	PhaseArguingRespondent Phase = "ARGUING_RESPONDENT"
	PhaseRebuttal          Phase = "REBUTTAL"
	PhaseJudging           Phase = "JUDGING"
	PhaseCompleted         Phase = "COMPLETED"
	PhaseCancelled         Phase = "CANCELLED"
)

var allPhases = map[Phase]bool{
	PhaseCreated:           true,
	PhasePreparing:         true,
	PhaseArguingPetitioner: true,
	PhaseArguingRespondent: true,
	PhaseRebuttal:          true,
	PhaseJudging:           true,
	PhaseCompleted:         true,
	PhaseCancelled:         true,
}

// ParsePhase validates a raw phase name.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(raw)
	if !allPhases[p] {
		return "", fmt.Errorf("unknown phase %q", raw)
	}
	return p, nil
}

// Terminal reports whether no transition may leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// Joinable reports whether participants may claim seats in the phase.
func (p Phase) Joinable() bool {
	return p == PhasePreparing
}

func (p Phase) String() string { return string(p) }
