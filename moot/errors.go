package moot

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSessionFull       = errors.New("session full")
	ErrSlotConflict      = errors.New("slot conflict")
	ErrAlreadyProcessing = errors.New("evaluation already processing")
)

// OracleError wraps a scoring-oracle failure with the attempts that were made.
type OracleError struct {
	Attempts int
	Err      error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }
