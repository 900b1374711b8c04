package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("concurrent modification conflict")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDetectorFailure   = errors.New("detector failure")
	ErrApprovalDenied    = errors.New("approval denied")

	// ErrStateLocked rejects evidence, hypothesis or action changes in a
	// state that does not accept them.
	ErrStateLocked = fmt.Errorf("%w: case state does not accept this change", ErrInvalidTransition)
)

// InvalidTransitionError reports an event that is not valid from the current state.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s is not allowed from %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// DetectorError reports a detector that failed or timed out within a run.
type DetectorError struct {
	DetectorID string
	ScopeID    string
	Err        error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s failed on scope %s: %v", e.DetectorID, e.ScopeID, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

func (e *DetectorError) Is(target error) bool {
	return target == ErrDetectorFailure
}
