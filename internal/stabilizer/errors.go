package stabilizer

import (
	"errors"
	"fmt"

	"github.com/san-kum/beamstab/internal/config"
)

// Domain errors for the control loop.
var (
	// ErrConfigInvalid indicates a configuration that violates the loop's
	// invariants. Fatal at activation.
	ErrConfigInvalid = config.ErrInvalid

	// ErrCollaboratorUnavailable indicates a failed sensor or actuator call.
	// The cycle is skipped and retried on the next tick.
	ErrCollaboratorUnavailable = errors.New("stabilizer: collaborator unavailable")

	// ErrStopped is returned when Run is called on a stopped loop.
	ErrStopped = errors.New("stabilizer: loop stopped")
)

// Stage names the point in a cycle where a collaborator call failed.
type Stage string

const (
	StageReadCurrent  Stage = "read current"
	StageReadVoltage  Stage = "read voltage"
	StageWriteVoltage Stage = "write voltage"
)

// CycleError wraps a collaborator failure with cycle context.
type CycleError struct {
	Cycle   int
	Stage   Stage
	Wrapped error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %d: %s: %v", e.Cycle, e.Stage, e.Wrapped)
}

func (e *CycleError) Unwrap() error {
	return e.Wrapped
}

func collaboratorError(cycle int, stage Stage, err error) error {
	return &CycleError{
		Cycle:   cycle,
		Stage:   stage,
		Wrapped: fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err),
	}
}
