package uwb

import (
	"errors"
	"fmt"
)

// The calibration core surfaces four failure classes:
//
//	InputError:    insufficient, duplicate, or non-finite input coordinates
//	GeometryError: degenerate/collinear configurations, non-invertible transforms
//	WorkflowError: an operation attempted in the wrong workflow state
//	DataError:     repository failures (ErrNotFound, ErrDuplicateEntry, InvalidDataError)
//
// All carry human-readable messages; the estimator errors additionally carry
// the specific deficiency (counts, colliding points).

// InputError reports invalid caller-supplied data.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Reason
}

// InsufficientPointsError reports too few correspondence pairs for a fit.
type InsufficientPointsError struct {
	Required int
	Provided int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: required=%d, provided=%d", e.Required, e.Provided)
}

// GeometryError reports a degenerate geometric configuration: collinear
// correspondences or a non-invertible transform.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "degenerate geometry: " + e.Reason
}

// WorkflowError reports an operation attempted in the wrong workflow state.
type WorkflowError struct {
	Op    string
	State WorkflowState
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("operation %q not allowed in state %q", e.Op, e.State)
}

// Repository error values (DataError class). Propagated, never swallowed.
var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")
)

// InvalidDataError reports data that cannot be persisted or loaded.
type InvalidDataError struct {
	Message string
}

func (e *InvalidDataError) Error() string {
	return "invalid data: " + e.Message
}
