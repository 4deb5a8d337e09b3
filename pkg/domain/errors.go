package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the engine
var (
	ErrValidation        = errors.New("pipeline validation failed")
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrPipelineExists    = errors.New("pipeline already exists")
	ErrPipelineInactive  = errors.New("pipeline is not active")
	ErrPipelineInUse     = errors.New("pipeline has active runs")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunTerminal       = errors.New("run already in terminal state")
	ErrUnknownOperator   = errors.New("unknown operator")
	ErrResourceDenied    = errors.New("resources not available")
	ErrUnsatisfiable     = errors.New("resource requirement exceeds engine capacity")
	ErrEngineStopped     = errors.New("engine is not running")
	ErrInvalidParameters = errors.New("invalid operator parameters")
)

// ValidationKind classifies a structural or field problem in a pipeline
type ValidationKind string

const (
	ValidationEmptyPipeline     ValidationKind = "empty_pipeline"
	ValidationCycle             ValidationKind = "cycle"
	ValidationDanglingReference ValidationKind = "dangling_reference"
	ValidationEdgeMismatch      ValidationKind = "edge_mismatch"
	ValidationOrphan            ValidationKind = "orphan"
	ValidationInvalidField      ValidationKind = "invalid_field"
	ValidationInvalidCondition  ValidationKind = "invalid_condition"
)

// ValidationError describes one problem found by the validator
type ValidationError struct {
	Kind    ValidationKind `json:"kind"`
	TaskID  string         `json:"task_id,omitempty"`
	Message string         `json:"message"`
}

func (e ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: task %s: %s", e.Kind, e.TaskID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationFailedError carries every problem found for a pipeline
type ValidationFailedError struct {
	PipelineID string
	Errors     []ValidationError
}

func (e *ValidationFailedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("pipeline %s is invalid: %s", e.PipelineID, strings.Join(msgs, "; "))
}

func (e *ValidationFailedError) Unwrap() error {
	return ErrValidation
}

// Failure codes recorded on task records
const (
	CodeTimeout         = "timeout"
	CodeOperatorError   = "operator_error"
	CodePanic           = "panic"
	CodeUnknownOperator = "unknown_operator"
	CodeConditionError  = "condition_error"
	CodeCancelled       = "cancelled"
)

// TaskError is the typed failure an operator returns. Transient failures
// may be retried; fatal ones fail the task immediately.
type TaskError struct {
	Code      string
	Transient bool
	Err       error
}

func (e *TaskError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s failure (%s)", kind, e.Code)
	}
	return fmt.Sprintf("%s failure (%s): %v", kind, e.Code, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure
func Transient(code string, err error) error {
	return &TaskError{Code: code, Transient: true, Err: err}
}

// Fatal wraps err as a non-retryable failure
func Fatal(code string, err error) error {
	return &TaskError{Code: code, Transient: false, Err: err}
}
