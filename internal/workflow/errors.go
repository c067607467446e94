package workflow

import (
	"errors"
	"fmt"
)

var ErrMaxTransitions = errors.New("maximum step transitions exceeded")

// ConditionError means no clause of a step's condition list selected a next
// step. Err carries the evaluator failure when one caused it.
type ConditionError struct {
	Step string
	Expr string
	Err  error
}

func (e *ConditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q: condition %q: %v", e.Step, e.Expr, e.Err)
	}
	return fmt.Sprintf("step %q: no condition matched and no default", e.Step)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// InputError means a step referenced an input or context source that has no
// output yet.
type InputError struct {
	Step string
	From string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("step %q: input %q has no output", e.Step, e.From)
}

// UnknownStepError means a jump targeted a step that does not exist.
type UnknownStepError struct {
	Step   string
	Target string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("step %q: unknown target step %q", e.Step, e.Target)
}

// StepError attaches the failing step to a fatal error.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExceptionError is returned when the exception handler itself failed. It
// unwraps to both the original failure and the handler failure.
type ExceptionError struct {
	Cause   error
	Handler error
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("%v; exception handler failed: %v", e.Cause, e.Handler)
}

func (e *ExceptionError) Unwrap() []error { return []error{e.Cause, e.Handler} }
