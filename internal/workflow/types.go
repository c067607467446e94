package workflow

import (
	"context"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// Terminal states of the step state machine.
const (
	StateExit   = "EXIT"
	StateFailed = "FAILED"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusRecovered = "recovered"
	StatusFailed    = "failed"
)

// Triggers recorded on runs.
const (
	TriggerRun   = "run"
	TriggerEvent = "event"
	TriggerAPI   = "api"
)

// Invoker performs one agent call. Implementations own transport, timeouts
// and framework dispatch.
type Invoker interface {
	Invoke(ctx context.Context, agent *manifest.Agent, input string, context []string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agent *manifest.Agent, input string, context []string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, agent *manifest.Agent, input string, context []string) (string, error) {
	return f(ctx, agent, input, context)
}

// Resolver looks agents up by name.
type Resolver interface {
	Resolve(name string) (*manifest.Agent, error)
}

type Options struct {
	// MaxParallel bounds concurrent branches of a parallel step. 0 means unbounded.
	MaxParallel int
	// MaxTransitions aborts runs that take more step transitions. 0 means unbounded.
	MaxTransitions int
	// LoopLimit ends a loop after this many iterations with a warning. 0 means unbounded.
	LoopLimit int
	// DryRun marks runs as dry runs in published events.
	DryRun bool
	// Trigger is recorded on runs started by Run. Defaults to TriggerRun.
	Trigger string
}

// Item is one branch result of a parallel step.
type Item struct {
	Agent  string `json:"agent"`
	Output string `json:"output"`
}

// StepRecord is one executed step in a run trace.
type StepRecord struct {
	Seq      int               `json:"seq"`
	Name     string            `json:"name"`
	Kind     manifest.StepKind `json:"kind"`
	Agent    string            `json:"agent,omitempty"`
	Input    string            `json:"input"`
	Output   string            `json:"output"`
	Next     string            `json:"next"`
	Duration time.Duration     `json:"duration"`
}

// Result is the outcome of a run.
type Result struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Status   string            `json:"status"`
	Output   string            `json:"output"`
	Items    []Item            `json:"items,omitempty"`
	Steps    []StepRecord      `json:"steps"`
	Outputs  map[string]string `json:"outputs"`
	// Err is the fatal error a recovered run was routed to the exception
	// handler for.
	Err error `json:"-"`
}

// Path returns the executed step names in order.
func (r *Result) Path() []string {
	out := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Name
	}
	return out
}
