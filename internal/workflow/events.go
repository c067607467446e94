package workflow

import (
	"context"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventStepStarted      EventType = "step_started"
	EventStepCompleted    EventType = "step_completed"
	EventStepFailed       EventType = "step_failed"
	EventExceptionHandled EventType = "exception_handled"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
)

// Event is an observation of a run published while it executes.
type Event struct {
	Type       EventType         `json:"type"`
	RunID      string            `json:"run_id"`
	Workflow   string            `json:"workflow"`
	Trigger    string            `json:"trigger,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
	Seq        int               `json:"seq,omitempty"`
	Step       string            `json:"step,omitempty"`
	Kind       manifest.StepKind `json:"kind,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	Input      string            `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Next       string            `json:"next,omitempty"`
	Status     string            `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Time       time.Time         `json:"time"`
}

// Publisher observes run events. Publish must not block the run for long
// and has no way to fail it.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Publishers fans an event out to every publisher in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
