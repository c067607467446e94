// Package event drives a workflow's event block: on every trigger firing
// the event agent and steps run, then the exit expression decides whether
// to stop or wait for the next firing.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/maestro/internal/expr"
	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

// Runner performs one event firing. *workflow.Engine implements it.
type Runner interface {
	RunEvent(ctx context.Context, wf *manifest.Workflow, input string) (*workflow.Result, error)
}

// Outcome summarizes an event loop.
type Outcome struct {
	Output  string
	Firings int
	// Last is the result of the final firing, nil when nothing fired.
	Last *workflow.Result
}

type Dispatcher struct {
	runner Runner
	retry  time.Duration
}

// NewDispatcher returns a dispatcher that re-arms its trigger after retry
// when the trigger itself fails.
func NewDispatcher(runner Runner, retry time.Duration) *Dispatcher {
	if retry <= 0 {
		retry = 30 * time.Second
	}
	return &Dispatcher{runner: runner, retry: retry}
}

// TriggerFor returns the trigger for wf's event: its cron schedule, or a
// single immediate firing for dry runs.
func TriggerFor(wf *manifest.Workflow, dryRun bool) (Trigger, error) {
	ev := wf.Spec.Template.Event
	if ev == nil {
		return nil, fmt.Errorf("workflow %q has no event", wf.Name())
	}
	if dryRun {
		return &ImmediateTrigger{}, nil
	}
	t, err := NewCronTrigger(ev.Cron)
	if err != nil {
		return nil, fmt.Errorf("event cron: %w", err)
	}
	return t, nil
}

// Run fires wf's event on every trigger tick, feeding each firing the
// previous output, until the exit expression holds, the trigger is
// exhausted or ctx is cancelled. Without an exit expression it runs until
// the trigger or ctx ends it.
func (d *Dispatcher) Run(ctx context.Context, wf *manifest.Workflow, trigger Trigger, input string) (*Outcome, error) {
	ev := wf.Spec.Template.Event
	if ev == nil {
		return nil, fmt.Errorf("workflow %q has no event", wf.Name())
	}

	var exit *expr.Expr
	if ev.Exit != "" {
		var err error
		if exit, err = expr.Compile(ev.Exit); err != nil {
			return nil, fmt.Errorf("event exit: %w", err)
		}
	}

	out := &Outcome{Output: input}
	slog.Info("event armed", "workflow", wf.Name(), "cron", ev.Cron, "exit", ev.Exit)

	for {
		at, err := trigger.Wait(ctx)
		switch {
		case errors.Is(err, ErrTriggerDone):
			return out, nil
		case ctx.Err() != nil:
			return out, ctx.Err()
		case err != nil:
			slog.Error("event trigger failed", "workflow", wf.Name(), "error", err, "retry", d.retry)
			if !sleep(ctx, d.retry) {
				return out, ctx.Err()
			}
			continue
		}

		res, err := d.runner.RunEvent(ctx, wf, out.Output)
		out.Firings++
		if res != nil {
			out.Last = res
			out.Output = res.Output
		}
		if err != nil {
			return out, fmt.Errorf("event firing %d: %w", out.Firings, err)
		}
		slog.Info("event fired", "workflow", wf.Name(), "at", at, "firing", out.Firings, "status", res.Status)

		if exit == nil {
			continue
		}
		done, err := exit.Test(out.Output)
		if err != nil {
			return out, fmt.Errorf("event exit: %w", err)
		}
		if done {
			slog.Info("event exit condition met", "workflow", wf.Name(), "firings", out.Firings)
			return out, nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
