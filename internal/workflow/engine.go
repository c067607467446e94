package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/maestro/internal/manifest"
)

// Pseudo step kinds recorded for non-step invocations.
const (
	KindEvent     manifest.StepKind = "event"
	KindException manifest.StepKind = "exception"
)

// Engine executes workflows against a set of agents. It holds no per-run
// state and is safe for concurrent use.
type Engine struct {
	agents  Resolver
	invoker Invoker
	opts    Options
	pub     Publishers
}

func NewEngine(agents Resolver, invoker Invoker, opts Options, pubs ...Publisher) *Engine {
	if opts.Trigger == "" {
		opts.Trigger = TriggerRun
	}
	return &Engine{
		agents:  agents,
		invoker: invoker,
		opts:    opts,
		pub:     Publishers(pubs),
	}
}

func (e *Engine) Options() Options { return e.opts }

// Run executes wf from its first step. A non-empty prompt overrides the
// workflow's own prompt. On failure the returned Result still carries the
// partial trace.
func (e *Engine) Run(ctx context.Context, wf *manifest.Workflow, prompt string) (*Result, error) {
	if prompt == "" {
		prompt = wf.Spec.Template.Prompt
	}
	r := e.newRun(wf, e.opts.Trigger, prompt, prompt)
	r.started(ctx)

	var err error
	if len(r.tpl.Steps) == 0 {
		err = errors.New("workflow has no steps")
	} else {
		err = r.walk(ctx, r.tpl.Steps[0].Name)
	}
	return r.finish(ctx, err)
}

// RunSteps executes the named steps as a sub-workflow, in the given order,
// starting from input. Condition jumps must stay within the subset.
func (e *Engine) RunSteps(ctx context.Context, wf *manifest.Workflow, names []string, input string) (*Result, error) {
	r := e.newRun(wf, TriggerEvent, wf.Spec.Template.Prompt, input)
	r.started(ctx)
	return r.finish(ctx, r.subset(ctx, names))
}

// RunEvent performs one event firing: the event agent (if any) is invoked
// with input, then the event steps run on its output.
func (e *Engine) RunEvent(ctx context.Context, wf *manifest.Workflow, input string) (*Result, error) {
	ev := wf.Spec.Template.Event
	if ev == nil {
		return nil, fmt.Errorf("workflow %q has no event", wf.Name())
	}

	r := e.newRun(wf, TriggerEvent, wf.Spec.Template.Prompt, input)
	r.started(ctx)

	var err error
	if ev.Agent != "" {
		name := ev.Name
		if name == "" {
			name = "event"
		}
		err = r.invokeStandalone(ctx, name, KindEvent, ev.Agent, r.current)
	}
	if err == nil && len(ev.Steps) > 0 {
		err = r.subset(ctx, ev.Steps)
	}
	return r.finish(ctx, err)
}

type run struct {
	e       *Engine
	id      string
	wf      *manifest.Workflow
	tpl     *manifest.Template
	trigger string

	prompt  string
	current string
	outputs map[string]string
	items   []Item

	agents  map[string]*manifest.Agent
	missing map[string]error

	seq        int
	steps      []StepRecord
	failedStep string
}

func (e *Engine) newRun(wf *manifest.Workflow, trigger, prompt, input string) *run {
	r := &run{
		e:       e,
		id:      uuid.NewString(),
		wf:      wf,
		tpl:     &wf.Spec.Template,
		trigger: trigger,
		prompt:  prompt,
		current: input,
		outputs: make(map[string]string),
		agents:  make(map[string]*manifest.Agent),
		missing: make(map[string]error),
	}
	// Agents are resolved once up front so a registry reload mid-run is
	// invisible to this run.
	for _, name := range wf.Spec.Template.Agents {
		if a, err := e.agents.Resolve(name); err != nil {
			r.missing[name] = err
		} else {
			r.agents[name] = a
		}
	}
	return r
}

func (r *run) agent(name string) (*manifest.Agent, error) {
	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	if err, ok := r.missing[name]; ok {
		return nil, err
	}
	a, err := r.e.agents.Resolve(name)
	if err != nil {
		r.missing[name] = err
		return nil, err
	}
	r.agents[name] = a
	return a, nil
}

func (r *run) event(t EventType) Event {
	return Event{
		Type:     t,
		RunID:    r.id,
		Workflow: r.wf.Name(),
		Trigger:  r.trigger,
		DryRun:   r.e.opts.DryRun,
		Time:     time.Now().UTC(),
	}
}

func (r *run) publish(ctx context.Context, ev Event) {
	r.e.pub.Publish(context.WithoutCancel(ctx), ev)
}

func (r *run) started(ctx context.Context) {
	slog.Info("run started", "run", r.id, "workflow", r.wf.Name(), "trigger", r.trigger)
	ev := r.event(EventRunStarted)
	ev.Input = r.current
	ev.Status = StatusRunning
	r.publish(ctx, ev)
}

// walk drives the state machine from entry until EXIT or a fatal error.
func (r *run) walk(ctx context.Context, entry string) error {
	name := entry
	transitions := 0
	for name != StateExit {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit := r.e.opts.MaxTransitions; limit > 0 && transitions >= limit {
			r.failedStep = name
			return &StepError{Step: name, Err: ErrMaxTransitions}
		}
		transitions++

		idx := r.tpl.StepIndex(name)
		if idx < 0 {
			return &UnknownStepError{Target: name}
		}
		next, err := r.execStep(ctx, idx)
		if err != nil {
			return err
		}
		name = next
	}
	return nil
}

func (r *run) subset(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	sub := *r.tpl
	sub.Steps = make([]manifest.Step, 0, len(names))
	for _, n := range names {
		idx := r.tpl.StepIndex(n)
		if idx < 0 {
			return &UnknownStepError{Target: n}
		}
		sub.Steps = append(sub.Steps, r.tpl.Steps[idx])
	}
	r.tpl = &sub
	return r.walk(ctx, names[0])
}

func (r *run) result() *Result {
	return &Result{
		RunID:    r.id,
		Workflow: r.wf.Name(),
		Output:   r.current,
		Items:    r.items,
		Steps:    r.steps,
		Outputs:  r.outputs,
	}
}

// finish routes a fatal error to the exception handler once and publishes
// the terminal event.
func (r *run) finish(ctx context.Context, err error) (*Result, error) {
	res := r.result()

	if err == nil {
		res.Status = StatusCompleted
		r.completed(ctx, res)
		return res, nil
	}

	exc := r.wf.Spec.Template.Exception
	if exc != nil && ctx.Err() == nil {
		name := exc.Name
		if name == "" {
			name = "exception"
		}
		slog.Warn("routing failure to exception handler", "run", r.id, "step", r.failedStep, "agent", exc.Agent, "error", err)
		herr := r.invokeStandalone(ctx, name, KindException, exc.Agent, exceptionInput(r.failedStep, err, r.current))
		if herr == nil {
			res = r.result()
			res.Status = StatusRecovered
			res.Err = err

			ev := r.event(EventExceptionHandled)
			ev.Step = r.failedStep
			ev.Agent = exc.Agent
			ev.Error = err.Error()
			ev.Output = res.Output
			r.publish(ctx, ev)

			r.completed(ctx, res)
			return res, nil
		}
		err = &ExceptionError{Cause: err, Handler: herr}
		res = r.result()
	}

	res.Status = StatusFailed
	slog.Error("run failed", "run", r.id, "workflow", r.wf.Name(), "step", r.failedStep, "error", err)
	ev := r.event(EventRunFailed)
	ev.Status = StatusFailed
	ev.Step = r.failedStep
	ev.Output = res.Output
	ev.Error = err.Error()
	r.publish(ctx, ev)
	return res, err
}

func (r *run) completed(ctx context.Context, res *Result) {
	slog.Info("run completed", "run", r.id, "workflow", r.wf.Name(), "status", res.Status, "steps", len(res.Steps))
	ev := r.event(EventRunCompleted)
	ev.Status = res.Status
	ev.Output = res.Output
	r.publish(ctx, ev)
}

func exceptionInput(step string, err error, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "step: %s\n", step)
	fmt.Fprintf(&b, "error: %v\n", err)
	fmt.Fprintf(&b, "output: %s", output)
	return b.String()
}

// invokeStandalone calls an agent outside the step list (event agent,
// exception handler) and records it in the trace.
func (r *run) invokeStandalone(ctx context.Context, name string, kind manifest.StepKind, agentName, input string) error {
	r.seq++
	seq := r.seq
	start := time.Now()

	a, err := r.agent(agentName)
	var out string
	if err == nil {
		out, err = r.e.invoker.Invoke(ctx, a, input, nil)
	}
	dur := time.Since(start)

	if err != nil {
		if kind != KindException {
			r.failedStep = name
		}
		ev := r.event(EventStepFailed)
		ev.Seq, ev.Step, ev.Kind, ev.Agent, ev.Input = seq, name, kind, agentName, input
		ev.Error = err.Error()
		ev.DurationMs = dur.Milliseconds()
		r.publish(ctx, ev)
		return &StepError{Step: name, Err: err}
	}

	r.current = out
	r.items = nil
	r.steps = append(r.steps, StepRecord{
		Seq: seq, Name: name, Kind: kind, Agent: agentName,
		Input: input, Output: out, Duration: dur,
	})
	ev := r.event(EventStepCompleted)
	ev.Seq, ev.Step, ev.Kind, ev.Agent, ev.Input, ev.Output = seq, name, kind, agentName, input, out
	ev.DurationMs = dur.Milliseconds()
	r.publish(ctx, ev)
	return nil
}
