package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/maestro/internal/expr"
	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/template"
	"golang.org/x/sync/errgroup"
)

// execStep runs one step: resolve input, perform the primary action, pick
// the next state.
func (r *run) execStep(ctx context.Context, idx int) (string, error) {
	s := &r.tpl.Steps[idx]
	kind := s.Kind()
	agentName := primaryAgent(s)

	r.seq++
	seq := r.seq
	start := time.Now()

	ev := r.event(EventStepStarted)
	ev.Seq, ev.Step, ev.Kind, ev.Agent = seq, s.Name, kind, agentName
	r.publish(ctx, ev)
	slog.Debug("step started", "run", r.id, "step", s.Name, "kind", kind)

	input, output, next, err := r.stepBody(ctx, idx)
	dur := time.Since(start)

	if err != nil {
		r.failedStep = s.Name
		err = wrapStep(s.Name, err)
		ev := r.event(EventStepFailed)
		ev.Seq, ev.Step, ev.Kind, ev.Agent, ev.Input = seq, s.Name, kind, agentName, input
		ev.Error = err.Error()
		ev.DurationMs = dur.Milliseconds()
		r.publish(ctx, ev)
		return "", err
	}

	r.outputs[s.Name] = output
	r.current = output
	r.steps = append(r.steps, StepRecord{
		Seq: seq, Name: s.Name, Kind: kind, Agent: agentName,
		Input: input, Output: output, Next: next, Duration: dur,
	})

	ev = r.event(EventStepCompleted)
	ev.Seq, ev.Step, ev.Kind, ev.Agent = seq, s.Name, kind, agentName
	ev.Input, ev.Output, ev.Next = input, output, next
	ev.DurationMs = dur.Milliseconds()
	r.publish(ctx, ev)
	slog.Debug("step completed", "run", r.id, "step", s.Name, "next", next, "duration", dur)
	return next, nil
}

func (r *run) stepBody(ctx context.Context, idx int) (input, output, next string, err error) {
	s := &r.tpl.Steps[idx]

	input, err = r.resolveInput(s)
	if err != nil {
		return input, "", "", err
	}
	extra, err := r.resolveContext(s)
	if err != nil {
		return input, "", "", err
	}

	switch s.Kind() {
	case manifest.StepAgent:
		output, err = r.invoke(ctx, s.Agent, input, extra)
		r.items = nil
	case manifest.StepInput:
		output = r.renderInput(s)
		r.items = nil
	case manifest.StepLoop:
		output, err = r.loop(ctx, s, input, extra)
		r.items = nil
	case manifest.StepParallel:
		output, err = r.parallel(ctx, s, input, extra)
	default:
		output = input
	}
	if err != nil {
		return input, "", "", err
	}

	next, err = r.next(idx, output)
	return input, output, next, err
}

func primaryAgent(s *manifest.Step) string {
	switch {
	case s.Agent != "":
		return s.Agent
	case s.Loop != nil:
		return s.Loop.Agent
	case len(s.Parallel) > 0:
		return strings.Join(s.Parallel, ",")
	}
	return ""
}

func wrapStep(step string, err error) error {
	var (
		ce *ConditionError
		ie *InputError
		ue *UnknownStepError
		se *StepError
	)
	if errors.As(err, &ce) || errors.As(err, &ie) || errors.As(err, &se) {
		return err
	}
	if errors.As(err, &ue) {
		if ue.Step == "" {
			ue.Step = step
		}
		return err
	}
	return &StepError{Step: step, Err: err}
}

// lookup returns a completed step's output. "prompt" names the running
// prompt unless a step of that name exists.
func (r *run) lookup(name string) (string, bool) {
	if out, ok := r.outputs[name]; ok {
		return out, true
	}
	if name == "prompt" {
		return r.current, true
	}
	return "", false
}

func (r *run) resolveInput(s *manifest.Step) (string, error) {
	if len(s.Inputs) == 0 {
		return r.current, nil
	}
	parts := make([]string, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		out, ok := r.lookup(in.From)
		if !ok {
			return "", &InputError{Step: s.Name, From: in.From}
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (r *run) resolveContext(s *manifest.Step) ([]string, error) {
	if len(s.Context) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(s.Context))
	for _, item := range s.Context {
		if item.From == "" {
			out = append(out, item.Text)
			continue
		}
		v, ok := r.lookup(item.From)
		if !ok {
			return nil, &InputError{Step: s.Name, From: item.From}
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *run) bindings(step string) map[string]string {
	b := make(map[string]string, len(r.outputs)+len(builtinBindings))
	for k, v := range r.outputs {
		b[k] = v
	}
	b["CONNECTOR"] = r.current
	b["input"] = r.current
	b["prompt"] = r.prompt
	b["num_agents"] = strconv.Itoa(len(r.wf.Spec.Template.Agents))
	b["agent_list"] = strings.Join(r.wf.Spec.Template.Agents, ", ")
	b["workflow"] = r.wf.Name()
	b["step"] = step
	return b
}

func (r *run) render(step, tpl string, b map[string]string) string {
	out, unresolved := template.Render(tpl, b)
	if len(unresolved) > 0 {
		slog.Warn("template has unresolved placeholders", "run", r.id, "step", step, "error", template.Warning(unresolved))
	}
	return out
}

// renderInput renders input.prompt, then formats it into input.template
// where {prompt} names the rendered prompt.
func (r *run) renderInput(s *manifest.Step) string {
	b := r.bindings(s.Name)
	p := r.render(s.Name, s.Input.Prompt, b)
	if s.Input.Template == "" {
		return p
	}
	b["prompt"] = p
	return r.render(s.Name, s.Input.Template, b)
}

func (r *run) invoke(ctx context.Context, name, input string, extra []string) (string, error) {
	a, err := r.agent(name)
	if err != nil {
		return "", err
	}
	return r.e.invoker.Invoke(ctx, a, input, extra)
}

func (r *run) loop(ctx context.Context, s *manifest.Step, input string, extra []string) (string, error) {
	until, err := expr.Compile(s.Loop.Until)
	if err != nil {
		return "", err
	}
	a, err := r.agent(s.Loop.Agent)
	if err != nil {
		return "", err
	}

	out := input
	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err = r.e.invoker.Invoke(ctx, a, out, extra)
		if err != nil {
			return "", fmt.Errorf("iteration %d: %w", i, err)
		}
		done, err := until.Test(out)
		if err != nil {
			return "", err
		}
		if done {
			slog.Debug("loop finished", "run", r.id, "step", s.Name, "iterations", i)
			return out, nil
		}
		if limit := r.e.opts.LoopLimit; limit > 0 && i >= limit {
			slog.Warn("loop limit reached", "run", r.id, "step", s.Name, "iterations", i, "until", s.Loop.Until)
			return out, nil
		}
	}
}

// parallel invokes every listed agent with the same input and waits for all
// of them. Outputs keep declaration order; any branch failure fails the step.
func (r *run) parallel(ctx context.Context, s *manifest.Step, input string, extra []string) (string, error) {
	agents := make([]*manifest.Agent, len(s.Parallel))
	for i, name := range s.Parallel {
		a, err := r.agent(name)
		if err != nil {
			return "", err
		}
		agents[i] = a
	}

	outputs := make([]string, len(agents))
	errs := make([]error, len(agents))

	var g errgroup.Group
	if n := r.e.opts.MaxParallel; n > 0 {
		g.SetLimit(n)
	}
	for i, a := range agents {
		g.Go(func() error {
			out, err := r.e.invoker.Invoke(ctx, a, input, extra)
			if err != nil {
				errs[i] = fmt.Errorf("branch %q: %w", a.Name(), err)
				return nil
			}
			outputs[i] = out
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return "", err
	}

	items := make([]Item, len(agents))
	for i, a := range agents {
		items[i] = Item{Agent: a.Name(), Output: outputs[i]}
	}
	r.items = items

	data, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("encode parallel outputs: %w", err)
	}
	return string(data), nil
}

// next picks the state after step idx produced output.
func (r *run) next(idx int, output string) (string, error) {
	s := &r.tpl.Steps[idx]

	if len(s.Condition) == 0 {
		if s.Kind() == manifest.StepExit {
			return StateExit, nil
		}
		if idx+1 < len(r.tpl.Steps) {
			return r.tpl.Steps[idx+1].Name, nil
		}
		return StateExit, nil
	}

	target, err := r.choose(s, output)
	if err != nil {
		return "", err
	}
	if r.tpl.StepIndex(target) < 0 {
		return "", &UnknownStepError{Step: s.Name, Target: target}
	}
	return target, nil
}

// choose evaluates condition clauses in order; the first match wins. An
// evaluator error jumps to the default clause when one exists.
func (r *run) choose(s *manifest.Step, output string) (string, error) {
	fallback := func(src string, err error) (string, error) {
		for _, c := range s.Condition {
			if c.Default != "" {
				slog.Warn("condition failed, taking default", "run", r.id, "step", s.Name, "expr", src, "error", err)
				return c.Default, nil
			}
		}
		return "", &ConditionError{Step: s.Name, Expr: src, Err: err}
	}

	for _, c := range s.Condition {
		switch {
		case c.If != "":
			ok, err := expr.Evaluate(c.If, output)
			if err != nil {
				return fallback(c.If, err)
			}
			if ok {
				return c.Then, nil
			}
			if c.Else != "" {
				return c.Else, nil
			}
		case c.Case != "":
			ok, err := expr.Evaluate(c.Case, output)
			if err != nil {
				return fallback(c.Case, err)
			}
			if ok {
				return c.Do, nil
			}
		case c.Default != "":
			return c.Default, nil
		}
	}
	return "", &ConditionError{Step: s.Name}
}
