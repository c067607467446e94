package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

type agentSet map[string]*manifest.Agent

func (s agentSet) Resolve(name string) (*manifest.Agent, error) {
	a, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
}

type call struct {
	agent   string
	input   string
	context []string
}

// scripted is a fake invoker whose agents are plain functions.
type scripted struct {
	mu    sync.Mutex
	fns   map[string]func(input string) (string, error)
	calls []call
}

func newScripted(fns map[string]func(string) (string, error)) *scripted {
	return &scripted{fns: fns}
}

func (s *scripted) Invoke(ctx context.Context, a *manifest.Agent, input string, extra []string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{agent: a.Name(), input: input, context: extra})
	fn := s.fns[a.Name()]
	s.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("no script for %s", a.Name())
	}
	return fn(input)
}

func (s *scripted) agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.agent
	}
	return out
}

func agentsFor(names ...string) agentSet {
	set := agentSet{}
	for _, n := range names {
		set[n] = &manifest.Agent{
			APIVersion: manifest.APIVersion,
			Kind:       manifest.KindAgent,
			Metadata:   manifest.Metadata{Name: n},
			Spec:       manifest.AgentSpec{Model: "test"},
		}
	}
	return set
}

func newWorkflow(agents []string, prompt string, steps ...manifest.Step) *manifest.Workflow {
	return &manifest.Workflow{
		APIVersion: manifest.APIVersion,
		Kind:       manifest.KindWorkflow,
		Metadata:   manifest.Metadata{Name: "test"},
		Spec: manifest.WorkflowSpec{Template: manifest.Template{
			Agents: agents,
			Prompt: prompt,
			Steps:  steps,
		}},
	}
}

func constant(out string) func(string) (string, error) {
	return func(string) (string, error) { return out, nil }
}

func TestSequentialOrder(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a": func(in string) (string, error) { return in + "a", nil },
		"b": func(in string) (string, error) { return in + "b", nil },
		"c": func(in string) (string, error) { return in + "c", nil },
	})
	wf := newWorkflow([]string{"a", "b", "c"}, ">",
		manifest.Step{Name: "one", Agent: "a"},
		manifest.Step{Name: "two", Agent: "b"},
		manifest.Step{Name: "three", Agent: "c"},
	)

	res, err := NewEngine(agentsFor("a", "b", "c"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := res.Path(); !reflect.DeepEqual(got, []string{"one", "two", "three"}) {
		t.Errorf("expected declaration order, got %v", got)
	}
	if res.Output != ">abc" {
		t.Errorf("expected final output '>abc', got %q", res.Output)
	}
	if res.Output != res.Steps[len(res.Steps)-1].Output {
		t.Error("expected final output to equal last step output")
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", res.Status)
	}
	if res.RunID == "" {
		t.Error("expected run id")
	}
}

func TestGotFiveScenario(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"A": constant("5"),
		"B": func(in string) (string, error) { return "got:" + in, nil },
	})
	wf := newWorkflow([]string{"A", "B"}, "start",
		manifest.Step{Name: "A", Agent: "A"},
		manifest.Step{Name: "B", Agent: "B"},
	)
	res, err := NewEngine(agentsFor("A", "B"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "got:5" {
		t.Errorf("expected 'got:5', got %q", res.Output)
	}
	if inv.calls[0].input != "start" {
		t.Errorf("expected first step to receive the workflow prompt, got %q", inv.calls[0].input)
	}
}

func TestPromptOverride(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a": func(in string) (string, error) { return in, nil },
	})
	wf := newWorkflow([]string{"a"}, "default", manifest.Step{Name: "one", Agent: "a"})
	res, err := NewEngine(agentsFor("a"), inv, Options{}).Run(context.Background(), wf, "override")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "override" {
		t.Errorf("expected override prompt, got %q", res.Output)
	}
}

func conditionWorkflow(out string) (*manifest.Workflow, *scripted) {
	inv := newScripted(map[string]func(string) (string, error){
		"probe": constant(out),
		"x":     constant("took X"),
		"y":     constant("took Y"),
	})
	wf := newWorkflow([]string{"probe", "x", "y"}, "",
		manifest.Step{Name: "probe", Agent: "probe", Condition: []manifest.Condition{
			{If: "input.find('hot') != -1", Then: "X"},
			{Default: "Y"},
		}},
		manifest.Step{Name: "X", Agent: "x"},
		manifest.Step{Name: "end", Condition: nil},
		manifest.Step{Name: "Y", Agent: "y"},
	)
	return wf, inv
}

func TestConditionScenario(t *testing.T) {
	tests := []struct {
		output string
		next   string
		path   []string
	}{
		{"it is hot today", "X", []string{"probe", "X", "end"}},
		{"cold", "Y", []string{"probe", "Y"}},
	}
	for _, tt := range tests {
		wf, inv := conditionWorkflow(tt.output)
		res, err := NewEngine(agentsFor("probe", "x", "y"), inv, Options{}).Run(context.Background(), wf, "")
		if err != nil {
			t.Fatalf("run with %q: %v", tt.output, err)
		}
		if res.Steps[0].Next != tt.next {
			t.Errorf("input %q: expected next %q, got %q", tt.output, tt.next, res.Steps[0].Next)
		}
		if !reflect.DeepEqual(res.Path(), tt.path) {
			t.Errorf("input %q: expected path %v, got %v", tt.output, tt.path, res.Path())
		}
	}
}

func TestConditionIfElse(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"probe": constant("no"),
		"x":     constant("x"),
		"y":     constant("y"),
	})
	wf := newWorkflow([]string{"probe", "x", "y"}, "",
		manifest.Step{Name: "probe", Agent: "probe", Condition: []manifest.Condition{
			{If: "input == 'yes'", Then: "X", Else: "Y"},
			{Default: "X"},
		}},
		manifest.Step{Name: "X", Agent: "x"},
		manifest.Step{Name: "Y", Agent: "y"},
	)
	res, err := NewEngine(agentsFor("probe", "x", "y"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Steps[0].Next != "Y" {
		t.Errorf("expected else branch Y, got %s", res.Steps[0].Next)
	}
}

func TestConditionCaseFirstMatchWins(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"probe": constant("blue sky"),
		"x":     constant("x"),
	})
	wf := newWorkflow([]string{"probe", "x"}, "",
		manifest.Step{Name: "probe", Agent: "probe", Condition: []manifest.Condition{
			{Case: "input.startswith('red')", Do: "red"},
			{Case: "'sky' in input", Do: "sky"},
			{Case: "input.startswith('blue')", Do: "blue"},
		}},
		manifest.Step{Name: "red", Agent: "x"},
		manifest.Step{Name: "sky"},
		manifest.Step{Name: "blue", Agent: "x"},
	)
	res, err := NewEngine(agentsFor("probe", "x"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(res.Path(), []string{"probe", "sky"}) {
		t.Errorf("expected path [probe sky], got %v", res.Path())
	}
	if res.Output != "blue sky" {
		t.Errorf("expected exit marker to pass output through, got %q", res.Output)
	}
}

func TestConditionNoMatch(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"probe": constant("cold")})
	wf := newWorkflow([]string{"probe"}, "",
		manifest.Step{Name: "probe", Agent: "probe", Condition: []manifest.Condition{
			{If: "input == 'hot'", Then: "probe"},
		}},
	)
	res, err := NewEngine(agentsFor("probe"), inv, Options{}).Run(context.Background(), wf, "")
	var ce *ConditionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConditionError, got %v", err)
	}
	if ce.Step != "probe" {
		t.Errorf("expected step probe, got %s", ce.Step)
	}
	if res == nil || res.Status != StatusFailed {
		t.Errorf("expected failed result, got %+v", res)
	}
}

func TestConditionEvaluatorErrorFallsToDefault(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"probe": constant("abc")})
	wf := newWorkflow([]string{"probe"}, "",
		manifest.Step{Name: "probe", Agent: "probe", Condition: []manifest.Condition{
			{If: "input > 3", Then: "probe"},
			{Default: "done"},
		}},
		manifest.Step{Name: "done"},
	)
	res, err := NewEngine(agentsFor("probe"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Steps[0].Next != "done" {
		t.Errorf("expected default target, got %s", res.Steps[0].Next)
	}

	wf.Spec.Template.Steps[0].Condition = wf.Spec.Template.Steps[0].Condition[:1]
	_, err = NewEngine(agentsFor("probe"), inv, Options{}).Run(context.Background(), wf, "")
	var ce *ConditionError
	if !errors.As(err, &ce) || ce.Err == nil {
		t.Fatalf("expected ConditionError wrapping evaluator error, got %v", err)
	}
}

func TestLoopUntilTrueFirstIteration(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"w": constant("sunny")})
	wf := newWorkflow([]string{"w"}, "",
		manifest.Step{Name: "poll", Loop: &manifest.Loop{Agent: "w", Until: "input.find('sunny') != -1"}},
	)
	res, err := NewEngine(agentsFor("w"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inv.calls) != 1 {
		t.Errorf("expected exactly one invocation, got %d", len(inv.calls))
	}
	if res.Output != "sunny" {
		t.Errorf("expected output sunny, got %q", res.Output)
	}
}

func TestLoopFeedsRunningOutput(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"inc": func(in string) (string, error) { return in + "x", nil },
	})
	wf := newWorkflow([]string{"inc"}, "",
		manifest.Step{Name: "grow", Loop: &manifest.Loop{Agent: "inc", Until: "len(input) >= 4"}},
	)
	res, err := NewEngine(agentsFor("inc"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "xxxx" {
		t.Errorf("expected xxxx, got %q", res.Output)
	}
	if len(inv.calls) != 4 {
		t.Errorf("expected 4 iterations, got %d", len(inv.calls))
	}
}

func TestLoopLimit(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"w": constant("rain")})
	wf := newWorkflow([]string{"w"}, "",
		manifest.Step{Name: "poll", Loop: &manifest.Loop{Agent: "w", Until: "input == 'sun'"}},
	)
	res, err := NewEngine(agentsFor("w"), inv, Options{LoopLimit: 3}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inv.calls) != 3 {
		t.Errorf("expected 3 iterations, got %d", len(inv.calls))
	}
	if res.Output != "rain" {
		t.Errorf("expected last output, got %q", res.Output)
	}
}

func TestLoopThenCondition(t *testing.T) {
	n := 0
	inv := newScripted(map[string]func(string) (string, error){
		"w": func(string) (string, error) {
			n++
			return fmt.Sprintf("try %d", n), nil
		},
	})
	wf := newWorkflow([]string{"w"}, "",
		manifest.Step{
			Name:      "poll",
			Loop:      &manifest.Loop{Agent: "w", Until: "input == 'try 2'"},
			Condition: []manifest.Condition{{If: "input == 'try 2'", Then: "ok"}, {Default: "bad"}},
		},
		manifest.Step{Name: "bad"},
		manifest.Step{Name: "ok"},
	)
	res, err := NewEngine(agentsFor("w"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(res.Path(), []string{"poll", "ok"}) {
		t.Errorf("expected condition on final loop output, got path %v", res.Path())
	}
}

func TestParallelDeclarationOrder(t *testing.T) {
	delays := map[string]time.Duration{"slow": 60 * time.Millisecond, "mid": 30 * time.Millisecond, "fast": 0}
	fns := map[string]func(string) (string, error){}
	for name, d := range delays {
		fns[name] = func(in string) (string, error) {
			time.Sleep(d)
			return name + ":" + in, nil
		}
	}
	inv := newScripted(fns)
	wf := newWorkflow([]string{"slow", "mid", "fast"}, "go",
		manifest.Step{Name: "fan", Parallel: []string{"slow", "mid", "fast"}},
	)

	res, err := NewEngine(agentsFor("slow", "mid", "fast"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []Item{{"slow", "slow:go"}, {"mid", "mid:go"}, {"fast", "fast:go"}}
	if !reflect.DeepEqual(res.Items, want) {
		t.Errorf("expected items %v, got %v", want, res.Items)
	}
	var outputs []string
	if err := json.Unmarshal([]byte(res.Output), &outputs); err != nil {
		t.Fatalf("expected JSON array output, got %q: %v", res.Output, err)
	}
	if !reflect.DeepEqual(outputs, []string{"slow:go", "mid:go", "fast:go"}) {
		t.Errorf("unexpected outputs %v", outputs)
	}
}

func TestParallelRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	fn := func(string) (string, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	}
	inv := newScripted(map[string]func(string) (string, error){"a": fn, "b": fn, "c": fn, "d": fn})
	wf := newWorkflow([]string{"a", "b", "c", "d"}, "",
		manifest.Step{Name: "fan", Parallel: []string{"a", "b", "c", "d"}},
	)

	if _, err := NewEngine(agentsFor("a", "b", "c", "d"), inv, Options{MaxParallel: 2}).Run(context.Background(), wf, ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent branches, got %d", peak)
	}
	if peak < 2 {
		t.Errorf("expected branches to overlap, peak was %d", peak)
	}
}

func TestParallelBarrierFailure(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"ok":   constant("fine"),
		"bad1": func(string) (string, error) { return "", errors.New("boom one") },
		"bad2": func(string) (string, error) { return "", errors.New("boom two") },
		"next": constant("never"),
	})
	wf := newWorkflow([]string{"ok", "bad1", "bad2", "next"}, "",
		manifest.Step{Name: "fan", Parallel: []string{"ok", "bad1", "bad2"}},
		manifest.Step{Name: "after", Agent: "next"},
	)
	_, err := NewEngine(agentsFor("ok", "bad1", "bad2", "next"), inv, Options{}).Run(context.Background(), wf, "")
	if err == nil {
		t.Fatal("expected parallel step to fail")
	}
	if !strings.Contains(err.Error(), "boom one") || !strings.Contains(err.Error(), "boom two") {
		t.Errorf("expected both branch errors, got %v", err)
	}
	for _, a := range inv.agents() {
		if a == "next" {
			t.Error("expected run to stop at the failed parallel step")
		}
	}
	if len(inv.calls) != 3 {
		t.Errorf("expected every branch to complete before failing, got %d calls", len(inv.calls))
	}
}

func TestInputStep(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a":    constant("5"),
		"echo": func(in string) (string, error) { return in, nil },
	})
	wf := newWorkflow([]string{"a", "echo"}, "question",
		manifest.Step{Name: "first", Agent: "a"},
		manifest.Step{Name: "format", Input: &manifest.Input{
			Prompt:   "value {CONNECTOR} for {prompt}",
			Template: "[{prompt}] via {workflow}/{step} {missing}",
		}},
		manifest.Step{Name: "last", Agent: "echo"},
	)
	res, err := NewEngine(agentsFor("a", "echo"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "[value 5 for question] via test/format {missing}"
	if res.Outputs["format"] != want {
		t.Errorf("expected %q, got %q", want, res.Outputs["format"])
	}
	if res.Output != want {
		t.Errorf("expected next step to receive rendered input, got %q", res.Output)
	}
	if len(inv.calls) != 2 {
		t.Errorf("expected input step not to invoke an agent, got %d calls", len(inv.calls))
	}
}

func TestInputsFanInAndContext(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a": constant("alpha"),
		"b": constant("beta"),
		"c": func(in string) (string, error) { return in, nil },
	})
	wf := newWorkflow([]string{"a", "b", "c"}, "p",
		manifest.Step{Name: "A", Agent: "a"},
		manifest.Step{Name: "B", Agent: "b"},
		manifest.Step{
			Name:    "C",
			Agent:   "c",
			Inputs:  []manifest.InputRef{{From: "A"}, {From: "B"}},
			Context: []manifest.ContextItem{{Text: "be brief"}, {From: "A"}, {From: "prompt"}},
		},
	)
	res, err := NewEngine(agentsFor("a", "b", "c"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "alpha\n\nbeta" {
		t.Errorf("expected fan-in joined with blank line, got %q", res.Output)
	}
	last := inv.calls[2]
	if !reflect.DeepEqual(last.context, []string{"be brief", "alpha", "beta"}) {
		t.Errorf("unexpected context %v", last.context)
	}
}

func TestInputErrorIsFatal(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"a": constant("x")})
	wf := newWorkflow([]string{"a"}, "",
		manifest.Step{Name: "A", Agent: "a", Inputs: []manifest.InputRef{{From: "later"}}},
		manifest.Step{Name: "later", Agent: "a"},
	)
	_, err := NewEngine(agentsFor("a"), inv, Options{}).Run(context.Background(), wf, "")
	var ie *InputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InputError, got %v", err)
	}
	if ie.From != "later" {
		t.Errorf("expected missing source 'later', got %q", ie.From)
	}
	if len(inv.calls) != 0 {
		t.Error("expected no invocation")
	}
}

func TestUnknownAgentFatalOnlyWhenReached(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"a": constant("fine")})
	wf := newWorkflow([]string{"a", "ghost"}, "",
		manifest.Step{Name: "A", Agent: "a", Condition: []manifest.Condition{{Default: "done"}}},
		manifest.Step{Name: "haunted", Agent: "ghost"},
		manifest.Step{Name: "done"},
	)
	eng := NewEngine(agentsFor("a"), inv, Options{})
	if _, err := eng.Run(context.Background(), wf, ""); err != nil {
		t.Fatalf("expected unreached unknown agent to be harmless, got %v", err)
	}

	wf.Spec.Template.Steps[0].Condition = []manifest.Condition{{Default: "haunted"}}
	_, err := eng.Run(context.Background(), wf, "")
	var se *StepError
	if !errors.As(err, &se) || se.Step != "haunted" {
		t.Fatalf("expected StepError at haunted, got %v", err)
	}
}

func TestExceptionHandled(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a":       func(string) (string, error) { return "", errors.New("model timeout") },
		"handler": func(in string) (string, error) { return "handled: " + in, nil },
	})
	wf := newWorkflow([]string{"a", "handler"}, "",
		manifest.Step{Name: "A", Agent: "a"},
		manifest.Step{Name: "B", Agent: "a"},
	)
	wf.Spec.Template.Exception = &manifest.Exception{Name: "fallback", Agent: "handler"}

	res, err := NewEngine(agentsFor("a", "handler"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("expected recovered run, got %v", err)
	}
	if res.Status != StatusRecovered {
		t.Errorf("expected status recovered, got %s", res.Status)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "model timeout") {
		t.Errorf("expected original error on result, got %v", res.Err)
	}
	if got := inv.agents(); !reflect.DeepEqual(got, []string{"a", "handler"}) {
		t.Errorf("expected handler invoked exactly once after A, got %v", got)
	}
	in := inv.calls[1].input
	if !strings.Contains(in, "step: A") || !strings.Contains(in, "model timeout") {
		t.Errorf("expected error context in handler input, got %q", in)
	}
	if !strings.HasPrefix(res.Output, "handled: ") {
		t.Errorf("expected handler output, got %q", res.Output)
	}
	if last := res.Steps[len(res.Steps)-1]; last.Name != "fallback" || last.Kind != KindException {
		t.Errorf("expected exception record last, got %+v", last)
	}
}

func TestExceptionHandlerFails(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a":       func(string) (string, error) { return "", errors.New("first failure") },
		"handler": func(string) (string, error) { return "", errors.New("handler failure") },
	})
	wf := newWorkflow([]string{"a", "handler"}, "", manifest.Step{Name: "A", Agent: "a"})
	wf.Spec.Template.Exception = &manifest.Exception{Agent: "handler"}

	res, err := NewEngine(agentsFor("a", "handler"), inv, Options{}).Run(context.Background(), wf, "")
	var ee *ExceptionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExceptionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "first failure") || !strings.Contains(err.Error(), "handler failure") {
		t.Errorf("expected both errors in message, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", res.Status)
	}
	if n := len(inv.calls); n != 2 {
		t.Errorf("expected handler attempted exactly once, got %d calls", n)
	}
}

func TestConditionErrorRoutedToException(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"probe":   constant("cold"),
		"handler": constant("recovered"),
	})
	wf := newWorkflow([]string{"probe", "handler"}, "",
		manifest.Step{Name: "probe", Agent: "probe", Condition: []manifest.Condition{{If: "input == 'hot'", Then: "probe"}}},
	)
	wf.Spec.Template.Exception = &manifest.Exception{Agent: "handler"}
	res, err := NewEngine(agentsFor("probe", "handler"), inv, Options{}).Run(context.Background(), wf, "")
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	var ce *ConditionError
	if !errors.As(res.Err, &ce) {
		t.Errorf("expected ConditionError as cause, got %v", res.Err)
	}
}

func TestMaxTransitions(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){"a": constant("again")})
	wf := newWorkflow([]string{"a"}, "",
		manifest.Step{Name: "spin", Agent: "a", Condition: []manifest.Condition{{Default: "spin"}}},
	)
	_, err := NewEngine(agentsFor("a"), inv, Options{MaxTransitions: 5}).Run(context.Background(), wf, "")
	if !errors.Is(err, ErrMaxTransitions) {
		t.Fatalf("expected ErrMaxTransitions, got %v", err)
	}
	if len(inv.calls) != 5 {
		t.Errorf("expected 5 invocations, got %d", len(inv.calls))
	}
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := newScripted(map[string]func(string) (string, error){
		"a": func(string) (string, error) {
			cancel()
			return "x", nil
		},
		"handler": constant("should not run"),
	})
	wf := newWorkflow([]string{"a", "handler"}, "",
		manifest.Step{Name: "one", Agent: "a"},
		manifest.Step{Name: "two", Agent: "a"},
	)
	wf.Spec.Template.Exception = &manifest.Exception{Agent: "handler"}
	_, err := NewEngine(agentsFor("a", "handler"), inv, Options{}).Run(ctx, wf, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(inv.calls) != 1 {
		t.Errorf("expected no further invocations after cancel, got %d", len(inv.calls))
	}
}

func TestAgentsResolvedOncePerRun(t *testing.T) {
	set := agentsFor("a")
	inv := newScripted(map[string]func(string) (string, error){
		"a": func(string) (string, error) {
			delete(set, "a")
			return "x", nil
		},
	})
	wf := newWorkflow([]string{"a"}, "",
		manifest.Step{Name: "one", Agent: "a"},
		manifest.Step{Name: "two", Agent: "a"},
	)
	if _, err := NewEngine(set, inv, Options{}).Run(context.Background(), wf, ""); err != nil {
		t.Fatalf("expected run to keep its resolved agents, got %v", err)
	}
}

func TestPublishedEvents(t *testing.T) {
	var mu sync.Mutex
	var types []EventType
	pub := PublisherFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	inv := newScripted(map[string]func(string) (string, error){"a": constant("x")})
	wf := newWorkflow([]string{"a"}, "", manifest.Step{Name: "one", Agent: "a"})

	if _, err := NewEngine(agentsFor("a"), inv, Options{}, pub).Run(context.Background(), wf, ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []EventType{EventRunStarted, EventStepStarted, EventStepCompleted, EventRunCompleted}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("expected events %v, got %v", want, types)
	}
}

func TestRunEvent(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"watch": func(in string) (string, error) { return "seen " + in, nil },
		"act":   func(in string) (string, error) { return "acted on " + in, nil },
	})
	wf := newWorkflow([]string{"watch", "act"}, "",
		manifest.Step{Name: "first", Agent: "watch"},
		manifest.Step{Name: "react", Agent: "act"},
	)
	wf.Spec.Template.Event = &manifest.Event{Cron: "* * * * *", Name: "tick", Agent: "watch", Steps: []string{"react"}}

	res, err := NewEngine(agentsFor("watch", "act"), inv, Options{}).RunEvent(context.Background(), wf, "news")
	if err != nil {
		t.Fatalf("run event: %v", err)
	}
	if res.Output != "acted on seen news" {
		t.Errorf("unexpected output %q", res.Output)
	}
	if !reflect.DeepEqual(res.Path(), []string{"tick", "react"}) {
		t.Errorf("unexpected path %v", res.Path())
	}
}

func TestRunStepsSubset(t *testing.T) {
	inv := newScripted(map[string]func(string) (string, error){
		"a": func(in string) (string, error) { return in + "a", nil },
		"b": func(in string) (string, error) { return in + "b", nil },
	})
	wf := newWorkflow([]string{"a", "b"}, "",
		manifest.Step{Name: "A", Agent: "a"},
		manifest.Step{Name: "B", Agent: "b"},
		manifest.Step{Name: "C", Agent: "a"},
	)
	res, err := NewEngine(agentsFor("a", "b"), inv, Options{}).RunSteps(context.Background(), wf, []string{"C", "B"}, "-")
	if err != nil {
		t.Fatalf("run steps: %v", err)
	}
	if res.Output != "-ab" {
		t.Errorf("expected '-ab', got %q", res.Output)
	}

	_, err = NewEngine(agentsFor("a", "b"), inv, Options{}).RunSteps(context.Background(), wf, []string{"nope"}, "")
	var ue *UnknownStepError
	if !errors.As(err, &ue) {
		t.Errorf("expected UnknownStepError, got %v", err)
	}
}
