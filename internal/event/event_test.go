package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

type countTrigger struct {
	n    int
	errs []error
}

func (t *countTrigger) Wait(ctx context.Context) (time.Time, error) {
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return time.Time{}, err
	}
	if t.n == 0 {
		return time.Time{}, ErrTriggerDone
	}
	t.n--
	return time.Now(), nil
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []string
	fn     func(input string) (string, error)
}

func (r *fakeRunner) RunEvent(_ context.Context, wf *manifest.Workflow, input string) (*workflow.Result, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, input)
	r.mu.Unlock()
	out, err := r.fn(input)
	res := &workflow.Result{Workflow: wf.Name(), Output: out, Status: workflow.StatusCompleted}
	if err != nil {
		res.Status = workflow.StatusFailed
	}
	return res, err
}

func eventWorkflow(ev *manifest.Event) *manifest.Workflow {
	return &manifest.Workflow{
		APIVersion: manifest.APIVersion,
		Kind:       manifest.KindWorkflow,
		Metadata:   manifest.Metadata{Name: "watch"},
		Spec: manifest.WorkflowSpec{Template: manifest.Template{
			Agents: []string{"probe"},
			Steps:  []manifest.Step{{Name: "check", Agent: "probe"}},
			Event:  ev,
		}},
	}
}

func appendX(input string) (string, error) { return input + "x", nil }

func TestRunStopsOnExit(t *testing.T) {
	runner := &fakeRunner{fn: appendX}
	d := NewDispatcher(runner, time.Millisecond)
	wf := eventWorkflow(&manifest.Event{Cron: "* * * * *", Exit: "len(input) >= 3"})

	out, err := d.Run(context.Background(), wf, &countTrigger{n: 10}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Firings != 3 || out.Output != "xxx" {
		t.Errorf("expected 3 firings ending in xxx, got %d %q", out.Firings, out.Output)
	}
	if strings.Join(runner.inputs, ",") != ",x,xx" {
		t.Errorf("expected each firing to see the previous output, got %v", runner.inputs)
	}
	if out.Last == nil || out.Last.Output != "xxx" {
		t.Errorf("expected last result recorded, got %+v", out.Last)
	}
}

func TestRunWithoutExitUntilTriggerDone(t *testing.T) {
	d := NewDispatcher(&fakeRunner{fn: appendX}, time.Millisecond)
	wf := eventWorkflow(&manifest.Event{Cron: "* * * * *"})

	out, err := d.Run(context.Background(), wf, &countTrigger{n: 4}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Firings != 4 {
		t.Errorf("expected 4 firings, got %d", out.Firings)
	}
}

func TestRunFiringError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(&fakeRunner{fn: func(string) (string, error) { return "", boom }}, time.Millisecond)
	wf := eventWorkflow(&manifest.Event{Cron: "* * * * *"})

	out, err := d.Run(context.Background(), wf, &countTrigger{n: 3}, "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if out.Firings != 1 {
		t.Errorf("expected to stop after first firing, got %d", out.Firings)
	}
}

func TestRunRetriesTriggerErrors(t *testing.T) {
	d := NewDispatcher(&fakeRunner{fn: appendX}, time.Millisecond)
	wf := eventWorkflow(&manifest.Event{Cron: "* * * * *"})

	trig := &countTrigger{n: 1, errs: []error{fmt.Errorf("clock skew")}}
	out, err := d.Run(context.Background(), wf, trig, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Firings != 1 {
		t.Errorf("expected firing after retry, got %d", out.Firings)
	}
}

func TestRunExitEvaluationError(t *testing.T) {
	d := NewDispatcher(&fakeRunner{fn: appendX}, time.Millisecond)
	wf := eventWorkflow(&manifest.Event{Cron: "* * * * *", Exit: "input > 3"})

	if _, err := d.Run(context.Background(), wf, &countTrigger{n: 2}, ""); err == nil {
		t.Fatal("expected type error from exit expression")
	}

	wf = eventWorkflow(&manifest.Event{Cron: "* * * * *", Exit: "input ==="})
	if _, err := d.Run(context.Background(), wf, &countTrigger{n: 2}, ""); err == nil {
		t.Fatal("expected compile error from exit expression")
	}
}

func TestRunCancelled(t *testing.T) {
	d := NewDispatcher(&fakeRunner{fn: appendX}, time.Millisecond)
	wf := eventWorkflow(&manifest.Event{Cron: "0 0 1 1 *"})
	trig, err := TriggerFor(wf, false)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := d.Run(ctx, wf, trig, "seed")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if out.Firings != 0 || out.Output != "seed" {
		t.Errorf("expected no firings, got %+v", out)
	}
}

func TestRunNoEvent(t *testing.T) {
	d := NewDispatcher(&fakeRunner{fn: appendX}, 0)
	if _, err := d.Run(context.Background(), eventWorkflow(nil), &ImmediateTrigger{}, ""); err == nil {
		t.Fatal("expected error for workflow without event")
	}
}

func TestCronTriggerInterval(t *testing.T) {
	trig, err := NewCronTrigger("@every 20ms")
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	start := time.Now()
	if _, err := trig.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("expected to wait about 20ms, waited %v", elapsed)
	}
}

func TestCronTriggerInvalid(t *testing.T) {
	if _, err := NewCronTrigger("whenever"); err == nil {
		t.Fatal("expected error for invalid cron")
	}
}

func TestImmediateTrigger(t *testing.T) {
	var trig ImmediateTrigger
	if _, err := trig.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if _, err := trig.Wait(context.Background()); !errors.Is(err, ErrTriggerDone) {
		t.Fatalf("expected ErrTriggerDone, got %v", err)
	}
}

func TestTriggerFor(t *testing.T) {
	wf := eventWorkflow(&manifest.Event{Cron: "*/5 * * * *"})
	if trig, _ := TriggerFor(wf, true); trig == nil {
		t.Fatal("expected trigger")
	} else if _, ok := trig.(*ImmediateTrigger); !ok {
		t.Errorf("expected immediate trigger for dry runs, got %T", trig)
	}
	if trig, _ := TriggerFor(wf, false); trig == nil {
		t.Fatal("expected trigger")
	} else if _, ok := trig.(*CronTrigger); !ok {
		t.Errorf("expected cron trigger, got %T", trig)
	}
	if _, err := TriggerFor(eventWorkflow(nil), false); err == nil {
		t.Error("expected error without event")
	}
}

type agentSet map[string]*manifest.Agent

func (s agentSet) Resolve(name string) (*manifest.Agent, error) {
	if a, ok := s[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown agent %q", name)
}

func TestRunWithEngine(t *testing.T) {
	agents := agentSet{
		"probe":  {Metadata: manifest.Metadata{Name: "probe"}},
		"notify": {Metadata: manifest.Metadata{Name: "notify"}},
	}
	invoker := workflow.InvokerFunc(func(_ context.Context, a *manifest.Agent, input string, _ []string) (string, error) {
		if a.Name() == "probe" {
			return input + "p", nil
		}
		return input + "n", nil
	})
	engine := workflow.NewEngine(agents, invoker, workflow.Options{})

	wf := eventWorkflow(&manifest.Event{
		Cron:  "* * * * *",
		Agent: "probe",
		Steps: []string{"alert"},
		Exit:  "input.endswith('pnpn')",
	})
	wf.Spec.Template.Agents = []string{"probe", "notify"}
	wf.Spec.Template.Steps = append(wf.Spec.Template.Steps, manifest.Step{Name: "alert", Agent: "notify"})

	out, err := NewDispatcher(engine, time.Millisecond).Run(context.Background(), wf, &countTrigger{n: 5}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Firings != 2 || out.Output != "pnpn" {
		t.Errorf("expected 2 firings ending in pnpn, got %d %q", out.Firings, out.Output)
	}
}
