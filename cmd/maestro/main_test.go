package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/maestro/internal/agent"
	"github.com/mtzanidakis/maestro/internal/config"
	"github.com/mtzanidakis/maestro/internal/natsbus"
	"github.com/mtzanidakis/maestro/internal/store"
)

const testAgents = `apiVersion: maestro/v1alpha1
kind: Agent
metadata:
  name: upper
spec:
  model: lua
  framework: code
  code: |
    return string.upper(input)
---
apiVersion: maestro/v1alpha1
kind: Agent
metadata:
  name: exclaim
spec:
  model: lua
  framework: code
  code: |
    return input .. "!"
---
apiVersion: maestro/v1alpha1
kind: Agent
metadata:
  name: weather
spec:
  model: llama3.1
  framework: beeai
`

const testWorkflow = `apiVersion: maestro/v1alpha1
kind: Workflow
metadata:
  name: shout
spec:
  template:
    agents: [upper, exclaim]
    prompt: hello
    steps:
      - name: loud
        agent: upper
      - name: punct
        agent: exclaim
`

const dryRunWorkflow = `apiVersion: maestro/v1alpha1
kind: Workflow
metadata:
  name: forecast
spec:
  template:
    agents: [weather, ghost]
    prompt: is it sunny
    steps:
      - name: fetch
        agent: weather
      - name: retry
        loop:
          agent: ghost
          until: input == 'never'
      - name: check
        agent: weather
        condition:
          - if: input.find('sunny') != -1
            then: done
            else: fetch
      - name: done
    event:
      cron: "0 9 * * *"
      agent: weather
      exit: "True"
`

type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "store:\n  path: " + filepath.Join(dir, "data", "maestro.db") + "\n" +
		"nats:\n  port: -1\n  data_dir: " + filepath.Join(dir, "data", "nats") + "\n" +
		"log:\n  level: error\n"
	env := &testEnv{dir: dir, config: filepath.Join(dir, "maestro.yaml")}
	env.write(t, "maestro.yaml", cfg)
	t.Setenv("MAESTRO_STORE_PATH", "")
	t.Setenv("MAESTRO_LOG_LEVEL", "")
	return env
}

func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *testEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *testEnv) store(t *testing.T) *store.Store {
	t.Helper()
	cfg, err := config.LoadFile(e.config)
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.New(cfg.Store)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	code, out, _ := env.run(t, "version")
	if code != 0 || out != "maestro dev\n" {
		t.Errorf("unexpected version output %d %q", code, out)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	code, _, stderr := env.run(t, "bogus")
	if code == 0 || !strings.Contains(stderr, "unknown command") {
		t.Errorf("expected unknown command error, got %d %q", code, stderr)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	env := newTestEnv(t)
	code, _, stderr := env.run(t, "--log-level", "loud", "version")
	if code == 0 || !strings.Contains(stderr, "invalid log level") {
		t.Errorf("expected log level error, got %d %q", code, stderr)
	}
}

func TestRunCodeAgents(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", testWorkflow)

	code, out, stderr := env.run(t, "run", agents, wf)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if out != "HELLO!\n" {
		t.Errorf("expected HELLO!, got %q", out)
	}

	runs, err := env.store(t).ListRuns("shout", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].Output != "HELLO!" {
		t.Errorf("expected one recorded completed run, got %+v", runs)
	}
}

func TestRunPromptOverride(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", testWorkflow)

	code, out, _ := env.run(t, "run", "--no-store", "--prompt", "bye", agents, wf)
	if code != 0 || out != "BYE!\n" {
		t.Errorf("expected BYE!, got %d %q", code, out)
	}
}

func TestRunUnknownAgentFails(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", dryRunWorkflow)

	code, _, stderr := env.run(t, "run", agents, wf)
	if code == 0 {
		t.Fatal("expected failure for unknown agent")
	}
	if !strings.Contains(stderr, `unknown agent "ghost"`) {
		t.Errorf("expected unknown agent error, got %q", stderr)
	}
}

func TestRunDryRun(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", dryRunWorkflow)

	code, out, stderr := env.run(t, "run", "--dry-run", agents, wf)
	if code != 0 {
		t.Fatalf("expected dry run to succeed, got %d: %s", code, stderr)
	}
	// One line for the steps, one for the single event firing.
	if out != "is it sunny\nis it sunny\n" {
		t.Errorf("expected echoed prompt twice, got %q", out)
	}

	runs, err := env.store(t).ListRuns("forecast", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected run and event firing recorded, got %d", len(runs))
	}
	for _, r := range runs {
		if !r.DryRun {
			t.Errorf("expected dry run flag on %s", r.ID)
		}
	}
}

func TestRunDryRunToleratesConditions(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", `apiVersion: maestro/v1alpha1
kind: Workflow
metadata:
  name: picky
spec:
  template:
    agents: [upper]
    prompt: cloudy
    steps:
      - name: fetch
        agent: upper
        condition:
          - case: input == 'sunny'
            do: done
      - name: done
`)

	code, _, stderr := env.run(t, "run", "--dry-run", "--no-store", agents, wf)
	if code != 0 {
		t.Fatalf("expected dry run to succeed, got %d: %s", code, stderr)
	}
	code, _, stderr = env.run(t, "run", "--no-store", agents, wf)
	if code == 0 || !strings.Contains(stderr, "no condition matched") {
		t.Errorf("expected real run to fail on its condition, got %d %q", code, stderr)
	}
}

func TestRunDryRunToleratesSkippedInputs(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", `apiVersion: maestro/v1alpha1
kind: Workflow
metadata:
  name: branchy
spec:
  template:
    agents: [upper, exclaim]
    prompt: sunny
    steps:
      - name: fetch
        agent: upper
        condition:
          - if: input == 'SUNNY'
            then: sunny
          - default: other
      - name: sunny
        agent: exclaim
      - name: other
        agent: exclaim
      - name: summary
        agent: upper
        inputs:
          - from: sunny
`)

	code, _, stderr := env.run(t, "run", "--dry-run", "--no-store", agents, wf)
	if code != 0 {
		t.Fatalf("expected dry run to succeed, got %d: %s", code, stderr)
	}
	code, out, stderr := env.run(t, "run", "--no-store", agents, wf)
	if code != 0 {
		t.Fatalf("expected real run to succeed, got %d: %s", code, stderr)
	}
	if out != "SUNNY!\n" {
		t.Errorf("expected SUNNY!, got %q", out)
	}
}

func TestRunDryRunCapsConditionCycles(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", `apiVersion: maestro/v1alpha1
kind: Workflow
metadata:
  name: poller
spec:
  template:
    agents: [upper]
    prompt: pending
    steps:
      - name: poll
        agent: upper
        condition:
          - if: input == 'DONE'
            then: finish
          - default: poll
      - name: finish
`)

	code, out, stderr := env.run(t, "run", "--dry-run", "--no-store", agents, wf)
	if code != 0 {
		t.Fatalf("expected dry run to stop at the transition cap, got %d: %s", code, stderr)
	}
	if out != "pending\n" {
		t.Errorf("expected echoed prompt, got %q", out)
	}
}

func TestCreateAndRunStoredAgents(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", testWorkflow)

	code, out, stderr := env.run(t, "create", "--list", agents)
	if code != 0 {
		t.Fatalf("create failed: %s", stderr)
	}
	if !strings.Contains(out, "Saved 3 agents") || !strings.Contains(out, "exclaim") {
		t.Errorf("unexpected create output %q", out)
	}

	code, out, stderr = env.run(t, "run", "None", wf)
	if code != 0 {
		t.Fatalf("run with stored agents failed: %s", stderr)
	}
	if out != "HELLO!\n" {
		t.Errorf("expected HELLO!, got %q", out)
	}
}

func TestRunNoneWithoutStoredAgents(t *testing.T) {
	env := newTestEnv(t)
	wf := env.write(t, "workflow.yaml", testWorkflow)

	code, _, stderr := env.run(t, "run", "None", wf)
	if code == 0 || !strings.Contains(stderr, "unknown agent") {
		t.Errorf("expected unknown agent failure, got %d %q", code, stderr)
	}
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", testWorkflow)

	code, out, _ := env.run(t, "validate", agents, wf)
	if code != 0 {
		t.Fatalf("expected valid documents, got %q", out)
	}
	if !strings.Contains(out, "ok (3 agents, 0 workflows)") || !strings.Contains(out, "ok (0 agents, 1 workflows)") {
		t.Errorf("unexpected validate output %q", out)
	}

	bad := env.write(t, "bad.yaml", strings.Replace(testWorkflow, "agents: [upper, exclaim]", "agents: [upper]", 1))
	code, out, _ = env.run(t, "validate", bad)
	if code == 0 {
		t.Fatal("expected violations")
	}
	if !strings.Contains(out, `agent "exclaim" is not listed`) {
		t.Errorf("expected unlisted agent violation, got %q", out)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	path := env.write(t, "odd.yaml", "apiVersion: maestro/v1alpha1\nkind: Pipeline\n")
	code, out, _ := env.run(t, "validate", path)
	if code == 0 || !strings.Contains(out, `unknown kind "Pipeline"`) {
		t.Errorf("expected unknown kind violation, got %d %q", code, out)
	}
}

func TestMermaidCommand(t *testing.T) {
	env := newTestEnv(t)
	wf := env.write(t, "workflow.yaml", testWorkflow)

	code, out, _ := env.run(t, "mermaid", wf)
	if code != 0 || !strings.HasPrefix(out, "sequenceDiagram\n") {
		t.Errorf("expected sequence diagram, got %d %q", code, out)
	}

	code, out, _ = env.run(t, "mermaid", "--flowchart-lr", wf)
	if code != 0 || !strings.HasPrefix(out, "flowchart LR\n") {
		t.Errorf("expected LR flowchart, got %d %q", code, out)
	}

	code, _, _ = env.run(t, "mermaid", "--flowchart-lr", "--flowchart-td", wf)
	if code == 0 {
		t.Error("expected exclusive flag error")
	}
}

func TestSchemaCommand(t *testing.T) {
	env := newTestEnv(t)
	code, out, _ := env.run(t, "schema", "--kind", "agent")
	if code != 0 || !strings.Contains(out, `"title": "maestro Agent"`) {
		t.Errorf("expected agent schema, got %d %q", code, out)
	}

	code, _, _ = env.run(t, "schema", "--kind", "pipeline")
	if code == 0 {
		t.Error("expected unknown kind error")
	}
}

func TestRunBusAgentWithWorker(t *testing.T) {
	env := newTestEnv(t)
	agents := env.write(t, "agents.yaml", testAgents)
	wf := env.write(t, "workflow.yaml", `apiVersion: maestro/v1alpha1
kind: Workflow
metadata:
  name: report
spec:
  template:
    agents: [weather, upper]
    prompt: Athens
    steps:
      - name: fetch
        agent: weather
      - name: loud
        agent: upper
`)

	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Serve(ctx, client, "weather", func(_ context.Context, req agent.Request) (string, error) {
		return "sunny in " + req.Input, nil
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		probe, pcancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, err := client.Request(probe, natsbus.TopicAgentInput("weather"), []byte(`{"input":"x"}`))
		pcancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never answered: %v", err)
		}
	}

	code, out, stderr := env.run(t, "run", "--no-store", "--nats-url", bus.ClientURL(), agents, wf)
	if code != 0 {
		t.Fatalf("run failed: %s", stderr)
	}
	if out != "SUNNY IN ATHENS\n" {
		t.Errorf("expected worker output, got %q", out)
	}
}
