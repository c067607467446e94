package manifest

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// APIVersion is the only document version this build understands.
const APIVersion = "maestro/v1alpha1"

const (
	KindAgent    = "Agent"
	KindWorkflow = "Workflow"
)

type Framework string

const (
	FrameworkBeeAI  Framework = "beeai"
	FrameworkCrewAI Framework = "crewai"
	FrameworkOpenAI Framework = "openai"
	FrameworkRemote Framework = "remote"
	FrameworkCustom Framework = "custom"
	FrameworkCode   Framework = "code"
)

// Frameworks lists every supported framework tag.
var Frameworks = []Framework{
	FrameworkBeeAI, FrameworkCrewAI, FrameworkOpenAI,
	FrameworkRemote, FrameworkCustom, FrameworkCode,
}

func (f Framework) Valid() bool {
	for _, known := range Frameworks {
		if f == known {
			return true
		}
	}
	return false
}

type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

type AgentSpec struct {
	Model        string    `yaml:"model" json:"model"`
	Framework    Framework `yaml:"framework,omitempty" json:"framework,omitempty"`
	Mode         string    `yaml:"mode,omitempty" json:"mode,omitempty"`
	Description  string    `yaml:"description,omitempty" json:"description,omitempty"`
	Tools        []string  `yaml:"tools,omitempty" json:"tools,omitempty"`
	Instructions string    `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Code         string    `yaml:"code,omitempty" json:"code,omitempty"`
	Input        string    `yaml:"input,omitempty" json:"input,omitempty"`
	Output       string    `yaml:"output,omitempty" json:"output,omitempty"`
	URL          string    `yaml:"url,omitempty" json:"url,omitempty"`
}

// Agent is a named invocation target. Agents are immutable once loaded.
type Agent struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"`
	Kind       string    `yaml:"kind" json:"kind"`
	Metadata   Metadata  `yaml:"metadata" json:"metadata"`
	Spec       AgentSpec `yaml:"spec" json:"spec"`
}

func (a *Agent) Name() string { return a.Metadata.Name }

// Framework returns the agent's framework, defaulting to beeai when unset.
func (a *Agent) Framework() Framework {
	if a.Spec.Framework == "" {
		return FrameworkBeeAI
	}
	return a.Spec.Framework
}

type Workflow struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   Metadata     `yaml:"metadata" json:"metadata"`
	Spec       WorkflowSpec `yaml:"spec" json:"spec"`
}

func (w *Workflow) Name() string { return w.Metadata.Name }

type WorkflowSpec struct {
	Template Template `yaml:"template" json:"template"`
}

type Template struct {
	Agents    []string   `yaml:"agents,omitempty" json:"agents,omitempty"`
	Prompt    string     `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Steps     []Step     `yaml:"steps" json:"steps"`
	Event     *Event     `yaml:"event,omitempty" json:"event,omitempty"`
	Exception *Exception `yaml:"exception,omitempty" json:"exception,omitempty"`
}

// StepIndex returns the position of the named step, or -1.
func (t *Template) StepIndex(name string) int {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

func (t *Template) HasAgent(name string) bool {
	for _, a := range t.Agents {
		if a == name {
			return true
		}
	}
	return false
}

type Step struct {
	Name      string        `yaml:"name" json:"name"`
	Agent     string        `yaml:"agent,omitempty" json:"agent,omitempty"`
	Input     *Input        `yaml:"input,omitempty" json:"input,omitempty"`
	Inputs    []InputRef    `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Context   []ContextItem `yaml:"context,omitempty" json:"context,omitempty"`
	Loop      *Loop         `yaml:"loop,omitempty" json:"loop,omitempty"`
	Condition []Condition   `yaml:"condition,omitempty" json:"condition,omitempty"`
	Parallel  []string      `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

type StepKind string

const (
	StepAgent    StepKind = "agent"
	StepInput    StepKind = "input"
	StepLoop     StepKind = "loop"
	StepParallel StepKind = "parallel"
	StepExit     StepKind = "exit"
)

// Actions lists the primary actions declared on the step. A valid step
// declares at most one.
func (s *Step) Actions() []StepKind {
	var kinds []StepKind
	if s.Agent != "" {
		kinds = append(kinds, StepAgent)
	}
	if s.Input != nil {
		kinds = append(kinds, StepInput)
	}
	if s.Loop != nil {
		kinds = append(kinds, StepLoop)
	}
	if len(s.Parallel) > 0 {
		kinds = append(kinds, StepParallel)
	}
	return kinds
}

// Kind returns the step's primary action. A step without one is an exit marker.
func (s *Step) Kind() StepKind {
	kinds := s.Actions()
	if len(kinds) == 0 {
		return StepExit
	}
	return kinds[0]
}

// AgentRefs returns every agent name the step may invoke.
func (s *Step) AgentRefs() []string {
	var refs []string
	if s.Agent != "" {
		refs = append(refs, s.Agent)
	}
	if s.Loop != nil && s.Loop.Agent != "" {
		refs = append(refs, s.Loop.Agent)
	}
	return append(refs, s.Parallel...)
}

type Input struct {
	Prompt   string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

type InputRef struct {
	From string `yaml:"from" json:"from"`
}

// ContextItem is either a literal string or a reference to an earlier
// step's output written as {from: step}.
type ContextItem struct {
	Text string
	From string
}

func (c *ContextItem) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&c.Text)
	}
	var ref InputRef
	if err := node.Decode(&ref); err != nil {
		return fmt.Errorf("context item: %w", err)
	}
	c.From = ref.From
	return nil
}

func (c ContextItem) MarshalYAML() (any, error) {
	if c.From != "" {
		return InputRef{From: c.From}, nil
	}
	return c.Text, nil
}

func (c *ContextItem) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	var ref InputRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("context item: %w", err)
	}
	c.From = ref.From
	return nil
}

func (c ContextItem) MarshalJSON() ([]byte, error) {
	if c.From != "" {
		return json.Marshal(InputRef{From: c.From})
	}
	return json.Marshal(c.Text)
}

type Loop struct {
	Agent string `yaml:"agent" json:"agent"`
	Until string `yaml:"until" json:"until"`
}

// Condition is one clause of a step's condition list. Exactly one of
// If, Case or Default is set.
type Condition struct {
	If      string `yaml:"if,omitempty" json:"if,omitempty"`
	Then    string `yaml:"then,omitempty" json:"then,omitempty"`
	Else    string `yaml:"else,omitempty" json:"else,omitempty"`
	Case    string `yaml:"case,omitempty" json:"case,omitempty"`
	Do      string `yaml:"do,omitempty" json:"do,omitempty"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Targets returns the step names the clause can jump to.
func (c *Condition) Targets() []string {
	var out []string
	for _, t := range []string{c.Then, c.Else, c.Do, c.Default} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

type Event struct {
	Cron  string   `yaml:"cron" json:"cron"`
	Name  string   `yaml:"name,omitempty" json:"name,omitempty"`
	Agent string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Steps []string `yaml:"steps,omitempty" json:"steps,omitempty"`
	Exit  string   `yaml:"exit,omitempty" json:"exit,omitempty"`
}

type Exception struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Agent string `yaml:"agent" json:"agent"`
}
