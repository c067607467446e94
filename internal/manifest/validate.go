package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/maestro/internal/expr"
	"github.com/mtzanidakis/maestro/internal/schedule"
)

// SchemaViolation reports one structural problem in a document.
type SchemaViolation struct {
	Document string
	Path     string
	Message  string
}

func (v *SchemaViolation) Error() string {
	if v.Document == "" {
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Document, v.Path, v.Message)
}

type checker struct {
	doc        string
	violations []*SchemaViolation
}

func (c *checker) add(path, format string, args ...any) {
	c.violations = append(c.violations, &SchemaViolation{
		Document: c.doc,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (c *checker) header(apiVersion, kind, wantKind, name string) {
	if apiVersion != APIVersion {
		c.add("apiVersion", "expected %q, got %q", APIVersion, apiVersion)
	}
	if kind != wantKind {
		c.add("kind", "expected %q, got %q", wantKind, kind)
	}
	if strings.TrimSpace(name) == "" {
		c.add("metadata.name", "required")
	}
}

func (c *checker) expression(path, src string) {
	if _, err := expr.Compile(src); err != nil {
		c.add(path, "%v", err)
	}
}

// ValidateAgent checks one agent document.
func ValidateAgent(a *Agent) []*SchemaViolation {
	c := &checker{doc: "Agent/" + a.Name()}
	c.header(a.APIVersion, a.Kind, KindAgent, a.Name())

	if strings.TrimSpace(a.Spec.Model) == "" {
		c.add("spec.model", "required")
	}
	if a.Spec.Framework != "" && !a.Spec.Framework.Valid() {
		c.add("spec.framework", "unknown framework %q", a.Spec.Framework)
	}
	switch a.Spec.Mode {
	case "", "local", "remote":
	default:
		c.add("spec.mode", "expected local or remote, got %q", a.Spec.Mode)
	}
	switch a.Framework() {
	case FrameworkRemote:
		if a.Spec.URL == "" {
			c.add("spec.url", "required for framework remote")
		}
	case FrameworkCode:
		if strings.TrimSpace(a.Spec.Code) == "" {
			c.add("spec.code", "required for framework code")
		}
	}
	return c.violations
}

// ValidateWorkflow checks one workflow document: step shapes, jump targets,
// agent references, expressions and the event schedule.
func ValidateWorkflow(w *Workflow) []*SchemaViolation {
	c := &checker{doc: "Workflow/" + w.Name()}
	c.header(w.APIVersion, w.Kind, KindWorkflow, w.Name())

	tpl := &w.Spec.Template
	base := "spec.template"

	if len(tpl.Steps) == 0 {
		c.add(base+".steps", "at least one step is required")
	}

	seen := make(map[string]int, len(tpl.Steps))
	for i := range tpl.Steps {
		name := tpl.Steps[i].Name
		path := fmt.Sprintf("%s.steps[%d].name", base, i)
		if strings.TrimSpace(name) == "" {
			c.add(path, "required")
			continue
		}
		if first, dup := seen[name]; dup {
			c.add(path, "duplicate step name %q (first at steps[%d])", name, first)
			continue
		}
		seen[name] = i
	}

	agentRef := func(path, name string) {
		if !tpl.HasAgent(name) {
			c.add(path, "agent %q is not listed in %s.agents", name, base)
		}
	}
	stepRef := func(path, name string) {
		if _, ok := seen[name]; !ok {
			c.add(path, "unknown step %q", name)
		}
	}

	for i := range tpl.Steps {
		s := &tpl.Steps[i]
		sp := fmt.Sprintf("%s.steps[%d]", base, i)

		if actions := s.Actions(); len(actions) > 1 {
			c.add(sp, "declares more than one action: %v", actions)
		}
		if s.Agent != "" {
			agentRef(sp+".agent", s.Agent)
		}
		if s.Input != nil && s.Input.Prompt == "" && s.Input.Template == "" {
			c.add(sp+".input", "prompt or template is required")
		}
		for j, in := range s.Inputs {
			if strings.TrimSpace(in.From) == "" {
				c.add(fmt.Sprintf("%s.inputs[%d].from", sp, j), "required")
			}
		}
		for j, item := range s.Context {
			if item.From == "" && item.Text == "" {
				c.add(fmt.Sprintf("%s.context[%d]", sp, j), "empty context item")
			}
		}
		if s.Loop != nil {
			if s.Loop.Agent == "" {
				c.add(sp+".loop.agent", "required")
			} else {
				agentRef(sp+".loop.agent", s.Loop.Agent)
			}
			if s.Loop.Until == "" {
				c.add(sp+".loop.until", "required")
			} else {
				c.expression(sp+".loop.until", s.Loop.Until)
			}
		}
		for j, a := range s.Parallel {
			agentRef(fmt.Sprintf("%s.parallel[%d]", sp, j), a)
		}
		for j := range s.Condition {
			checkCondition(c, fmt.Sprintf("%s.condition[%d]", sp, j), &s.Condition[j], stepRef)
		}
	}

	if ev := tpl.Event; ev != nil {
		ep := base + ".event"
		if ev.Cron == "" {
			c.add(ep+".cron", "required")
		} else if _, err := schedule.Parse(ev.Cron); err != nil {
			c.add(ep+".cron", "%v", err)
		}
		if ev.Agent != "" {
			agentRef(ep+".agent", ev.Agent)
		}
		for j, name := range ev.Steps {
			stepRef(fmt.Sprintf("%s.steps[%d]", ep, j), name)
		}
		if ev.Exit != "" {
			c.expression(ep+".exit", ev.Exit)
		}
	}

	if ex := tpl.Exception; ex != nil {
		if ex.Agent == "" {
			c.add(base+".exception.agent", "required")
		} else {
			agentRef(base+".exception.agent", ex.Agent)
		}
	}

	return c.violations
}

func checkCondition(c *checker, path string, cond *Condition, stepRef func(path, name string)) {
	forms := 0
	for _, set := range []bool{cond.If != "", cond.Case != "", cond.Default != ""} {
		if set {
			forms++
		}
	}
	if forms != 1 {
		c.add(path, "exactly one of if, case or default is required")
		return
	}

	switch {
	case cond.If != "":
		c.expression(path+".if", cond.If)
		if cond.Then == "" {
			c.add(path+".then", "required with if")
		}
		if cond.Do != "" {
			c.add(path+".do", "only allowed with case")
		}
	case cond.Case != "":
		c.expression(path+".case", cond.Case)
		if cond.Do == "" {
			c.add(path+".do", "required with case")
		}
		if cond.Then != "" || cond.Else != "" {
			c.add(path, "then/else are only allowed with if")
		}
	default:
		if cond.Then != "" || cond.Else != "" || cond.Do != "" {
			c.add(path, "default takes no other keys")
		}
	}

	for _, field := range []struct{ key, target string }{
		{"then", cond.Then}, {"else", cond.Else}, {"do", cond.Do}, {"default", cond.Default},
	} {
		if field.target != "" {
			stepRef(path+"."+field.key, field.target)
		}
	}
}

// Violations validates every document and returns all problems found.
func (d *Documents) Violations() []*SchemaViolation {
	var out []*SchemaViolation
	for _, a := range d.Agents {
		out = append(out, ValidateAgent(a)...)
	}
	seen := make(map[string]bool, len(d.Agents))
	for _, a := range d.Agents {
		if a.Name() == "" {
			continue
		}
		if seen[a.Name()] {
			out = append(out, &SchemaViolation{
				Document: "Agent/" + a.Name(),
				Path:     "metadata.name",
				Message:  "duplicate agent name",
			})
		}
		seen[a.Name()] = true
	}
	for _, w := range d.Workflows {
		out = append(out, ValidateWorkflow(w)...)
	}
	return out
}

// Validate returns all violations joined into one error, or nil.
func Validate(d *Documents) error {
	violations := d.Violations()
	if len(violations) == 0 {
		return nil
	}
	errs := make([]error, len(violations))
	for i, v := range violations {
		errs[i] = v
	}
	return errors.Join(errs...)
}
