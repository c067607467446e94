package workflow

import (
	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/template"
)

// builtinBindings are the placeholder names every step can use besides
// the names of its workflow's steps.
var builtinBindings = []string{"CONNECTOR", "input", "prompt", "num_agents", "agent_list", "workflow", "step"}

// UnknownPlaceholders maps step names to the placeholders in their input
// prompt or template that no run can bind. Such placeholders are left in
// the rendered text unchanged.
func UnknownPlaceholders(wf *manifest.Workflow) map[string][]string {
	known := make(map[string]bool, len(builtinBindings)+len(wf.Spec.Template.Steps))
	for _, name := range builtinBindings {
		known[name] = true
	}
	for i := range wf.Spec.Template.Steps {
		known[wf.Spec.Template.Steps[i].Name] = true
	}

	unknown := map[string][]string{}
	for i := range wf.Spec.Template.Steps {
		s := &wf.Spec.Template.Steps[i]
		if s.Input == nil {
			continue
		}
		seen := map[string]bool{}
		for _, tpl := range []string{s.Input.Prompt, s.Input.Template} {
			for _, name := range template.Placeholders(tpl) {
				if !known[name] && !seen[name] {
					seen[name] = true
					unknown[s.Name] = append(unknown[s.Name], name)
				}
			}
		}
	}
	return unknown
}
