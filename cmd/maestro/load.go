package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/registry"
	"github.com/mtzanidakis/maestro/internal/store"
)

// noAgentsFile in place of an agents file restores persisted agents.
const noAgentsFile = "None"

// loadWorkflow reads the first workflow in path. Violations fail the load
// unless lenient is set, in which case they are logged.
func loadWorkflow(path string, lenient bool) (*manifest.Workflow, error) {
	docs, err := manifest.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if len(docs.Workflows) == 0 {
		return nil, fmt.Errorf("%s: no workflow document found", path)
	}
	wf := docs.Workflows[0]
	if err := checkViolations(path, manifest.ValidateWorkflow(wf), lenient); err != nil {
		return nil, err
	}
	return wf, nil
}

func checkViolations(path string, violations []*manifest.SchemaViolation, lenient bool) error {
	if len(violations) == 0 {
		return nil
	}
	if lenient {
		for _, v := range violations {
			slog.Warn("validation problem", "file", path, "violation", v.Error())
		}
		return nil
	}
	errs := make([]error, len(violations))
	for i, v := range violations {
		errs[i] = v
	}
	return fmt.Errorf("%s: %w", path, errors.Join(errs...))
}

// loadAgents fills a registry from path, or from the store when path is
// None. Lenient loads skip invalid agents instead of failing.
func (a *app) loadAgents(path string, wf *manifest.Workflow, lenient bool) (*registry.Registry, error) {
	reg := registry.New()

	if path == noAgentsFile {
		st, err := store.New(a.cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		defer st.Close()
		if err := reg.Restore(st, wf.Spec.Template.Agents); err != nil {
			if !lenient {
				return nil, err
			}
			slog.Warn("restore agents failed", "error", err)
		}
		return reg, nil
	}

	agents, err := manifest.LoadAgents(path)
	if err != nil {
		return nil, err
	}
	if !lenient {
		if err := reg.Load(agents); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return reg, nil
	}

	var valid []*manifest.Agent
	seen := make(map[string]bool, len(agents))
	for _, ag := range agents {
		if vs := manifest.ValidateAgent(ag); len(vs) > 0 || seen[ag.Name()] {
			slog.Warn("skipping invalid agent", "file", path, "agent", ag.Name())
			continue
		}
		seen[ag.Name()] = true
		valid = append(valid, ag)
	}
	if err := reg.Load(valid); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return reg, nil
}

// agentRefs returns every agent name wf may invoke, in first-use order.
func agentRefs(wf *manifest.Workflow) []string {
	tpl := &wf.Spec.Template
	seen := map[string]bool{}
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(tpl.Agents...)
	for i := range tpl.Steps {
		add(tpl.Steps[i].AgentRefs()...)
	}
	if tpl.Event != nil {
		add(tpl.Event.Agent)
	}
	if tpl.Exception != nil {
		add(tpl.Exception.Agent)
	}
	return out
}

// missingAgents reports the agents wf references that reg cannot resolve.
func missingAgents(reg *registry.Registry, wf *manifest.Workflow) error {
	var errs []error
	for _, name := range agentRefs(wf) {
		if _, err := reg.Resolve(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// placeholderResolver stands in for agents missing from the registry so
// dry runs can still walk every step.
type placeholderResolver struct {
	reg *registry.Registry
}

func (p placeholderResolver) Resolve(name string) (*manifest.Agent, error) {
	if a, err := p.reg.Resolve(name); err == nil {
		return a, nil
	}
	return &manifest.Agent{
		APIVersion: manifest.APIVersion,
		Kind:       manifest.KindAgent,
		Metadata:   manifest.Metadata{Name: name},
		Spec:       manifest.AgentSpec{Model: "placeholder", Description: "missing agent"},
	}, nil
}

func joinLines(errs error) string {
	if errs == nil {
		return ""
	}
	return strings.ReplaceAll(errs.Error(), "\n", "; ")
}
