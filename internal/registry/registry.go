package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// ErrUnknownAgent matches every UnknownAgentError.
var ErrUnknownAgent = errors.New("unknown agent")

type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Name)
}

func (e *UnknownAgentError) Is(target error) bool { return target == ErrUnknownAgent }

// AgentStore persists agent definitions by name. GetAgent returns nil, nil
// when the agent was never saved.
type AgentStore interface {
	SaveAgent(a *manifest.Agent) error
	GetAgent(name string) (*manifest.Agent, error)
}

type snapshot struct {
	agents map[string]*manifest.Agent
	order  []string
}

// Registry maps agent names to definitions. Loads replace the whole set at
// once; readers never observe a partially loaded registry.
type Registry struct {
	current atomic.Pointer[snapshot]
}

func New() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{agents: map[string]*manifest.Agent{}})
	return r
}

// Load validates agents and replaces the registry contents with them. On
// error the previous contents stay in place.
func (r *Registry) Load(agents []*manifest.Agent) error {
	snap, err := build(agents)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	return nil
}

// LoadFile reads every agent document in path and loads them.
func (r *Registry) LoadFile(path string) error {
	agents, err := manifest.LoadAgents(path)
	if err != nil {
		return err
	}
	if err := r.Load(agents); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func build(agents []*manifest.Agent) (*snapshot, error) {
	snap := &snapshot{agents: make(map[string]*manifest.Agent, len(agents))}
	var errs []error
	for _, a := range agents {
		for _, v := range manifest.ValidateAgent(a) {
			errs = append(errs, v)
		}
		name := a.Name()
		if name == "" {
			continue
		}
		if _, dup := snap.agents[name]; dup {
			errs = append(errs, &manifest.SchemaViolation{
				Document: "agent/" + name,
				Path:     "metadata.name",
				Message:  "duplicate agent name",
			})
			continue
		}
		snap.agents[name] = a
		snap.order = append(snap.order, name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snap, nil
}

func (r *Registry) Resolve(name string) (*manifest.Agent, error) {
	if a, ok := r.current.Load().agents[name]; ok {
		return a, nil
	}
	return nil, &UnknownAgentError{Name: name}
}

// Names returns agent names in load order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.current.Load().order...)
}

// Definitions returns agents in load order.
func (r *Registry) Definitions() []*manifest.Agent {
	snap := r.current.Load()
	out := make([]*manifest.Agent, 0, len(snap.order))
	for _, name := range snap.order {
		out = append(out, snap.agents[name])
	}
	return out
}

// Snapshot returns a copy of the current name to agent mapping.
func (r *Registry) Snapshot() map[string]*manifest.Agent {
	snap := r.current.Load()
	out := make(map[string]*manifest.Agent, len(snap.agents))
	for k, v := range snap.agents {
		out[k] = v
	}
	return out
}

func (r *Registry) Len() int { return len(r.current.Load().order) }

// Sync persists every loaded agent.
func (r *Registry) Sync(s AgentStore) error {
	for _, a := range r.Definitions() {
		if err := s.SaveAgent(a); err != nil {
			return fmt.Errorf("save agent %s: %w", a.Name(), err)
		}
	}
	return nil
}

// Restore adds the named persisted agents to the registry, replacing any
// loaded agent of the same name.
func (r *Registry) Restore(s AgentStore, names []string) error {
	restored := make(map[string]*manifest.Agent, len(names))
	for _, name := range names {
		a, err := s.GetAgent(name)
		if err != nil {
			return fmt.Errorf("restore agent %s: %w", name, err)
		}
		if a == nil {
			return &UnknownAgentError{Name: name}
		}
		restored[name] = a
	}

	var merged []*manifest.Agent
	for _, a := range r.Definitions() {
		if _, ok := restored[a.Name()]; !ok {
			merged = append(merged, a)
		}
	}
	for _, name := range names {
		if a, ok := restored[name]; ok {
			merged = append(merged, a)
			delete(restored, name)
		}
	}
	return r.Load(merged)
}
