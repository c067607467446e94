package config

import (
	"reflect"
	"slices"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// AgentDiff describes what changed between two agent sets.
type AgentDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// HasChanges reports whether any agent was added, removed or changed.
func (d *AgentDiff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

// DiffAgents compares two agent sets keyed by name. Names in each list are
// sorted.
func DiffAgents(old, new map[string]*manifest.Agent) AgentDiff {
	var d AgentDiff

	for name := range new {
		if _, ok := old[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for name := range old {
		if _, ok := new[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	for name, newDef := range new {
		if oldDef, ok := old[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.Changed = append(d.Changed, name)
			}
		}
	}

	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Changed)
	return d
}

// ConfigDiff lists settings that differ between two configs. None of them
// can be applied to a running server; callers log them.
type ConfigDiff struct {
	EngineChanged bool
	NonReloadable []string
}

func (d *ConfigDiff) HasChanges() bool {
	return d.EngineChanged || len(d.NonReloadable) > 0
}

// Diff compares two configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Engine, new.Engine) {
		d.EngineChanged = true
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	return d
}
