package agent

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// Echo is the dry-run invoker: every agent returns its input unchanged and
// nothing leaves the process.
type Echo struct {
	calls atomic.Int64
}

func (e *Echo) Invoke(_ context.Context, a *manifest.Agent, input string, _ []string) (string, error) {
	e.calls.Add(1)
	slog.Debug("dry-run invoke", "agent", a.Name(), "framework", a.Framework())
	return input, nil
}

// Calls returns the number of invocations so far.
func (e *Echo) Calls() int64 { return e.calls.Load() }
