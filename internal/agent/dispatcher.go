package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

type Options struct {
	// Bus carries requests to bus agents. Without it those agents fail with
	// ErrNoBus.
	Bus Requester
	// HTTP is the client for remote agents. Defaults to a client with
	// RemoteTimeout.
	HTTP          *http.Client
	Timeout       time.Duration
	RemoteTimeout time.Duration
	MCPEndpoints  []string
}

type cached struct {
	def     *manifest.Agent
	backend Backend
}

// Dispatcher routes invocations to the backend of each agent's framework.
// Backends are built on first use and rebuilt when an agent definition is
// replaced.
type Dispatcher struct {
	opts Options

	mu       sync.Mutex
	backends map[string]cached
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: opts.RemoteTimeout}
	}
	return &Dispatcher{
		opts:     opts,
		backends: make(map[string]cached),
	}
}

// NewBackend builds the backend for a's framework.
func NewBackend(a *manifest.Agent, opts Options) (Backend, error) {
	switch fw := a.Framework(); fw {
	case manifest.FrameworkCode:
		return NewCodeBackend(a), nil
	case manifest.FrameworkRemote:
		return NewRemoteBackend(opts.HTTP, a), nil
	case manifest.FrameworkBeeAI, manifest.FrameworkCrewAI, manifest.FrameworkOpenAI, manifest.FrameworkCustom:
		if !NeedsBus(a) {
			return NewRemoteBackend(opts.HTTP, a), nil
		}
		if opts.Bus == nil {
			return nil, ErrNoBus
		}
		return NewBusBackend(opts.Bus, a, opts.MCPEndpoints), nil
	default:
		return nil, fmt.Errorf("unsupported framework %q", fw)
	}
}

// NeedsBus reports whether a is served by a runtime worker on the bus.
func NeedsBus(a *manifest.Agent) bool {
	switch a.Framework() {
	case manifest.FrameworkBeeAI, manifest.FrameworkCrewAI, manifest.FrameworkOpenAI, manifest.FrameworkCustom:
		return a.Spec.Mode != "remote"
	}
	return false
}

func (d *Dispatcher) backend(a *manifest.Agent) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.backends[a.Name()]; ok && c.def == a {
		return c.backend, nil
	}
	b, err := NewBackend(a, d.opts)
	if err != nil {
		return nil, err
	}
	d.backends[a.Name()] = cached{def: a, backend: b}
	return b, nil
}

func (d *Dispatcher) Invoke(ctx context.Context, a *manifest.Agent, input string, extra []string) (string, error) {
	b, err := d.backend(a)
	if err != nil {
		return "", &InvocationError{Agent: a.Name(), Framework: a.Framework(), Err: err}
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := b.Invoke(ctx, input, extra)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		slog.Warn("agent invocation failed", "agent", a.Name(), "error", err)
		return "", &InvocationError{Agent: a.Name(), Framework: a.Framework(), Err: err}
	}
	slog.Debug("agent invoked", "agent", a.Name(), "framework", a.Framework(), "duration", time.Since(start))
	return out, nil
}
