// Package agent invokes agents on behalf of the workflow engine. Each
// framework tag maps to one Backend implementation.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// Backend runs one agent.
type Backend interface {
	Invoke(ctx context.Context, input string, context []string) (string, error)
}

// InvocationError reports a failed agent call.
type InvocationError struct {
	Agent     string
	Framework manifest.Framework
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke agent %s (%s): %v", e.Agent, e.Framework, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

var ErrNoBus = errors.New("no agent bus configured")

// Request is the payload sent to bus and remote agents.
type Request struct {
	Agent        string   `json:"agent"`
	Framework    string   `json:"framework"`
	Model        string   `json:"model"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	MCPEndpoints []string `json:"mcp_endpoints,omitempty"`
	Input        string   `json:"input"`
	Context      []string `json:"context,omitempty"`
}

// Reply is the structured answer of bus and remote agents. Agents may also
// answer with plain text.
type Reply struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func newRequest(a *manifest.Agent, mcp []string, input string, context []string) Request {
	return Request{
		Agent:        a.Name(),
		Framework:    string(a.Framework()),
		Model:        a.Spec.Model,
		Instructions: a.Spec.Instructions,
		Tools:        a.Spec.Tools,
		MCPEndpoints: mcp,
		Input:        input,
		Context:      context,
	}
}
