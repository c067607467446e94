package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// maxReplyBytes caps remote agent response bodies.
const maxReplyBytes = 4 << 20

// RemoteBackend posts invocations to an agent served over HTTP.
type RemoteBackend struct {
	client *http.Client
	agent  *manifest.Agent
}

func NewRemoteBackend(client *http.Client, a *manifest.Agent) *RemoteBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteBackend{client: client, agent: a}
}

func (b *RemoteBackend) Invoke(ctx context.Context, input string, context []string) (string, error) {
	if b.agent.Spec.URL == "" {
		return "", fmt.Errorf("agent %s has no url", b.agent.Name())
	}
	body, err := json.Marshal(newRequest(b.agent, nil, input, context))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.agent.Spec.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", b.agent.Spec.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("remote agent returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return decodeReply(data)
}
