package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Requester sends a request and waits for one reply. natsbus.Client
// implements it.
type Requester interface {
	Request(ctx context.Context, topic string, data []byte) (*nats.Msg, error)
}

// BusBackend forwards invocations to a runtime worker subscribed on the
// agent's input topic. beeai, crewai, openai and custom agents use it.
type BusBackend struct {
	bus   Requester
	agent *manifest.Agent
	mcp   []string
}

func NewBusBackend(bus Requester, a *manifest.Agent, mcp []string) *BusBackend {
	return &BusBackend{bus: bus, agent: a, mcp: mcp}
}

func (b *BusBackend) Invoke(ctx context.Context, input string, context []string) (string, error) {
	data, err := json.Marshal(newRequest(b.agent, b.mcp, input, context))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	msg, err := b.bus.Request(ctx, natsbus.TopicAgentInput(b.agent.Name()), data)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	return decodeReply(msg.Data)
}
