package natsbus

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/maestro/internal/workflow"
)

// Publisher forwards engine events to the bus, on both the run topic and
// the workflow topic.
type Publisher struct {
	client *Client
}

func NewPublisher(c *Client) *Publisher {
	return &Publisher{client: c}
}

func (p *Publisher) Publish(_ context.Context, ev workflow.Event) {
	for _, topic := range []string{TopicRunEvents(ev.RunID), TopicWorkflowEvents(ev.Workflow)} {
		if err := p.client.PublishJSON(topic, ev); err != nil {
			slog.Warn("publish event failed", "topic", topic, "type", ev.Type, "error", err)
		}
	}
}
