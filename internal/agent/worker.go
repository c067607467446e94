package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mtzanidakis/maestro/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Subscriber registers a message handler on a topic. natsbus.Client
// implements it.
type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// Handler answers one bus request.
type Handler func(ctx context.Context, req Request) (string, error)

// Serve answers requests for the named agent until ctx is cancelled. It is
// the worker side of BusBackend.
func Serve(ctx context.Context, bus Subscriber, agentName string, h Handler) error {
	topic := natsbus.TopicAgentInput(agentName)
	sub, err := bus.Subscribe(topic, func(msg *nats.Msg) {
		var reply Reply
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = fmt.Sprintf("invalid request: %v", err)
		} else if out, err := h(ctx, req); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Output = out
		}

		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("marshal reply failed", "agent", agentName, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("respond failed", "agent", agentName, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	slog.Info("worker serving agent", "agent", agentName, "topic", topic)
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("unsubscribe failed", "agent", agentName, "error", err)
	}
	return nil
}

// ExecHandler runs argv for every request with the input on stdin. The
// agent, model, instructions and JSON-encoded context are passed in
// MAESTRO_* environment variables. Trimmed stdout is the output.
func ExecHandler(argv ...string) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		if len(argv) == 0 {
			return "", fmt.Errorf("no command configured")
		}
		extra, err := json.Marshal(req.Context)
		if err != nil {
			return "", fmt.Errorf("marshal context: %w", err)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = strings.NewReader(req.Input)
		cmd.Env = append(os.Environ(),
			"MAESTRO_AGENT="+req.Agent,
			"MAESTRO_FRAMEWORK="+req.Framework,
			"MAESTRO_MODEL="+req.Model,
			"MAESTRO_INSTRUCTIONS="+req.Instructions,
			"MAESTRO_CONTEXT="+string(extra),
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("%s: %w: %s", argv[0], err, msg)
			}
			return "", fmt.Errorf("%s: %w", argv[0], err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
