package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/maestro/internal/agent"
	"github.com/mtzanidakis/maestro/internal/natsbus"
)

func newWorkerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker AGENT -- COMMAND [ARG...]",
		Short: "Serve a bus agent by running a command per request",
		Long: `Answer requests for AGENT on the bus. Each request runs COMMAND with the
input on stdin; its stdout is the agent output. The agent name, model,
instructions and context are passed as MAESTRO_* environment variables.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("nats-url")
			if url == "" {
				url = fmt.Sprintf("nats://127.0.0.1:%d", a.cfg.NATS.Port)
			}

			client, err := natsbus.NewClientFromURL(url)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.Serve(ctx, client, args[0], agent.ExecHandler(args[1:]...))
		},
	}
	cmd.Flags().String("nats-url", "", "NATS server to serve on (default: the configured local port)")
	return cmd
}
