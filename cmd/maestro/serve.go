package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/maestro/internal/agent"
	"github.com/mtzanidakis/maestro/internal/config"
	"github.com/mtzanidakis/maestro/internal/event"
	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/metrics"
	"github.com/mtzanidakis/maestro/internal/natsbus"
	"github.com/mtzanidakis/maestro/internal/registry"
	"github.com/mtzanidakis/maestro/internal/store"
	"github.com/mtzanidakis/maestro/internal/web"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve AGENTS_FILE [WORKFLOW_FILE...]",
		Short: "Start the maestro service",
		Long: `Start the embedded bus, the run store and the web API. Workflows with an
event are scheduled on their cron expression. SIGHUP reloads the agents file
and reports configuration changes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			return a.serve(cmd.Context(), args[0], args[1:], watch)
		},
	}
	cmd.Flags().Bool("watch", false, "Reload the agents file when it changes")
	return cmd
}

func (a *app) serve(parent context.Context, agentsPath string, workflowPaths []string, watch bool) error {
	cfg := a.cfg
	slog.Info("starting maestro", "version", version)

	var workflows []*manifest.Workflow
	for _, path := range workflowPaths {
		wf, err := loadWorkflow(path, false)
		if err != nil {
			return err
		}
		workflows = append(workflows, wf)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	// Agent registry
	reg := registry.New()
	if err := reg.LoadFile(agentsPath); err != nil {
		return err
	}
	if err := reg.Sync(db); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	for _, wf := range workflows {
		if err := missingAgents(reg, wf); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.Name(), err)
		}
	}
	if watch {
		if err := reg.Watch(ctx, agentsPath, nil); err != nil {
			return err
		}
	}

	collector := metrics.NewCollector()
	invoker := agent.NewDispatcher(agent.Options{
		Bus:           client,
		Timeout:       cfg.Engine.InvokeTimeout,
		RemoteTimeout: cfg.Agents.RemoteTimeout,
		MCPEndpoints:  cfg.Agents.MCPEndpoints,
	})
	engine := workflow.NewEngine(reg, invoker, workflow.Options{
		MaxParallel:    cfg.Engine.MaxParallel,
		MaxTransitions: cfg.Engine.TransitionLimit(false),
		Trigger:        workflow.TriggerAPI,
	}, db, natsbus.NewPublisher(client), collector)

	// Event loops
	var wg sync.WaitGroup
	dispatcher := event.NewDispatcher(engine, cfg.Scheduler.Retry)
	for _, wf := range workflows {
		if wf.Spec.Template.Event == nil {
			continue
		}
		trigger, err := event.TriggerFor(wf, false)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", wf.Name(), err)
		}
		wg.Add(1)
		go func(wf *manifest.Workflow) {
			defer wg.Done()
			out, err := dispatcher.Run(ctx, wf, trigger, wf.Spec.Template.Prompt)
			if err != nil && ctx.Err() == nil {
				slog.Error("event loop failed", "workflow", wf.Name(), "error", err)
				return
			}
			if out != nil {
				slog.Info("event loop finished", "workflow", wf.Name(), "firings", out.Firings)
			}
		}(wf)
		slog.Info("event scheduled", "workflow", wf.Name(), "cron", wf.Spec.Template.Event.Cron)
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Options{
			Store:    db,
			Registry: reg,
			Runner:   engine,
			Bus:      bus,
			Metrics:  collector.Handler(),
			Config:   cfg.Web,
			Version:  version,
		}, workflows...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-parent.Done():
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				a.reload(reg, agentsPath)
				continue
			}
			slog.Info("shutting down", "signal", sig)
		}
		break
	}
	cancel()
	wg.Wait()
	return nil
}

// reload re-reads the agents file and the config. Only agents apply live;
// config changes are reported so the operator knows a restart is due.
func (a *app) reload(reg *registry.Registry, agentsPath string) {
	before := reg.Snapshot()
	if err := reg.LoadFile(agentsPath); err != nil {
		slog.Warn("agents reload failed, keeping previous agents", "error", err)
	} else if d := config.DiffAgents(before, reg.Snapshot()); d.HasChanges() {
		slog.Info("agents reloaded", "added", d.Added, "removed", d.Removed, "changed", d.Changed)
	}

	var (
		next *config.Config
		err  error
	)
	if a.configPath != "" {
		next, err = config.LoadFile(a.configPath)
	} else {
		next, err = config.Load()
	}
	if err != nil {
		slog.Warn("config reload failed", "error", err)
		return
	}
	d := config.Diff(a.cfg, next)
	if !d.HasChanges() {
		return
	}
	slog.Warn("config changed, restart to apply", "engine", d.EngineChanged, "fields", d.NonReloadable)
}
