package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/maestro/internal/agent"
	"github.com/mtzanidakis/maestro/internal/event"
	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/natsbus"
	"github.com/mtzanidakis/maestro/internal/registry"
	"github.com/mtzanidakis/maestro/internal/store"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

type runOptions struct {
	dryRun  bool
	prompt  string
	noStore bool
	natsURL string
}

func newRunCommand(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run AGENTS_FILE WORKFLOW_FILE",
		Short: "Run a workflow",
		Long: `Run a workflow against a set of agents. AGENTS_FILE may be None to use
agents saved earlier with create. When the workflow has an event, the event
loop starts once the steps complete and runs until its exit condition holds.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWorkflow(ctx, args[0], args[1], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Walk the workflow with an echo agent instead of real invocations")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Override the workflow prompt")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "Do not record the run in the store")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", "", "NATS server of agent runtime workers (default: start an embedded server when needed)")
	return cmd
}

func (a *app) runWorkflow(ctx context.Context, agentsPath, workflowPath string, opts runOptions) error {
	wf, err := loadWorkflow(workflowPath, opts.dryRun)
	if err != nil {
		return err
	}
	reg, err := a.loadAgents(agentsPath, wf, opts.dryRun)
	if err != nil {
		return err
	}
	if err := missingAgents(reg, wf); err != nil {
		if !opts.dryRun {
			return err
		}
		slog.Warn("agents missing, using placeholders", "error", joinLines(err))
	}

	var pubs []workflow.Publisher
	if !opts.noStore {
		st, err := store.New(a.cfg.Store)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer st.Close()
		pubs = append(pubs, st)
	}

	engineOpts := workflow.Options{
		MaxParallel:    a.cfg.Engine.MaxParallel,
		MaxTransitions: a.cfg.Engine.TransitionLimit(opts.dryRun),
		DryRun:         opts.dryRun,
		Trigger:        workflow.TriggerRun,
	}

	var (
		resolver workflow.Resolver = reg
		invoker  workflow.Invoker
		echo     *agent.Echo
	)
	if opts.dryRun {
		echo = &agent.Echo{}
		invoker = echo
		resolver = placeholderResolver{reg: reg}
		engineOpts.LoopLimit = a.cfg.Engine.DryRunLoopLimit
	} else {
		client, closeBus, err := a.connectBus(reg, wf, opts.natsURL)
		if err != nil {
			return err
		}
		defer closeBus()

		agentOpts := agent.Options{
			Timeout:       a.cfg.Engine.InvokeTimeout,
			RemoteTimeout: a.cfg.Agents.RemoteTimeout,
			MCPEndpoints:  a.cfg.Agents.MCPEndpoints,
		}
		if client != nil {
			agentOpts.Bus = client
			pubs = append(pubs, natsbus.NewPublisher(client))
		}
		invoker = agent.NewDispatcher(agentOpts)
	}

	engine := workflow.NewEngine(resolver, invoker, engineOpts, pubs...)

	res, err := engine.Run(ctx, wf, opts.prompt)
	if err != nil {
		if !opts.dryRun || !echoedDataError(err) {
			return fmt.Errorf("workflow %s: %w", wf.Name(), err)
		}
		// Echoed outputs rarely satisfy real conditions; the structure was
		// still walked.
		slog.Warn("dry run stopped on echoed data", "workflow", wf.Name(), "error", err)
	}
	if res.Status == workflow.StatusRecovered {
		slog.Warn("workflow recovered by exception handler", "workflow", wf.Name(), "error", res.Err)
	}
	fmt.Fprintln(a.stdout, res.Output)

	if wf.Spec.Template.Event != nil {
		if err := a.runEvents(ctx, engine, wf, res.Output, opts.dryRun); err != nil {
			return err
		}
	}

	if echo != nil {
		slog.Info("dry run complete", "workflow", wf.Name(), "steps", len(res.Steps), "invocations", echo.Calls())
	}
	return nil
}

func (a *app) runEvents(ctx context.Context, engine *workflow.Engine, wf *manifest.Workflow, input string, dryRun bool) error {
	trigger, err := event.TriggerFor(wf, dryRun)
	if err != nil {
		return err
	}
	outcome, err := event.NewDispatcher(engine, a.cfg.Scheduler.Retry).Run(ctx, wf, trigger, input)
	if errors.Is(err, context.Canceled) {
		slog.Info("event loop stopped", "workflow", wf.Name())
		return nil
	}
	if err != nil {
		return fmt.Errorf("workflow %s event: %w", wf.Name(), err)
	}
	if outcome.Firings > 0 {
		fmt.Fprintln(a.stdout, outcome.Output)
	}
	return nil
}

// connectBus returns a bus client when any agent the workflow uses is served
// over the bus: to url when set, otherwise to a freshly started embedded
// server. The returned func releases everything.
func (a *app) connectBus(reg *registry.Registry, wf *manifest.Workflow, url string) (*natsbus.Client, func(), error) {
	needed := false
	for _, name := range agentRefs(wf) {
		if ag, err := reg.Resolve(name); err == nil && agent.NeedsBus(ag) {
			needed = true
			break
		}
	}
	if !needed {
		return nil, func() {}, nil
	}

	if url != "" {
		client, err := natsbus.NewClientFromURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return client, client.Close, nil
	}

	bus, err := natsbus.New(a.cfg.NATS)
	if err != nil {
		return nil, nil, fmt.Errorf("init nats: %w", err)
	}
	client, err := natsbus.NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("nats started", "port", bus.Port())
	return client, func() {
		client.Close()
		bus.Close()
	}, nil
}

// echoedDataError reports failures caused by the data flowing through a
// run rather than by its structure. Echoed outputs can pick a branch that
// skips a step whose output is referenced later.
func echoedDataError(err error) bool {
	var (
		cond  *workflow.ConditionError
		input *workflow.InputError
	)
	return errors.As(err, &cond) || errors.As(err, &input) || errors.Is(err, workflow.ErrMaxTransitions)
}
