package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/mermaid"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate agent and workflow documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				n, err := a.validateFile(path)
				if err != nil {
					return err
				}
				failed += n
			}
			if failed > 0 {
				return fmt.Errorf("%d violations found", failed)
			}
			return nil
		},
	}
}

// validateFile prints the violations in path and returns their count.
// Unreachable steps are warnings only.
func (a *app) validateFile(path string) (int, error) {
	docs, err := manifest.ParseFile(path)
	if err != nil {
		var v *manifest.SchemaViolation
		if errors.As(err, &v) {
			fmt.Fprintf(a.stdout, "%s: %s\n", path, v)
			return 1, nil
		}
		return 0, err
	}

	violations := docs.Violations()
	for _, v := range violations {
		fmt.Fprintf(a.stdout, "%s: %s\n", path, v)
	}
	for _, wf := range docs.Workflows {
		g := workflow.Graph(wf)
		if steps := g.Unreachable(); len(steps) > 0 {
			slog.Warn("unreachable steps", "file", path, "workflow", wf.Name(), "steps", steps)
		}
		if steps := g.Cyclic(); len(steps) > 0 {
			slog.Debug("steps on cycles", "file", path, "workflow", wf.Name(), "steps", steps)
		}
		unknown := workflow.UnknownPlaceholders(wf)
		for _, step := range g.Order {
			if names := unknown[step]; len(names) > 0 {
				slog.Warn("unknown placeholders", "file", path, "workflow", wf.Name(), "step", step, "names", names)
			}
		}
	}
	if len(violations) == 0 {
		fmt.Fprintf(a.stdout, "%s: ok (%d agents, %d workflows)\n", path, len(docs.Agents), len(docs.Workflows))
	}
	return len(violations), nil
}

func newMermaidCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mermaid WORKFLOW_FILE",
		Short: "Render a workflow as a Mermaid diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			td, _ := cmd.Flags().GetBool("flowchart-td")
			lr, _ := cmd.Flags().GetBool("flowchart-lr")

			wf, err := loadWorkflow(args[0], true)
			if err != nil {
				return err
			}

			kind, orientation := mermaid.SequenceDiagram, ""
			switch {
			case td:
				kind, orientation = mermaid.Flowchart, mermaid.TopDown
			case lr:
				kind, orientation = mermaid.Flowchart, mermaid.LeftRight
			}
			out, err := mermaid.Render(wf, kind, orientation)
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, out)
			return nil
		},
	}

	cmd.Flags().Bool("sequence-diagram", false, "Render a sequence diagram (default)")
	cmd.Flags().Bool("flowchart-td", false, "Render a top-down flowchart")
	cmd.Flags().Bool("flowchart-lr", false, "Render a left-right flowchart")
	cmd.MarkFlagsMutuallyExclusive("sequence-diagram", "flowchart-td", "flowchart-lr")
	return cmd
}

func newSchemaCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of a document kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			s, err := manifest.Schema(kind)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return fmt.Errorf("encode schema: %w", err)
			}
			fmt.Fprintln(a.stdout, string(data))
			return nil
		},
	}
	cmd.Flags().String("kind", "workflow", "Document kind: agent or workflow")
	return cmd
}
