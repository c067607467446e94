package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/maestro/internal/registry"
	"github.com/mtzanidakis/maestro/internal/store"
)

func newCreateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create AGENTS_FILE",
		Short: "Save agents for later runs",
		Long:  "Validate the agents in AGENTS_FILE and save them to the store, so run can use them with None as its agents file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, _ := cmd.Flags().GetBool("list")

			reg := registry.New()
			if err := reg.LoadFile(args[0]); err != nil {
				return err
			}

			st, err := store.New(a.cfg.Store)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer st.Close()

			if err := reg.Sync(st); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Saved %d agents\n", reg.Len())

			if list {
				records, err := st.ListAgents()
				if err != nil {
					return err
				}
				for _, r := range records {
					fmt.Fprintf(a.stdout, "  %-20s %-8s %s\n", r.Name, r.Framework, r.Model)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("list", false, "List every stored agent afterwards")
	return cmd
}
