package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casd/internal/config"
	"casd/internal/store"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	var plan bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations (opening the store migrates)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil || cfg.DBPath == "" {
				return fmt.Errorf("db path is required")
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.Plan()
			if err != nil {
				return err
			}
			if plan {
				return writeFormatted(status)
			}
			return writePlain("schema at version %d\n", status.CurrentVersion)
		},
	}

	cmd.Flags().BoolVar(&plan, "plan", false, "print migration status as structured output")

	return cmd
}
