package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"casd/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		logLevel     string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "casd",
		Short: "Casd is a content-addressable store that deduplicates files by digest",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return selectFormatter(outputFormat)
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format (json, yaml)")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newInfoCmd(cfg),
		newPutCmd(cfg),
		newShowCmd(cfg),
		newCatCmd(cfg),
		newRetainCmd(cfg),
		newReleaseCmd(cfg),
		newHistoryCmd(cfg),
		newUsageCmd(cfg),
		newUnreferencedCmd(cfg),
		newDuplicatesCmd(cfg),
		newSweepCmd(cfg),
		newLogCmd(cfg),
		newTokenCmd(),
		newMigrateCmd(cfg),
	)

	return cmd
}
