package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newLogCmd(cfg *config.Config) *cobra.Command {
	var (
		cleanupType string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the cleanup audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				entries, err := client.CleanupLog(cmd.Context(), cleanupType, limit)
				if err != nil {
					return err
				}
				return writeFormatted(entries)
			})
		},
	}

	cmd.Flags().StringVar(&cleanupType, "type", "", "filter by cleanup type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to return")

	cmd.AddCommand(newLogStatsCmd(cfg), newLogPurgeCmd(cfg))

	return cmd
}

func newLogStatsCmd(cfg *config.Config) *cobra.Command {
	var sinceDays int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate sweep results over a recent window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				stats, err := client.CleanupStats(cmd.Context(), sinceDays)
				if err != nil {
					return err
				}
				return writeFormatted(stats)
			})
		},
	}

	cmd.Flags().IntVar(&sinceDays, "since-days", 30, "window size in days")

	return cmd
}

func newLogPurgeCmd(cfg *config.Config) *cobra.Command {
	var (
		olderThanDays int
		yes           bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop cleanup-log entries older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThanDays <= 0 {
				return fmt.Errorf("--older-than-days must be > 0")
			}
			if !yes {
				return fmt.Errorf("purge deletes audit history; pass --yes to confirm")
			}

			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.PurgeCleanupLog(cmd.Context(), api.PurgeRequest{OlderThanDays: olderThanDays}, yes)
				if err != nil {
					return err
				}
				return writeFormatted(resp)
			})
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "drop entries older than this many days")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")

	return cmd
}
