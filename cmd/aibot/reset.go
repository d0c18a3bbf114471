package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/aibot/internal/config"
	"github.com/stupiduntilnot/aibot/internal/db"
	"github.com/stupiduntilnot/aibot/internal/logging"
	"github.com/stupiduntilnot/aibot/internal/quota"
)

func newResetQuotasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-quotas",
		Short: "Run the daily quota reset now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			return resetQuotas(cmd.Context(), cfg, logger, all, time.Now(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("all", false, "Also clear counters already on today's date.")
	return cmd
}

func resetQuotas(ctx context.Context, cfg config.Config, logger *slog.Logger, all bool, now time.Time, out io.Writer) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := quota.NewTracker(store, cfg.MaxMessagesPerDay, logger)
	today := quota.Today(now)
	var n int64
	if all {
		n, err = tracker.ClearAll(ctx, today)
	} else {
		n, err = tracker.ResetAll(ctx, today)
	}
	if err != nil {
		return err
	}
	if _, err := store.LogEvent(ctx, nil, db.EventQuotaReset, map[string]any{
		"date":    today,
		"records": n,
		"trigger": "cli",
		"all":     all,
	}); err != nil {
		logger.Warn("failed to log quota.reset", "error", err)
	}
	fmt.Fprintf(out, "reset %d quota records for %s\n", n, today)
	return nil
}
