package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/aibot/internal/db"
	"github.com/stupiduntilnot/aibot/internal/eventtree"
)

type eventsOptions struct {
	DBPath    string
	EventID   int64
	MaxDepth  int
	JSON      bool
	NoPayload bool
}

func newEventsCmd() *cobra.Command {
	var opts eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event tree of the latest process (or of --id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DBPath == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				opts.DBPath = cfg.DBPath
			}
			return printEvents(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (defaults to the configured db_path).")
	cmd.Flags().Int64Var(&opts.EventID, "id", 0, "Show the subtree of a specific event id.")
	cmd.Flags().IntVarP(&opts.MaxDepth, "depth", "L", 0, "Limit display depth (0 = unlimited).")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output JSON.")
	cmd.Flags().BoolVar(&opts.NoPayload, "no-payload", false, "Hide payload details.")
	return cmd
}

func printEvents(ctx context.Context, opts eventsOptions, out io.Writer) error {
	store, err := db.OpenReadOnly(opts.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rootID := opts.EventID
	if rootID == 0 {
		rootID, err = store.LatestEventID(ctx, db.EventProcessStarted)
		if err != nil {
			return fmt.Errorf("find process root: %w", err)
		}
	}

	events, err := store.EventSubtree(ctx, rootID)
	if err != nil {
		return err
	}
	root := eventtree.Build(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	renderOpts := eventtree.Options{MaxDepth: opts.MaxDepth, NoPayload: opts.NoPayload}
	if opts.JSON {
		return eventtree.RenderJSON(out, root, renderOpts)
	}
	return eventtree.Render(out, root, renderOpts)
}
