package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/driftnotes/drift/internal/conflict"
	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/queue"
)

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicts",
	}
	cmd.AddCommand(conflictsListCmd(), conflictsResolveCmd(), conflictsLogCmd())
	return cmd
}

func conflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting manual resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Clog.ListManual(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no manual conflicts")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"id", "entity", "local", "server", "since"})
			for _, e := range entries {
				t.AppendRow(table.Row{
					e.ID,
					e.EntityType + "/" + e.EntityID,
					compact(e.LocalPayload),
					compact(e.ServerPayload),
					e.CreatedAt.Local().Format(time.RFC3339),
				})
			}
			t.Render()
			return nil
		},
	}
}

func conflictsResolveCmd() *cobra.Command {
	var winner string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a manual conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			entry, err := a.Clog.ResolveManual(ctx, id, winner)
			if err != nil {
				return err
			}

			// Apply the chosen side locally. A local winner re-enqueues
			// the payload so the next sync pushes it.
			switch winner {
			case conflict.WinnerServer:
				local, err := a.Store.GetEntity(ctx, entry.EntityType, entry.EntityID)
				version := int64(1)
				if err == nil {
					version = local.Version + 1
				}
				if err := a.Store.ApplyEntity(ctx, db.EntityWrite{
					EntityType: entry.EntityType,
					EntityID:   entry.EntityID,
					Version:    version,
					Data:       entry.ServerPayload,
				}); err != nil {
					return err
				}
			case conflict.WinnerLocal:
				if _, err := a.Queue.Enqueue(ctx, queue.Operation{
					EntityType: entry.EntityType,
					EntityID:   entry.EntityID,
					Op:         queue.OpUpdate,
					Payload:    entry.LocalPayload,
				}); err != nil {
					return err
				}
			}

			fmt.Printf("conflict %d resolved: %s wins\n", id, winner)
			return nil
		},
	}
	cmd.Flags().StringVar(&winner, "winner", "", "which side wins: local or server")
	cmd.MarkFlagRequired("winner")
	return cmd
}

func conflictsLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the resolution audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Clog.ListResolutions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no resolutions recorded")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"entity", "strategy", "winner", "resolved"})
			for _, e := range entries {
				t.AppendRow(table.Row{
					e.EntityType + "/" + e.EntityID,
					string(e.Strategy),
					e.Winner,
					e.ResolvedAt.Local().Format(time.RFC3339),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show")
	return cmd
}

// compact renders a payload on one short line for table cells.
func compact(m map[string]any) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return "?"
	}
	const max = 40
	if len(raw) > max {
		return string(raw[:max-3]) + "..."
	}
	return string(raw)
}
