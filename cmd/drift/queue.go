package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/driftnotes/drift/internal/queue"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending operation queue",
	}
	cmd.AddCommand(queueListCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in push order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.Queue.PendingOperations(cmd.Context(), queue.Filter{Limit: limit})
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("queue is empty")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"id", "entity", "op", "prio", "retries", "queued"})
			for _, op := range ops {
				t.AppendRow(table.Row{
					op.ID[:8],
					op.EntityType + "/" + op.EntityID,
					op.Op,
					op.Priority,
					op.RetryCount,
					op.CreatedAt.Local().Format(time.RFC3339),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "operations to show")
	return cmd
}
