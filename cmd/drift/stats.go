package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show background sync statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Sched == nil {
				return fmt.Errorf("no api_url configured")
			}
			ctx := cmd.Context()

			if reset {
				if err := a.Sched.ResetStats(ctx); err != nil {
					return err
				}
				fmt.Println("stats reset")
				return nil
			}

			stats, err := a.Sched.Stats(ctx)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendRows([]table.Row{
				{"total syncs", stats.TotalSyncs},
				{"successful", stats.SuccessfulSyncs},
				{"failed", stats.FailedSyncs},
				{"success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate()*100)},
				{"avg duration", stats.AverageDuration().Round(timeRound)},
			})
			if !stats.LastSyncAt.IsZero() {
				t.AppendRow(table.Row{"last sync", stats.LastSyncAt.Local().Format(time.RFC3339)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "zero the counters")
	return cmd
}
