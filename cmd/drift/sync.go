package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftnotes/drift/internal/engine"
)

func syncCmd() *cobra.Command {
	var (
		force    bool
		entities []string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one push+pull sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Engine == nil {
				return fmt.Errorf("no api_url configured")
			}

			result, err := a.Engine.Sync(cmd.Context(), engine.Options{
				EntityTypes: entities,
				Priority:    priority,
				Force:       force,
			})
			if err != nil && err != engine.ErrCancelled {
				return err
			}

			fmt.Printf("pushed %d, pulled %d, conflicts resolved %d in %s\n",
				result.PushedCount, result.PulledCount, result.ConflictsResolved,
				result.Duration.Round(timeRound))
			if err == engine.ErrCancelled {
				fmt.Println("sync cancelled; completed work is kept")
			}
			for _, e := range result.Errors {
				fmt.Printf("  %s %s/%s: %s\n", e.Phase, e.EntityType, e.EntityID, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass connectivity and pause checks")
	cmd.Flags().StringSliceVar(&entities, "entities", nil, "entity types to sync (default all)")
	cmd.Flags().IntVar(&priority, "priority", 0, "only push operations at or above this priority")
	return cmd
}
