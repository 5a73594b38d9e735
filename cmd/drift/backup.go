package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the local dataset to the backup store",
	}
	cmd.AddCommand(backupNowCmd(), backupListCmd(), backupRestoreCmd())
	return cmd
}

func backupNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Write a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Snap == nil {
				return fmt.Errorf("no backup store configured")
			}
			ctx := cmd.Context()

			key, err := a.Snap.Create(ctx)
			if err != nil {
				return err
			}
			fmt.Println("wrote", key)

			if keep := a.Cfg.Backup.Keep; keep > 0 {
				pruned, err := a.Snap.Keep(ctx, keep)
				if err != nil {
					return err
				}
				if pruned > 0 {
					fmt.Printf("pruned %d old snapshot(s)\n", pruned)
				}
			}
			return nil
		},
	}
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Snap == nil {
				return fmt.Errorf("no backup store configured")
			}

			keys, err := a.Snap.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("no snapshots")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"key"})
			for _, k := range keys {
				t.AppendRow(table.Row{k})
			}
			t.Render()
			return nil
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <key>",
		Short: "Restore a snapshot into the local dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Snap == nil {
				return fmt.Errorf("no backup store configured")
			}
			if err := a.Snap.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("restored", args[0])
			return nil
		},
	}
}
