package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func autosyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autosync on|off",
		Short: "Enable or disable background sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Sched == nil {
				return fmt.Errorf("no api_url configured")
			}

			switch args[0] {
			case "on":
				if err := a.Sched.EnableAutoSync(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("autosync enabled")
			case "off":
				if err := a.Sched.DisableAutoSync(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("autosync disabled")
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return nil
		},
	}
	return cmd
}
