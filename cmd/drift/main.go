// drift: offline-first sync CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftnotes/drift/internal/app"
	"github.com/driftnotes/drift/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "drift",
		Short:         "Offline-first sync for your local dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		syncCmd(),
		statusCmd(),
		statsCmd(),
		conflictsCmd(),
		autosyncCmd(),
		queueCmd(),
		backupCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "drift:", err)
		os.Exit(1)
	}
}

// openApp builds the service container for one command invocation.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	opts := app.Options{}
	if cfg.Encrypt {
		pass, err := readPassphrase()
		if err != nil {
			return nil, err
		}
		opts.Passphrase = pass
	}
	return app.New(ctx, cfg, opts)
}
