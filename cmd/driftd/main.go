// driftd: background sync daemon.
// Runs the periodic scheduler loop, watches connectivity for
// opportunistic syncs, and performs a critical sync on shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/driftnotes/drift/internal/app"
	"github.com/driftnotes/drift/internal/config"
)

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func pidPath() string {
	return filepath.Join(xdgDataHome(), "drift", "driftd.pid")
}

func writePid(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("driftd: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.APIURL == "" {
		return fmt.Errorf("no api_url configured")
	}

	opts := app.Options{}
	if cfg.Encrypt {
		pass := os.Getenv("DRIFT_PASSPHRASE")
		if pass == "" {
			return fmt.Errorf("encryption enabled: set DRIFT_PASSPHRASE")
		}
		opts.Passphrase = []byte(pass)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePid(pidPath()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath())

	// Connectivity transitions drive opportunistic sync attempts.
	go a.Probe.Watch(ctx, 30*time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-a.Probe.Changes():
				if online {
					a.Sched.OnWiFiConnected(ctx)
				}
			}
		}
	}()

	a.Log.Info("driftd started", "server", cfg.APIURL, "device", cfg.Device)
	err = a.Sched.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}

	// Shutting down: flush whatever is still queued, bounded so a dead
	// server cannot hang the exit.
	a.Log.Info("shutting down, running critical sync")
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if res, err := a.Sched.CriticalSync(flushCtx); err != nil {
		a.Log.Warn("critical sync failed", "error", err)
	} else if res.Sync != nil {
		a.Log.Info("critical sync done",
			"pushed", res.Sync.PushedCount, "pulled", res.Sync.PulledCount)
	}
	return nil
}
