package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/scheduler"
)

const timeRound = time.Millisecond

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func pidFile() string {
	return filepath.Join(xdgDataHome(), "drift", "driftd.pid")
}

func daemonRunning() bool {
	b, err := os.ReadFile(pidFile())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 checks if process exists (Unix)
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	return true
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			pending, err := a.Queue.PendingCount(ctx)
			if err != nil {
				return err
			}
			lastSync, err := a.Store.GetKVTime(ctx, db.KeyLastSyncAt)
			if err != nil {
				return err
			}
			schedCfg, err := scheduler.LoadConfig(ctx, a.Store)
			if err != nil {
				return err
			}
			manual, err := a.Clog.ListManual(ctx)
			if err != nil {
				return err
			}

			daemon := "not running"
			if daemonRunning() {
				daemon = "running"
			}
			autosync := "off"
			if schedCfg.AutoSync {
				autosync = fmt.Sprintf("on (every %s)", schedCfg.Interval)
			}
			last := "never"
			if !lastSync.IsZero() {
				last = fmt.Sprintf("%s (%s ago)",
					lastSync.Local().Format(time.RFC3339),
					time.Since(lastSync).Round(time.Second))
			}

			fmt.Printf("server:            %s\n", orNone(a.Cfg.APIURL))
			fmt.Printf("daemon:            %s\n", daemon)
			fmt.Printf("autosync:          %s\n", autosync)
			fmt.Printf("last sync:         %s\n", last)
			fmt.Printf("pending ops:       %d\n", pending)
			fmt.Printf("manual conflicts:  %d\n", len(manual))
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
