package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftnotes/drift/internal/db"
)

// Config is the background-sync policy. It lives as a JSON blob in the
// sync_state table so a restarted process picks up exactly where the
// previous one left off. Mutate only through Scheduler.UpdateConfig.
type Config struct {
	AutoSync        bool          `json:"auto_sync"`
	Interval        time.Duration `json:"interval"`
	MinInterval     time.Duration `json:"min_interval"` // cooldown between syncs
	WiFiOnly        bool          `json:"wifi_only"`
	RequireCharging bool          `json:"require_charging"`
	RequireIdle     bool          `json:"require_idle"`
	MinBatteryPct   int           `json:"min_battery_pct"`
	QuietHoursStart int           `json:"quiet_hours_start"` // hour of day, 0-23
	QuietHoursEnd   int           `json:"quiet_hours_end"`   // equal to start disables
	APIURL          string        `json:"api_url"`
}

// DefaultSchedulerConfig returns the shipped policy: hourly auto-sync,
// 5 minute cooldown, quiet hours 1am-6am.
func DefaultSchedulerConfig() Config {
	return Config{
		AutoSync:        true,
		Interval:        time.Hour,
		MinInterval:     5 * time.Minute,
		MinBatteryPct:   20,
		QuietHoursStart: 1,
		QuietHoursEnd:   6,
	}
}

// quietHoursEnabled reports whether the window is configured at all.
func (c Config) quietHoursEnabled() bool {
	return c.QuietHoursStart != c.QuietHoursEnd
}

// inQuietHours reports whether t falls inside the quiet window. The
// window may wrap midnight (start 22, end 6).
func (c Config) inQuietHours(t time.Time) bool {
	if !c.quietHoursEnabled() {
		return false
	}
	h := t.Hour()
	if c.QuietHoursStart < c.QuietHoursEnd {
		return h >= c.QuietHoursStart && h < c.QuietHoursEnd
	}
	return h >= c.QuietHoursStart || h < c.QuietHoursEnd
}

// nextWindowStart returns the earliest time at or after t outside the
// quiet window.
func (c Config) nextWindowStart(t time.Time) time.Time {
	if !c.inQuietHours(t) {
		return t
	}
	end := time.Date(t.Year(), t.Month(), t.Day(), c.QuietHoursEnd, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

// LoadConfig reads the persisted policy, falling back to defaults when
// none was ever saved.
func LoadConfig(ctx context.Context, store *db.Store) (Config, error) {
	raw, err := store.GetKV(ctx, db.KeyBackgroundConfig)
	if err == db.ErrNotFound {
		return DefaultSchedulerConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("load scheduler config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scheduler config: %w", err)
	}
	return cfg, nil
}

func saveConfig(ctx context.Context, store *db.Store, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal scheduler config: %w", err)
	}
	return store.SetKV(ctx, db.KeyBackgroundConfig, string(raw))
}
