// Package scheduler decides when the sync engine may run. It owns the
// eligibility gate (battery, connectivity, quiet hours, pending work),
// the cooldown between syncs, the periodic loop with failure backoff,
// and the persisted policy and counters.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/engine"
	"github.com/driftnotes/drift/internal/observe"
)

// Sync request priorities. They map to the queue's minimum-priority
// filter: a critical sync drains everything, an opportunistic one too,
// but callers may restrict a manual sync to urgent operations only.
const (
	PriorityAll      = 0
	PriorityDefault  = 50
	PriorityCritical = 100
)

const wakeLockTag = "drift-sync"

// Syncer is the slice of the engine the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context, opts engine.Options) (*engine.SyncResult, error)
}

// PendingCounter reports how much work awaits push.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// ConditionReport is the outcome of the eligibility gate: the verdict,
// the first failing reason, and every individual check result.
type ConditionReport struct {
	Eligible bool
	Reason   string

	BatteryOK      bool
	ConnectivityOK bool
	NetworkTypeOK  bool
	HealthOK       bool
	TimeWindowOK   bool
	HasPendingWork bool
}

// Result is one background or manual sync attempt. A gate or cooldown
// rejection is a Result, not an error.
type Result struct {
	Success           bool
	Reason            string
	CooldownRemaining time.Duration
	Sync              *engine.SyncResult
}

// Constraints tighten the persisted policy for one background execution,
// mirroring what the OS task scheduler granted.
type Constraints struct {
	RequireCharging bool
	RequireWiFi     bool
}

// Scheduler gates and drives background sync. Construct with New; all
// methods are safe for concurrent use.
type Scheduler struct {
	store   *db.Store
	engine  Syncer
	pending PendingCounter

	battery  Battery
	network  Network
	health   Health
	wakeLock WakeLock
	clock    Clock

	sink observe.Sink
	log  *slog.Logger

	mu       sync.Mutex
	cfg      Config
	failures int // consecutive background failures, drives backoff
}

// New builds a Scheduler around persisted policy. Nil collaborators get
// fail-open defaults suitable for desktop.
func New(ctx context.Context, store *db.Store, eng Syncer, pending PendingCounter,
	battery Battery, network Network, health Health, lock WakeLock, clock Clock,
	sink observe.Sink, log *slog.Logger) (*Scheduler, error) {
	if battery == nil {
		battery = PluggedIn{}
	}
	if network == nil {
		network = WiredNetwork{}
	}
	if health == nil {
		health = AlwaysHealthy{}
	}
	if lock == nil {
		lock = NopWakeLock{}
	}
	if clock == nil {
		clock = SystemClock
	}
	if sink == nil {
		sink = observe.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	cfg, err := LoadConfig(ctx, store)
	if err != nil {
		return nil, err
	}
	failures := 0
	if raw, err := store.GetKV(ctx, db.KeyFailureCount); err == nil {
		failures, _ = strconv.Atoi(raw)
	}

	return &Scheduler{
		store:    store,
		engine:   eng,
		pending:  pending,
		battery:  battery,
		network:  network,
		health:   health,
		wakeLock: lock,
		clock:    clock,
		sink:     sink,
		log:      log,
		cfg:      cfg,
		failures: failures,
	}, nil
}

// Config returns the current policy.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig persists and applies a new policy.
func (s *Scheduler) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := saveConfig(ctx, s.store, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// EnableAutoSync turns the periodic loop's work on.
func (s *Scheduler) EnableAutoSync(ctx context.Context) error {
	cfg := s.Config()
	cfg.AutoSync = true
	return s.UpdateConfig(ctx, cfg)
}

// DisableAutoSync turns it off. Manual syncs still work.
func (s *Scheduler) DisableAutoSync(ctx context.Context) error {
	cfg := s.Config()
	cfg.AutoSync = false
	return s.UpdateConfig(ctx, cfg)
}

// Stats returns the persisted counters.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	return loadStats(ctx, s.store)
}

// ResetStats zeroes the persisted counters.
func (s *Scheduler) ResetStats(ctx context.Context) error {
	return saveStats(ctx, s.store, Stats{})
}

// CheckConditions evaluates the eligibility gate in fixed order: battery,
// connectivity, network type, device health, quiet hours, pending work.
// The first failing check short-circuits with its reason; the report
// still carries every evaluated boolean.
func (s *Scheduler) CheckConditions(ctx context.Context) ConditionReport {
	cfg := s.Config()
	var r ConditionReport

	level, err := s.battery.Level(ctx)
	if err != nil {
		level = 100 // fail open
	}
	charging, err := s.battery.Charging(ctx)
	if err != nil {
		charging = true
	}
	r.BatteryOK = charging || level >= cfg.MinBatteryPct
	if cfg.RequireCharging && !charging {
		r.BatteryOK = false
	}
	if !r.BatteryOK {
		r.Reason = fmt.Sprintf("battery at %d%%, charging=%v", level, charging)
		return r
	}

	r.ConnectivityOK = s.network.Online(ctx)
	if !r.ConnectivityOK {
		r.Reason = "no network connectivity"
		return r
	}

	r.NetworkTypeOK = !cfg.WiFiOnly || s.network.WiFi(ctx)
	if !r.NetworkTypeOK {
		r.Reason = "wifi required but not connected"
		return r
	}

	healthy, err := s.health.OK(ctx)
	r.HealthOK = healthy || err != nil // fail open
	if !r.HealthOK {
		r.Reason = "device health check failed"
		return r
	}

	now := s.clock.Now()
	r.TimeWindowOK = !cfg.inQuietHours(now)
	if !r.TimeWindowOK {
		r.Reason = fmt.Sprintf("quiet hours (%02d:00-%02d:00)", cfg.QuietHoursStart, cfg.QuietHoursEnd)
		return r
	}

	n, err := s.pending.PendingCount(ctx)
	if err != nil {
		s.log.Warn("pending count failed", "error", err)
	}
	r.HasPendingWork = n > 0
	if !r.HasPendingWork {
		r.Reason = "no pending work"
		return r
	}

	r.Eligible = true
	return r
}

// SyncNow runs one sync attempt. Without force it enforces the cooldown
// first and returns the remaining wait with zero network calls made. The
// wake lock is held for the whole engine call.
func (s *Scheduler) SyncNow(ctx context.Context, force bool, minPriority int) (*Result, error) {
	if !force {
		if remaining, err := s.cooldownRemaining(ctx); err != nil {
			return nil, err
		} else if remaining > 0 {
			return &Result{
				Success:           false,
				Reason:            "cooldown",
				CooldownRemaining: remaining,
			}, nil
		}
	}
	return s.runSync(ctx, engine.Options{Force: force, Priority: minPriority})
}

// ExecuteBackgroundSync is the re-entry point for OS task execution. It
// rebuilds policy from durable storage, applies the granted constraints,
// runs the gate, and only then syncs. No in-memory state is assumed to
// have survived process death.
func (s *Scheduler) ExecuteBackgroundSync(ctx context.Context, c Constraints) (*Result, error) {
	cfg, err := LoadConfig(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if c.RequireCharging {
		cfg.RequireCharging = true
	}
	if c.RequireWiFi {
		cfg.WiFiOnly = true
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	report := s.CheckConditions(ctx)
	if !report.Eligible {
		s.log.Debug("background sync not eligible", "reason", report.Reason)
		return &Result{Success: false, Reason: report.Reason}, nil
	}
	return s.SyncNow(ctx, false, PriorityAll)
}

// CriticalSync is the must-not-defer variant: forced, skips the gate and
// the cooldown, drains everything. Still wake-locked.
func (s *Scheduler) CriticalSync(ctx context.Context) (*Result, error) {
	return s.runSync(ctx, engine.Options{Force: true, Priority: PriorityAll})
}

// OnChargingStart is the opportunistic trigger for power attach. Best
// effort: every failure is swallowed after logging.
func (s *Scheduler) OnChargingStart(ctx context.Context) {
	s.opportunistic(ctx, "charging-start")
}

// OnWiFiConnected is the opportunistic trigger for an unmetered network.
func (s *Scheduler) OnWiFiConnected(ctx context.Context) {
	s.opportunistic(ctx, "wifi-connected")
}

func (s *Scheduler) opportunistic(ctx context.Context, trigger string) {
	report := s.CheckConditions(ctx)
	if !report.Eligible {
		s.log.Debug("opportunistic sync skipped", "trigger", trigger, "reason", report.Reason)
		return
	}
	res, err := s.SyncNow(ctx, false, PriorityAll)
	if err != nil {
		s.log.Debug("opportunistic sync failed", "trigger", trigger, "error", err)
		return
	}
	if !res.Success {
		s.log.Debug("opportunistic sync declined", "trigger", trigger, "reason", res.Reason)
	}
}

// Run is the periodic loop. The first tick is deferred out of quiet
// hours; later ticks come every Interval, stretched by exponential
// backoff while background syncs keep failing. Returns when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.initialDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		cfg := s.Config()
		if cfg.AutoSync {
			res, err := s.ExecuteBackgroundSync(ctx, Constraints{})
			switch {
			case err != nil:
				s.noteFailure(ctx)
				s.log.Warn("background sync failed", "error", err)
			case res.Success:
				s.noteSuccess(ctx)
			case res.Reason == "cooldown" || res.Reason == "no pending work":
				// Nothing to do is not a failure.
			default:
				s.noteFailure(ctx)
			}
		}
		timer.Reset(s.nextDelay())
	}
}

// initialDelay defers the first run out of quiet hours.
func (s *Scheduler) initialDelay() time.Duration {
	cfg := s.Config()
	now := s.clock.Now()
	target := now.Add(cfg.Interval)
	if cfg.inQuietHours(target) {
		target = cfg.nextWindowStart(target)
	}
	return target.Sub(now)
}

// nextDelay is the tick interval, doubled per consecutive failure up to
// six doublings.
func (s *Scheduler) nextDelay() time.Duration {
	cfg := s.Config()
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()

	delay := cfg.Interval
	if failures > 0 {
		shift := failures
		if shift > 6 {
			shift = 6
		}
		delay = cfg.Interval * (1 << shift)
	}
	target := s.clock.Now().Add(delay)
	if cfg.inQuietHours(target) {
		target = cfg.nextWindowStart(target)
	}
	return target.Sub(s.clock.Now())
}

func (s *Scheduler) runSync(ctx context.Context, opts engine.Options) (*Result, error) {
	if err := s.wakeLock.Acquire(wakeLockTag); err != nil {
		s.log.Warn("wake lock acquire failed", "error", err)
	}
	defer func() {
		if err := s.wakeLock.Release(wakeLockTag); err != nil {
			s.log.Warn("wake lock release failed", "error", err)
		}
	}()

	s.sink.AddBreadcrumb(ctx, "scheduler", "sync attempt")
	start := s.clock.Now()
	syncResult, err := s.engine.Sync(ctx, opts)
	elapsed := s.clock.Now().Sub(start)

	switch {
	case errors.Is(err, engine.ErrSyncInProgress):
		return &Result{Success: false, Reason: "sync already in progress"}, nil
	case errors.Is(err, engine.ErrPaused):
		return &Result{Success: false, Reason: "sync paused"}, nil
	case errors.Is(err, engine.ErrNoConnectivity):
		s.recordAttempt(ctx, elapsed, false)
		return &Result{Success: false, Reason: "no connectivity"}, nil
	case errors.Is(err, engine.ErrCancelled):
		s.recordAttempt(ctx, elapsed, false)
		return &Result{Success: false, Reason: "cancelled", Sync: syncResult}, nil
	case err != nil:
		s.recordAttempt(ctx, elapsed, false)
		return &Result{Success: false, Reason: err.Error(), Sync: syncResult}, nil
	}

	s.recordAttempt(ctx, elapsed, true)
	return &Result{Success: true, Sync: syncResult}, nil
}

// recordAttempt folds one executed sync into the persisted counters.
// Gate and cooldown rejections never reach here.
func (s *Scheduler) recordAttempt(ctx context.Context, d time.Duration, ok bool) {
	stats, err := loadStats(ctx, s.store)
	if err != nil {
		s.log.Warn("load stats failed", "error", err)
		stats = Stats{}
	}
	stats = stats.record(d, s.clock.Now(), ok)
	if err := saveStats(ctx, s.store, stats); err != nil {
		s.log.Warn("save stats failed", "error", err)
	}
}

func (s *Scheduler) cooldownRemaining(ctx context.Context) (time.Duration, error) {
	cfg := s.Config()
	if cfg.MinInterval <= 0 {
		return 0, nil
	}
	stats, err := loadStats(ctx, s.store)
	if err != nil {
		return 0, err
	}
	if stats.LastSyncAt.IsZero() {
		return 0, nil
	}
	elapsed := s.clock.Now().Sub(stats.LastSyncAt)
	if elapsed >= cfg.MinInterval {
		return 0, nil
	}
	return cfg.MinInterval - elapsed, nil
}

func (s *Scheduler) noteFailure(ctx context.Context) {
	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()
	if err := s.store.SetKV(ctx, db.KeyFailureCount, strconv.Itoa(n)); err != nil {
		s.log.Warn("persist failure count", "error", err)
	}
}

func (s *Scheduler) noteSuccess(ctx context.Context) {
	s.mu.Lock()
	changed := s.failures != 0
	s.failures = 0
	s.mu.Unlock()
	if changed {
		if err := s.store.SetKV(ctx, db.KeyFailureCount, "0"); err != nil {
			s.log.Warn("persist failure count", "error", err)
		}
	}
}
