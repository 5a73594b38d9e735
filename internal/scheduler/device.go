package scheduler

import (
	"context"
	"time"
)

// Battery reports power state. Implementations should fail open: when
// the platform cannot answer, report a full, charging battery.
type Battery interface {
	Level(ctx context.Context) (int, error) // percent, 0-100
	Charging(ctx context.Context) (bool, error)
}

// Network reports connectivity state.
type Network interface {
	Online(ctx context.Context) bool
	WiFi(ctx context.Context) bool
}

// Health is the platform health hook (thermal state, storage pressure).
// Fail-open: an error counts as healthy.
type Health interface {
	OK(ctx context.Context) (bool, error)
}

// WakeLock keeps the device awake for the duration of a sync attempt.
type WakeLock interface {
	Acquire(tag string) error
	Release(tag string) error
}

// Clock abstracts time for the cooldown and quiet-hours logic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// PluggedIn is the desktop battery: always full, always charging.
type PluggedIn struct{}

func (PluggedIn) Level(ctx context.Context) (int, error)     { return 100, nil }
func (PluggedIn) Charging(ctx context.Context) (bool, error) { return true, nil }

// WiredNetwork assumes an always-online, unmetered connection.
type WiredNetwork struct{}

func (WiredNetwork) Online(ctx context.Context) bool { return true }
func (WiredNetwork) WiFi(ctx context.Context) bool   { return true }

// AlwaysHealthy is the no-op health hook.
type AlwaysHealthy struct{}

func (AlwaysHealthy) OK(ctx context.Context) (bool, error) { return true, nil }

// NopWakeLock is used on platforms without a wake-lock concept.
type NopWakeLock struct{}

func (NopWakeLock) Acquire(tag string) error { return nil }
func (NopWakeLock) Release(tag string) error { return nil }

// ProbeNetwork adapts a connectivity probe into the Network interface.
// Network type is unknowable from a probe, so WiFi reports true.
type ProbeNetwork struct {
	Probe interface {
		CheckConnectivity(ctx context.Context) bool
	}
}

func (p ProbeNetwork) Online(ctx context.Context) bool {
	if p.Probe == nil {
		return true
	}
	return p.Probe.CheckConnectivity(ctx)
}

func (p ProbeNetwork) WiFi(ctx context.Context) bool { return true }
