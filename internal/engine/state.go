package engine

import (
	"sync"
	"time"
)

// Phase names the engine lifecycle states.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSyncing   Phase = "syncing"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
	PhasePaused    Phase = "paused"
)

// State is the process-wide sync state, broadcast on every transition.
// Exactly one Engine owns it.
type State struct {
	Phase     Phase
	Progress  float64 // monotonic within one cycle: push [0,0.5], pull [0.5,1]
	CurrentOp string
	Result    *SyncResult // set when Phase == PhaseCompleted
	Err       string      // set when Phase == PhaseFailed
}

// OperationError is one per-operation failure surfaced in SyncResult.
// Failures are accumulated, never dropped.
type OperationError struct {
	OperationID string
	EntityType  string
	EntityID    string
	Phase       string // "push" or "pull"
	Message     string
}

// SyncResult aggregates one full sync cycle.
type SyncResult struct {
	PushedCount       int
	PulledCount       int
	ConflictsResolved int
	Errors            []OperationError
	StartedAt         time.Time
	Duration          time.Duration
}

// TotalOperations is the number of operations the cycle moved in either
// direction.
func (r *SyncResult) TotalOperations() int {
	return r.PushedCount + r.PulledCount
}

// broadcaster fans State transitions out to subscribers. Sends never
// block: a subscriber that stops draining misses intermediate updates
// but always observes the latest on its next receive.
type broadcaster struct {
	mu   sync.Mutex
	cur  State
	subs map[chan State]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		cur:  State{Phase: PhaseIdle},
		subs: make(map[chan State]struct{}),
	}
}

// Subscribe returns a state channel and a cancel func. The current state
// is delivered immediately.
func (b *broadcaster) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	ch <- b.cur
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

// Current returns the latest state.
func (b *broadcaster) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

func (b *broadcaster) set(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Progress never regresses within a running cycle.
	if s.Phase == PhaseSyncing && b.cur.Phase == PhaseSyncing && s.Progress < b.cur.Progress {
		s.Progress = b.cur.Progress
	}
	b.cur = s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
