package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftnotes/drift/internal/db"
)

// Stats are the cumulative background-sync counters, persisted as JSON
// in the sync_state table so they survive restarts.
type Stats struct {
	TotalSyncs         int64         `json:"total_syncs"`
	SuccessfulSyncs    int64         `json:"successful_syncs"`
	FailedSyncs        int64         `json:"failed_syncs"`
	CumulativeDuration time.Duration `json:"cumulative_duration"`
	// LastSyncAt is the completion time of the last successful sync. It
	// anchors the cooldown; failed attempts leave it alone so a retry is
	// never locked out behind its own failure.
	LastSyncAt time.Time `json:"last_sync_at"`
}

// SuccessRate is successful/total, 0 when nothing ever ran.
func (s Stats) SuccessRate() float64 {
	if s.TotalSyncs == 0 {
		return 0
	}
	return float64(s.SuccessfulSyncs) / float64(s.TotalSyncs)
}

// AverageDuration is the mean wall time per sync.
func (s Stats) AverageDuration() time.Duration {
	if s.TotalSyncs == 0 {
		return 0
	}
	return s.CumulativeDuration / time.Duration(s.TotalSyncs)
}

func (s Stats) record(d time.Duration, at time.Time, ok bool) Stats {
	s.TotalSyncs++
	if ok {
		s.SuccessfulSyncs++
		s.LastSyncAt = at
	} else {
		s.FailedSyncs++
	}
	s.CumulativeDuration += d
	return s
}

func loadStats(ctx context.Context, store *db.Store) (Stats, error) {
	raw, err := store.GetKV(ctx, db.KeyBackgroundStats)
	if err == db.ErrNotFound {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("load scheduler stats: %w", err)
	}
	var s Stats
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Stats{}, fmt.Errorf("parse scheduler stats: %w", err)
	}
	return s, nil
}

func saveStats(ctx context.Context, store *db.Store, s Stats) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal scheduler stats: %w", err)
	}
	return store.SetKV(ctx, db.KeyBackgroundStats, string(raw))
}
