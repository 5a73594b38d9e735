// Package engine orchestrates one bidirectional sync cycle: drain the
// operation queue to the server (push), then apply remote deltas since
// the last watermark (pull), reconciling divergence through the conflict
// registry. One Engine instance owns the process-wide sync state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftnotes/drift/internal/conflict"
	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/observe"
	"github.com/driftnotes/drift/internal/queue"
	"github.com/driftnotes/drift/internal/transport"
)

// Config tunes one Engine.
type Config struct {
	BatchSize            int           // operations per push request
	MaxOperationsPerSync int           // pending-queue drain cap per cycle
	MaxRetries           int           // transport retries per batch
	BaseRetryDelay       time.Duration // backoff base: 2^attempt * base
	Compress             bool          // zstd+base64 push batches
	OpRetention          time.Duration // keep synced operations this long
}

// DefaultConfig returns the tuning shipped with the app.
func DefaultConfig() Config {
	return Config{
		BatchSize:            50,
		MaxOperationsPerSync: 500,
		MaxRetries:           3,
		BaseRetryDelay:       500 * time.Millisecond,
		Compress:             true,
		OpRetention:          7 * 24 * time.Hour,
	}
}

// Options selects what one Sync call covers.
type Options struct {
	EntityTypes []string // nil = all
	Priority    int      // minimum priority, 0 = all
	Force       bool     // bypass connectivity/pause checks, cancel an in-flight cycle
}

// Engine runs sync cycles. All methods are safe for concurrent use; at
// most one cycle executes at a time.
type Engine struct {
	cfg         Config
	store       *db.Store
	queue       *queue.Queue
	client      *transport.Client
	probe       transport.Probe
	resolvers   *conflict.Registry
	conflictLog *conflict.Log
	sink        observe.Sink
	log         *slog.Logger
	state       *broadcaster

	mu      sync.Mutex
	running bool
	paused  bool
	cancel  chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an Engine. probe may be nil (assumed online), sink nil gets
// a no-op, log nil gets slog.Default.
func New(cfg Config, store *db.Store, q *queue.Queue, client *transport.Client,
	probe transport.Probe, resolvers *conflict.Registry, clog *conflict.Log,
	sink observe.Sink, log *slog.Logger) *Engine {
	if sink == nil {
		sink = observe.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		queue:       q,
		client:      client,
		probe:       probe,
		resolvers:   resolvers,
		conflictLog: clog,
		sink:        sink,
		log:         log,
		state:       newBroadcaster(),
		sleep:       sleepCtx,
	}
}

// Subscribe exposes the state stream.
func (e *Engine) Subscribe() (<-chan State, func()) { return e.state.Subscribe() }

// State returns the current sync state.
func (e *Engine) State() State { return e.state.Current() }

// Pause rejects further non-forced syncs until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	running := e.running
	e.mu.Unlock()
	if !running {
		e.state.set(State{Phase: PhasePaused})
	}
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	running := e.running
	e.mu.Unlock()
	if !running {
		e.state.set(State{Phase: PhaseIdle})
	}
}

// Cancel requests cooperative cancellation of the running cycle, if any.
// Work already committed is not rolled back; a later sync picks up where
// this one stopped.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.cancel != nil {
		select {
		case <-e.cancel:
		default:
			close(e.cancel)
		}
	}
}

// Sync runs one full push+pull cycle. It fails fast with
// ErrSyncInProgress when a cycle is running (Force cancels it and waits
// for the guard), and ErrNoConnectivity when offline (unless Force).
// Per-operation failures land in SyncResult.Errors; only unexpected
// errors fail the cycle.
func (e *Engine) Sync(ctx context.Context, opts Options) (*SyncResult, error) {
	if err := e.acquire(ctx, opts.Force); err != nil {
		return nil, err
	}
	defer e.release()

	if e.probe != nil && !opts.Force && !e.probe.CheckConnectivity(ctx) {
		e.state.set(State{Phase: PhaseFailed, Err: ErrNoConnectivity.Error()})
		return nil, ErrNoConnectivity
	}

	ctx, span := e.sink.StartTransaction(ctx, "sync.cycle")
	result := &SyncResult{StartedAt: time.Now()}
	err := e.run(ctx, opts, result)
	result.Duration = time.Since(result.StartedAt)
	span.SetData("pushed", result.PushedCount)
	span.SetData("pulled", result.PulledCount)
	span.SetData("conflicts_resolved", result.ConflictsResolved)
	span.SetData("errors", len(result.Errors))
	span.Finish(err)

	switch {
	case err == ErrCancelled:
		e.state.set(State{Phase: PhaseCancelled})
		e.log.Info("sync cancelled",
			"pushed", result.PushedCount, "pulled", result.PulledCount)
		return result, ErrCancelled
	case err != nil:
		e.state.set(State{Phase: PhaseFailed, Err: err.Error()})
		e.log.Error("sync failed", "error", err)
		return result, err
	}

	e.state.set(State{Phase: PhaseCompleted, Progress: 1, Result: result})
	e.log.Info("sync completed",
		"pushed", result.PushedCount,
		"pulled", result.PulledCount,
		"conflicts_resolved", result.ConflictsResolved,
		"errors", len(result.Errors),
		"duration", result.Duration)
	return result, nil
}

// acquire takes the single-flight guard. Force cancels a running cycle
// and waits for it to wind down at its next check point.
func (e *Engine) acquire(ctx context.Context, force bool) error {
	for {
		e.mu.Lock()
		if !e.running {
			if e.paused && !force {
				e.mu.Unlock()
				return ErrPaused
			}
			e.running = true
			e.cancel = make(chan struct{})
			e.mu.Unlock()
			return nil
		}
		if !force {
			e.mu.Unlock()
			return ErrSyncInProgress
		}
		if e.cancel != nil {
			select {
			case <-e.cancel:
			default:
				close(e.cancel)
			}
		}
		e.mu.Unlock()
		if err := sleepCtx(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
}

func (e *Engine) release() {
	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.mu.Unlock()
}

func (e *Engine) cancelled(ctx context.Context, cancel <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-cancel:
		return true
	default:
		return false
	}
}

func (e *Engine) run(ctx context.Context, opts Options, result *SyncResult) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	e.state.set(State{Phase: PhaseSyncing, Progress: 0, CurrentOp: "push"})

	if err := e.push(ctx, cancel, opts, result); err != nil {
		return err
	}
	if err := e.pull(ctx, cancel, opts, result); err != nil {
		return err
	}

	if _, err := e.queue.Prune(ctx, e.cfg.OpRetention); err != nil {
		e.log.Warn("prune failed", "error", err)
	}
	return nil
}

// push drains the pending queue in fixed-size batches. A batch that
// exhausts its transport retries records per-operation errors and the
// loop moves on; the cycle only aborts on unexpected failures.
func (e *Engine) push(ctx context.Context, cancel <-chan struct{}, opts Options, result *SyncResult) error {
	ops, err := e.queue.DequeueBatch(ctx, queue.Filter{
		EntityTypes: opts.EntityTypes,
		MinPriority: opts.Priority,
		Limit:       e.cfg.MaxOperationsPerSync,
	})
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}
	if len(ops) == 0 {
		e.state.set(State{Phase: PhaseSyncing, Progress: 0.5, CurrentOp: "pull"})
		return nil
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	total := (len(ops) + batchSize - 1) / batchSize

	for i := 0; i < len(ops); i += batchSize {
		if e.cancelled(ctx, cancel) {
			return ErrCancelled
		}
		batch := ops[i:min(i+batchSize, len(ops))]
		batchNum := i/batchSize + 1
		e.sink.AddBreadcrumb(ctx, "sync.push", fmt.Sprintf("batch %d/%d (%d ops)", batchNum, total, len(batch)))

		resp, err := e.pushBatch(ctx, cancel, batch)
		if err == ErrCancelled {
			return err
		}
		if err != nil {
			// Transport gave up; record every operation and keep going.
			e.log.Warn("push batch failed", "batch", batchNum, "error", err)
			for _, op := range batch {
				_ = e.queue.BumpRetry(ctx, op.ID)
				result.Errors = append(result.Errors, OperationError{
					OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
					Phase: "push", Message: err.Error(),
				})
			}
		} else {
			e.applyPushResults(ctx, batch, resp.Results, result)
		}

		progress := 0.5 * float64(batchNum) / float64(total)
		e.state.set(State{Phase: PhaseSyncing, Progress: progress, CurrentOp: "push"})
	}
	e.state.set(State{Phase: PhaseSyncing, Progress: 0.5, CurrentOp: "pull"})
	return nil
}

// pushBatch submits one batch, retrying transport failures with
// exponential backoff (2^attempt * base) up to MaxRetries.
func (e *Engine) pushBatch(ctx context.Context, cancel <-chan struct{}, batch []queue.Operation) (*transport.PushResponse, error) {
	wire := make([]transport.WireOperation, len(batch))
	for i, op := range batch {
		wire[i] = transport.WireOperation{
			ID:         op.ID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Operation:  op.Op,
			Payload:    op.Payload,
			Priority:   op.Priority,
			CreatedAt:  op.CreatedAt,
		}
	}

	req := transport.PushRequest{ClientTimestamp: time.Now().UTC()}
	if e.cfg.Compress {
		payload, err := CompressOperations(wire)
		if err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		req.Compressed = true
		req.CompressedPayload = payload
	} else {
		req.Operations = wire
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.cfg.BaseRetryDelay * (1 << (attempt - 1))
			e.log.Debug("retrying push batch", "attempt", attempt, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, ErrCancelled
			}
			if e.cancelled(ctx, cancel) {
				return nil, ErrCancelled
			}
		}
		resp, err := e.client.Push(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("push failed after %d attempts: %w", e.cfg.MaxRetries+1, lastErr)
}

// applyPushResults walks the per-operation outcomes of one batch.
func (e *Engine) applyPushResults(ctx context.Context, batch []queue.Operation, results []transport.OperationResult, result *SyncResult) {
	byID := make(map[string]queue.Operation, len(batch))
	for _, op := range batch {
		byID[op.ID] = op
	}

	for _, res := range results {
		op, ok := byID[res.LocalOperation]
		if !ok {
			e.log.Warn("push result for unknown operation", "operation", res.LocalOperation)
			continue
		}
		switch {
		case res.Success:
			if err := e.queue.MarkSynced(ctx, op.ID); err != nil {
				result.Errors = append(result.Errors, OperationError{
					OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
					Phase: "push", Message: fmt.Sprintf("mark synced: %v", err),
				})
				continue
			}
			result.PushedCount++
		case res.HasConflict:
			e.resolvePushConflict(ctx, op, res.ServerData, result)
		default:
			_ = e.queue.BumpRetry(ctx, op.ID)
			result.Errors = append(result.Errors, OperationError{
				OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
				Phase: "push", Message: res.Error,
			})
		}
	}
}

// resolvePushConflict reconciles a push rejection carrying server data.
// A resolved conflict removes the operation from pending; unresolved
// ones go to the manual queue and are recorded as errors.
func (e *Engine) resolvePushConflict(ctx context.Context, op queue.Operation, serverData map[string]any, result *SyncResult) {
	local := conflict.Version{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Data:       op.Payload,
	}
	server := conflict.Version{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Data:       serverData,
		Version:    numField(serverData, "version"),
	}
	if lv, err := e.store.GetEntity(ctx, op.EntityType, op.EntityID); err == nil {
		local.Version = lv.Version
		local.UpdatedAt = lv.UpdatedAt
	}

	res, err := e.resolvers.For(op.EntityType).Resolve(local, server)
	if err != nil {
		result.Errors = append(result.Errors, OperationError{
			OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
			Phase: "push", Message: fmt.Sprintf("resolve conflict: %v", err),
		})
		return
	}

	if res.RequiresManual {
		if _, err := e.conflictLog.EnqueueManual(ctx, op.EntityType, op.EntityID, op.Payload, serverData); err != nil {
			e.log.Error("enqueue manual conflict", "error", err)
		}
		result.Errors = append(result.Errors, OperationError{
			OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
			Phase: "push", Message: "conflict requires manual resolution",
		})
		return
	}
	if !res.Resolved {
		result.Errors = append(result.Errors, OperationError{
			OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
			Phase: "push", Message: "conflict unresolved",
		})
		return
	}

	if res.Winner == conflict.WinnerServer {
		version := server.Version
		if version <= local.Version {
			version = local.Version + 1
		}
		if err := e.store.ApplyEntity(ctx, db.EntityWrite{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Version:    version,
			Data:       res.Data,
		}); err != nil {
			result.Errors = append(result.Errors, OperationError{
				OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
				Phase: "push", Message: fmt.Sprintf("apply server data: %v", err),
			})
			return
		}
	}

	if err := e.queue.MarkSynced(ctx, op.ID); err != nil {
		e.log.Error("mark conflicted operation synced", "operation", op.ID, "error", err)
	}
	if err := e.conflictLog.RecordResolution(ctx, op.EntityType, op.EntityID, res.Strategy, res.Winner); err != nil {
		e.log.Error("record resolution", "error", err)
	}
	result.ConflictsResolved++
}

// pull fetches deltas since the watermark and applies them one local
// transaction at a time. The watermark only advances after a successful
// fetch, so nothing is ever skipped; re-applies are idempotent thanks to
// the version guard.
func (e *Engine) pull(ctx context.Context, cancel <-chan struct{}, opts Options, result *SyncResult) error {
	since, err := e.store.GetKVTime(ctx, db.KeyLastSyncAt)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	fetchedAt := time.Now().UTC()

	resp, err := e.pullWithRetry(ctx, cancel, since, opts.EntityTypes)
	if err == ErrCancelled {
		return err
	}
	if err != nil {
		// Leave the watermark alone; these deltas are fetched next cycle.
		result.Errors = append(result.Errors, OperationError{
			Phase: "pull", Message: err.Error(),
		})
		return nil
	}

	total := len(resp.Operations)
	for i, sop := range resp.Operations {
		if e.cancelled(ctx, cancel) {
			return ErrCancelled
		}
		if err := e.applyServerOperation(ctx, sop, result); err != nil {
			result.Errors = append(result.Errors, OperationError{
				EntityType: sop.EntityType, EntityID: sop.EntityID,
				Phase: "pull", Message: err.Error(),
			})
		} else {
			result.PulledCount++
		}
		progress := 0.5 + 0.5*float64(i+1)/float64(total)
		e.state.set(State{Phase: PhaseSyncing, Progress: progress, CurrentOp: "pull"})
	}
	e.sink.AddBreadcrumb(ctx, "sync.pull", fmt.Sprintf("applied %d/%d operations", result.PulledCount, total))

	if err := e.store.SetKVTime(ctx, db.KeyLastSyncAt, fetchedAt); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	return nil
}

func (e *Engine) pullWithRetry(ctx context.Context, cancel <-chan struct{}, since time.Time, entities []string) (*transport.PullResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.cfg.BaseRetryDelay * (1 << (attempt - 1))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, ErrCancelled
			}
			if e.cancelled(ctx, cancel) {
				return nil, ErrCancelled
			}
		}
		resp, err := e.client.Pull(ctx, since, entities)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("pull failed after %d attempts: %w", e.cfg.MaxRetries+1, lastErr)
}

// applyServerOperation applies one remote delta. Strictly newer versions
// (or unknown entities) apply directly; anything else is a conflict.
func (e *Engine) applyServerOperation(ctx context.Context, sop transport.ServerOperation, result *SyncResult) error {
	local, err := e.store.GetEntity(ctx, sop.EntityType, sop.EntityID)
	if err != nil && err != db.ErrNotFound {
		return fmt.Errorf("read local version: %w", err)
	}

	if local == nil || sop.Version > local.Version {
		return e.writeServerOperation(ctx, sop, sop.Version)
	}

	// Local version is equal or newer: resolve before applying or skipping.
	res, err := e.resolvers.For(sop.EntityType).Resolve(
		conflict.Version{
			EntityType: sop.EntityType,
			EntityID:   sop.EntityID,
			Version:    local.Version,
			Data:       local.Data,
			UpdatedAt:  local.UpdatedAt,
		},
		conflict.Version{
			EntityType: sop.EntityType,
			EntityID:   sop.EntityID,
			Version:    sop.Version,
			Data:       sop.Data,
		},
	)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if res.RequiresManual {
		if _, err := e.conflictLog.EnqueueManual(ctx, sop.EntityType, sop.EntityID, local.Data, sop.Data); err != nil {
			e.log.Error("enqueue manual conflict", "error", err)
		}
		return fmt.Errorf("conflict requires manual resolution")
	}
	if !res.Resolved {
		return fmt.Errorf("conflict unresolved")
	}

	if res.Winner == conflict.WinnerServer {
		version := sop.Version
		if version < local.Version {
			version = local.Version
		}
		if err := e.writeServerOperation(ctx, sop, version); err != nil {
			return err
		}
	}
	if err := e.conflictLog.RecordResolution(ctx, sop.EntityType, sop.EntityID, res.Strategy, res.Winner); err != nil {
		e.log.Error("record resolution", "error", err)
	}
	result.ConflictsResolved++
	return nil
}

func (e *Engine) writeServerOperation(ctx context.Context, sop transport.ServerOperation, version int64) error {
	w := db.EntityWrite{
		EntityType: sop.EntityType,
		EntityID:   sop.EntityID,
		Version:    version,
		Data:       sop.Data,
		Deleted:    sop.OperationType == queue.OpDelete,
	}
	if raw, ok := sop.Data["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			w.UpdatedAt = t
		}
	}
	return e.store.ApplyEntity(ctx, w)
}

func numField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
