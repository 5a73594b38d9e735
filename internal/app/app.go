// Package app is the application-lifetime container. Every service is
// constructed here, explicitly, from durable config; nothing lives in
// package-level state. Both binaries build the same container.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/driftnotes/drift/internal/backup"
	"github.com/driftnotes/drift/internal/blob"
	"github.com/driftnotes/drift/internal/config"
	"github.com/driftnotes/drift/internal/conflict"
	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/engine"
	"github.com/driftnotes/drift/internal/observe"
	"github.com/driftnotes/drift/internal/queue"
	"github.com/driftnotes/drift/internal/ratelimit"
	"github.com/driftnotes/drift/internal/scheduler"
	"github.com/driftnotes/drift/internal/transport"
)

// Options are the inputs config cannot know: credentials supplied by
// the environment or the terminal.
type Options struct {
	// Token returns the bearer credential for sync requests. Nil falls
	// back to the DRIFT_TOKEN environment variable.
	Token transport.TokenFunc
	// Passphrase unlocks blob encryption when cfg.Encrypt is set.
	Passphrase []byte
}

// App owns every constructed service.
type App struct {
	Cfg    *config.Config
	Log    *slog.Logger
	Store  *db.Store
	Queue  *queue.Queue
	Blobs  *blob.Store
	Client *transport.Client
	Probe  *transport.HTTPProbe
	Engine *engine.Engine
	Sched  *scheduler.Scheduler
	Snap   *backup.Snapshotter
	Clog   *conflict.Log

	conn *sql.DB
	sink *observe.OTelSink
}

// New builds the container from cfg. Services missing their config
// (no API URL, no backup target) are constructed disabled or nil.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := newLogger(cfg.LogLevel)

	sink, err := observe.NewOTelSink(ctx, observe.Config{
		Enabled:      cfg.Tracing.Enabled,
		ExporterType: observe.ExporterType(cfg.Tracing.Exporter),
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  "drift",
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	conn, err := db.Open(cfg.DbPath)
	if err != nil {
		return nil, err
	}
	store := db.NewStore(conn)

	var keyring *blob.Keyring
	if cfg.Encrypt {
		if len(opts.Passphrase) == 0 {
			conn.Close()
			return nil, fmt.Errorf("encryption enabled but no passphrase supplied")
		}
		master, err := deriveMasterKey(cfg.BlobDir, opts.Passphrase)
		if err != nil {
			conn.Close()
			return nil, err
		}
		keyring, err = blob.NewKeyring(master)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	blobs := blob.New(cfg.BlobDir, keyring)

	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillRate, cfg.RateLimit.AllowBurst)
	q := queue.New(store,
		queue.WithBlobStore(blobs, cfg.SpillThresholdKB*1024),
		queue.WithLimiter(limiter),
	)

	token := opts.Token
	if token == nil {
		token = func(ctx context.Context) (string, error) {
			return os.Getenv("DRIFT_TOKEN"), nil
		}
	}

	var (
		client *transport.Client
		probe  *transport.HTTPProbe
	)
	if cfg.APIURL != "" {
		client = transport.NewClient(cfg.APIURL, nil, token)
		probe = transport.NewHTTPProbe(cfg.APIURL, &http.Client{Timeout: 5 * time.Second})
	}

	lww, err := conflict.ForStrategy(conflict.LastWriteWins)
	if err != nil {
		conn.Close()
		return nil, err
	}
	registry := conflict.NewRegistry(lww)
	clog := conflict.NewLog(store)

	engCfg := engine.Config{
		BatchSize:            cfg.BatchSize,
		MaxOperationsPerSync: cfg.MaxOperationsPerSync,
		MaxRetries:           cfg.MaxRetries,
		BaseRetryDelay:       cfg.BaseRetryDelay,
		Compress:             cfg.Compression,
		OpRetention:          time.Duration(cfg.OpRetentionDays) * 24 * time.Hour,
	}
	var eng *engine.Engine
	if client != nil {
		eng = engine.New(engCfg, store, q, client, probe, registry, clog, sink, log)
	}

	var sched *scheduler.Scheduler
	if eng != nil {
		var network scheduler.Network = scheduler.WiredNetwork{}
		if probe != nil {
			network = scheduler.ProbeNetwork{Probe: probe}
		}
		sched, err = scheduler.New(ctx, store, eng, q,
			nil, network, nil, nil, nil, sink, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	var snap *backup.Snapshotter
	if dest, err := backupStore(ctx, cfg.Backup); err != nil {
		conn.Close()
		return nil, err
	} else if dest != nil {
		snap = backup.NewSnapshotter(store, q, dest, cfg.Device)
	}

	return &App{
		Cfg:    cfg,
		Log:    log,
		Store:  store,
		Queue:  q,
		Blobs:  blobs,
		Client: client,
		Probe:  probe,
		Engine: eng,
		Sched:  sched,
		Snap:   snap,
		Clog:   clog,
		conn:   conn,
		sink:   sink,
	}, nil
}

// Close flushes tracing and closes the database.
func (a *App) Close() {
	if a.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.sink.Shutdown(ctx)
		cancel()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

func backupStore(ctx context.Context, cfg config.Backup) (backup.Store, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "folder":
		if cfg.Path == "" {
			return nil, fmt.Errorf("folder backup requires path")
		}
		return backup.NewRetryable(backup.NewFolderStore(cfg.Path), backup.DefaultRetryConfig()), nil
	case "s3":
		s3, err := backup.NewS3Store(ctx, backup.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
		if err != nil {
			return nil, err
		}
		return backup.NewRetryable(s3, backup.DefaultRetryConfig()), nil
	default:
		return nil, fmt.Errorf("unknown backup kind %q", cfg.Kind)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
