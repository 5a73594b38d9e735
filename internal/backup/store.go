// Package backup snapshots the local dataset to an object store so a
// device can be rebuilt without replaying its whole server history.
// Stores are dumb blobs: a local folder for desktop, S3 for off-site.
package backup

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("object not found")

// Store is the object storage a snapshot lands in. PutAtomic must never
// leave a partially written object visible under its final key.
type Store interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PutAtomic(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
