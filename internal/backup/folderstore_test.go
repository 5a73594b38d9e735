package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderStoreRoundTrip(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.PutAtomic(ctx, "devices/a/snapshots/one.zst", []byte("alpha")))
	require.NoError(t, fs.PutAtomic(ctx, "devices/a/snapshots/two.zst", []byte("beta")))

	data, err := fs.Get(ctx, "devices/a/snapshots/one.zst")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	keys, err := fs.List(ctx, "devices/a/snapshots")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFolderStoreGetMissing(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	_, err := fs.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFolderStoreListEmpty(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	keys, err := fs.List(context.Background(), "devices")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFolderStoreDelete(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.PutAtomic(ctx, "k", []byte("v")))
	require.NoError(t, fs.Delete(ctx, "k"))
	_, err := fs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is fine.
	require.NoError(t, fs.Delete(ctx, "k"))
}

func TestFolderStoreNoPartialsVisible(t *testing.T) {
	root := t.TempDir()
	fs := NewFolderStore(root)
	ctx := context.Background()

	require.NoError(t, fs.PutAtomic(ctx, "devices/a/x", []byte("x")))

	// tmp/ is excluded from listings and left empty after a clean put.
	keys, err := fs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("devices", "a", "x")}, keys)

	entries, err := os.ReadDir(filepath.Join(root, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
