package backup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FolderStore implements Store on a local directory.
// PutAtomic: write to tmp/<unique>.partial, fsync, rename to final path.
type FolderStore struct {
	root string
}

// NewFolderStore returns a FolderStore rooted at dir.
func NewFolderStore(root string) *FolderStore {
	return &FolderStore{root: root}
}

func tmpName() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b) + ".partial"
}

// List returns keys under prefix (relative to root). Ignores tmp/.
func (f *FolderStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(f.root, prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		full := filepath.Join(prefix, e.Name())
		if e.Name() == "tmp" {
			continue
		}
		if e.IsDir() {
			sub, err := f.List(ctx, full)
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
		} else {
			keys = append(keys, full)
		}
	}
	return keys, nil
}

// Get reads the object at key. Returns ErrNotFound if missing.
func (f *FolderStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// PutAtomic writes data atomically: tmp/<unique>.partial, fsync, rename.
func (f *FolderStore) PutAtomic(ctx context.Context, key string, data []byte) error {
	finalPath := filepath.Join(f.root, key)
	tmpPath := filepath.Join(f.root, "tmp", tmpName())
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("mkdir dest: %w", err)
	}

	fh, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Delete removes the object at key. Missing keys are not an error.
func (f *FolderStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(f.root, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
