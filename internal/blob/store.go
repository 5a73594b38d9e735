// Package blob stores oversized operation payloads on disk, compressed
// and content-addressed by sha256. The queue keeps only the hash; the
// payload is rehydrated at dequeue time. With a keyring configured,
// content is sealed at rest.
package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Store wraps a blob directory with optional at-rest encryption.
type Store struct {
	dir     string
	keyring *Keyring
}

// New returns a Store rooted at dir. keyring may be nil (plaintext blobs).
func New(dir string, keyring *Keyring) *Store {
	return &Store{dir: dir, keyring: keyring}
}

// Put writes compressed (and optionally sealed) content, addressed by the
// sha256 of the plaintext. Returns the hex hash. Identical content
// deduplicates to the same file.
func (s *Store) Put(content []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", err
	}
	h := sha256.Sum256(content)
	hash := hex.EncodeToString(h[:])
	subDir := filepath.Join(s.dir, hash[:2])
	if err := os.MkdirAll(subDir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(subDir, hash+".zst")

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	out := buf.Bytes()
	if s.keyring != nil {
		out, err = s.keyring.Seal(out, []byte(hash))
		if err != nil {
			return "", fmt.Errorf("seal blob %s: %w", hash, err)
		}
	}

	// tmp+rename keeps partial writes out of the store.
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return hash, nil
}

// Get reads, unseals and decompresses the blob for hash, verifying the
// content address on the way out.
func (s *Store) Get(hash string) ([]byte, error) {
	if len(hash) < 4 {
		return nil, fmt.Errorf("invalid blob hash %q", hash)
	}
	path := filepath.Join(s.dir, hash[:2], hash+".zst")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if s.keyring != nil {
		raw, err = s.keyring.Open(raw, []byte(hash))
		if err != nil {
			return nil, fmt.Errorf("open blob %s: %w", hash, err)
		}
	}
	r, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", hash, err)
	}
	h := sha256.Sum256(content)
	if hex.EncodeToString(h[:]) != hash {
		return nil, fmt.Errorf("blob %s content mismatch", hash)
	}
	return content, nil
}

// Delete removes the blob for hash. Missing blobs are not an error.
func (s *Store) Delete(hash string) error {
	if len(hash) < 4 {
		return fmt.Errorf("invalid blob hash %q", hash)
	}
	err := os.Remove(filepath.Join(s.dir, hash[:2], hash+".zst"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
