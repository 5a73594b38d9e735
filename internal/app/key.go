package app

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/driftnotes/drift/internal/blob"
)

const saltFile = "drift.salt"

// deriveMasterKey stretches the passphrase with argon2id over a salt
// persisted next to the blob store. The salt is created once; losing it
// makes sealed blobs unrecoverable, so it is written atomically.
func deriveMasterKey(blobDir string, passphrase []byte) ([]byte, error) {
	salt, err := loadOrCreateSalt(blobDir)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, blob.KeySize), nil
}

func loadOrCreateSalt(blobDir string) ([]byte, error) {
	path := filepath.Join(blobDir, saltFile)
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != blob.KeySize {
			return nil, fmt.Errorf("corrupt salt file %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt = make([]byte, blob.KeySize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, salt, 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return salt, nil
}
