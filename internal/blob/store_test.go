package blob

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestStorePutGet(t *testing.T) {
	s := New(t.TempDir(), nil)
	content := []byte(`{"title":"grocery list","body":"milk, eggs"}`)

	hash, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("hash = %q, want 64-char hex", hash)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Get = %q, want %q", got, content)
	}

	// Dedupe: same content, same hash, no error.
	hash2, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if hash2 != hash {
		t.Errorf("dedupe: got %q, want %q", hash2, hash)
	}
}

func TestStoreDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	hash, err := s.Put([]byte("to be removed"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(hash); err == nil {
		t.Fatal("Get after Delete should fail")
	}
	// Second delete is a no-op.
	if err := s.Delete(hash); err != nil {
		t.Errorf("Delete twice: %v", err)
	}
}

func TestStoreEncrypted(t *testing.T) {
	master := make([]byte, KeySize)
	if _, err := rand.Read(master); err != nil {
		t.Fatal(err)
	}
	kr, err := NewKeyring(master)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	s := New(dir, kr)
	content := []byte("card number 4111-1111")

	hash, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("roundtrip mismatch")
	}

	// File on disk must not contain the plaintext.
	raw, err := os.ReadFile(filepath.Join(dir, hash[:2], hash+".zst"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, content) {
		t.Fatal("plaintext visible on disk")
	}

	// Wrong key must fail.
	otherKey := make([]byte, KeySize)
	otherKr, _ := NewKeyring(otherKey)
	if _, err := New(dir, otherKr).Get(hash); err == nil {
		t.Fatal("Get with wrong key should fail")
	}
}

func TestKeyringAADBinding(t *testing.T) {
	master := make([]byte, KeySize)
	kr, err := NewKeyring(master)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := kr.Seal([]byte("payload"), []byte("hash-a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kr.Open(sealed, []byte("hash-b")); err == nil {
		t.Fatal("Open with wrong aad should fail")
	}
	plain, err := kr.Open(sealed, []byte("hash-a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "payload" {
		t.Errorf("plain = %q", plain)
	}
}
