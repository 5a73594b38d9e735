package blob

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20-Poly1305
)

// Keyring seals blob content with a random per-object key wrapped by the
// master key. Wire layout: wrapNonce(24) | wrappedKey(48) | nonce(24) | ct.
type Keyring struct {
	master []byte
}

// NewKeyring copies master, which must be KeySize bytes.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, master)
	return &Keyring{master: k}, nil
}

// Seal encrypts plaintext with a fresh object key, binding aad into the AEAD.
func (kr *Keyring) Seal(plaintext, aad []byte) ([]byte, error) {
	objKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, objKey); err != nil {
		return nil, err
	}

	wrapAead, err := chacha20poly1305.NewX(kr.master)
	if err != nil {
		return nil, err
	}
	wrapNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, wrapNonce); err != nil {
		return nil, err
	}
	wrapped := wrapAead.Seal(nil, wrapNonce, objKey, nil)

	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)

	out := make([]byte, 0, len(wrapNonce)+len(wrapped)+len(nonce)+len(ct))
	out = append(out, wrapNonce...)
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Open reverses Seal. aad must match what was sealed.
func (kr *Keyring) Open(sealed, aad []byte) ([]byte, error) {
	wrappedLen := KeySize + chacha20poly1305.Overhead
	headerLen := NonceSize + wrappedLen + NonceSize
	if len(sealed) < headerLen {
		return nil, fmt.Errorf("sealed blob too short")
	}
	wrapNonce := sealed[:NonceSize]
	wrapped := sealed[NonceSize : NonceSize+wrappedLen]
	nonce := sealed[NonceSize+wrappedLen : headerLen]
	ct := sealed[headerLen:]

	wrapAead, err := chacha20poly1305.NewX(kr.master)
	if err != nil {
		return nil, err
	}
	objKey, err := wrapAead.Open(nil, wrapNonce, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
