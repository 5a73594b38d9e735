package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/driftnotes/drift/internal/transport"
)

// Batch wire encoding: operations JSON, zstd-compressed, base64 text so
// the result embeds in a JSON body.

// CompressOperations encodes ops for PushRequest.CompressedPayload.
func CompressOperations(ops []transport.WireOperation) (string, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("marshal operations: %w", err)
	}
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressOperations reverses CompressOperations.
func DecompressOperations(payload string) ([]transport.WireOperation, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	r, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	var ops []transport.WireOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("parse operations: %w", err)
	}
	return ops, nil
}
