// Package barrier implements the symmetric at-rest cipher guarding stored
// secrets. Every secret crosses the barrier on its way into the credential
// store and back out again; nothing below the barrier ever sees plaintext.
package barrier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"google.golang.org/protobuf/proto"
)

// KeySize is the AES-256-GCM at-rest key length in bytes.
const KeySize = 32

// DecryptionError reports an at-rest decryption failure. It never carries
// ciphertext or key material.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "at-rest decryption failed: " + e.Reason
}

// Barrier wraps a single process-wide AEAD key. Each Encrypt uses a fresh
// random nonce; the nonce and auth tag travel inside the marshalled blob.
//
// The key is immutable for the life of the process. Swapping it for a new
// one without re-encrypting every stored record renders all existing
// ciphertext permanently unreadable; rotation is an offline maintenance job
// (decrypt all under the old key, re-encrypt under the new), not a config
// change.
type Barrier struct {
	wrapper *aeadwrapper.Wrapper
}

// NewBarrier constructs a barrier over a raw 32-byte key.
func NewBarrier(key []byte) (*Barrier, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("at-rest key must be %d bytes, got %d", KeySize, len(key))
	}

	wrapper := aeadwrapper.NewWrapper()
	if err := wrapper.SetAesGcmKeyBytes(key); err != nil {
		return nil, fmt.Errorf("failed to initialize at-rest wrapper: %w", err)
	}

	return &Barrier{wrapper: wrapper}, nil
}

// GenerateKey returns a fresh random at-rest key, base64 encoded for
// out-of-band delivery to the process.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey decodes base64 key material supplied via env var or key file.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("at-rest key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("at-rest key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under the at-rest key and returns the marshalled
// blob stored in the credential record. The aad binds the blob to its
// record so ciphertext cannot be replayed across records.
func (b *Barrier) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	blob, err := b.wrapper.Encrypt(ctx, plaintext, wrapping.WithAad(aad))
	if err != nil {
		return nil, fmt.Errorf("at-rest encryption failed: %w", err)
	}

	out, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal at-rest blob: %w", err)
	}
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. Truncated, tampered, or
// key-mismatched input yields a DecryptionError. Calling Decrypt on an
// empty blob is an invariant violation in the caller, not a data error.
func (b *Barrier) Decrypt(ctx context.Context, blobBytes, aad []byte) ([]byte, error) {
	if len(blobBytes) == 0 {
		panic("barrier: decrypt called with empty ciphertext")
	}

	blob := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(blobBytes, blob); err != nil {
		return nil, &DecryptionError{Reason: "blob is truncated or corrupt"}
	}

	plaintext, err := b.wrapper.Decrypt(ctx, blob, wrapping.WithAad(aad))
	if err != nil {
		return nil, &DecryptionError{Reason: "blob does not authenticate under the at-rest key"}
	}
	return plaintext, nil
}
