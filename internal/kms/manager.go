// Package kms provides an optional external-KMS-backed guard for the raw
// private key material behind a recipient's cipher.KeyAgreementKey. Document
// content and stream chunks are never touched by this package — only the
// small, rarely-rotated private scalar a party uses to unwrap its own JWE
// recipient entries.
package kms

import "context"

// KeyManager abstracts an external key management service that wraps and
// unwraps a caller-held secret (here, a recipient's ECDH private key bytes)
// without ever exposing the service's own master key material to the caller.
//
// Implementations must perform the unwrap cryptographic operation inside the
// KMS/HSM boundary, not merely pass through local encryption.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip") used for
	// diagnostics and metadata.
	Provider() string

	// WrapKey encrypts plaintext (a private key's raw bytes) and returns an
	// envelope suitable for persisting alongside the recipient's metadata.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext in envelope and returns the plaintext
	// private key bytes.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary wrapping
	// key, so callers can detect when re-wrapping under a newer key is due.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the KMS is reachable and operational without
	// performing an actual wrap/unwrap.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying connection.
	Close(ctx context.Context) error
}

// KeyEnvelope captures what's needed to unwrap a protected private key.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}
