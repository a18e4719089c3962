package kms

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"sync"
)

// ProtectedKeyAgreementKey is a cipher.KeyAgreementKey whose private scalar
// lives, at rest, only as a KeyManager-wrapped envelope — never serialized
// to disk in the clear. The first DeriveSecret call unwraps it through the
// KeyManager and caches the parsed *ecdh.PrivateKey in memory for the life
// of the process; callers that want the plaintext scalar to never persist
// in memory for long should construct a fresh ProtectedKeyAgreementKey per
// operation instead of reusing one.
type ProtectedKeyAgreementKey struct {
	id       string
	kind     string
	curve    ecdh.Curve
	manager  KeyManager
	envelope *KeyEnvelope
	metadata map[string]string

	mu   sync.Mutex
	priv *ecdh.PrivateKey
}

// NewProtectedKeyAgreementKey returns a KeyAgreementKey that unwraps its
// private key material on first use via manager.
func NewProtectedKeyAgreementKey(id, kind string, curve ecdh.Curve, manager KeyManager, envelope *KeyEnvelope, metadata map[string]string) *ProtectedKeyAgreementKey {
	return &ProtectedKeyAgreementKey{
		id:       id,
		kind:     kind,
		curve:    curve,
		manager:  manager,
		envelope: envelope,
		metadata: metadata,
	}
}

func (k *ProtectedKeyAgreementKey) ID() string   { return k.id }
func (k *ProtectedKeyAgreementKey) Type() string { return k.kind }

func (k *ProtectedKeyAgreementKey) DeriveSecret(ctx context.Context, peerPublicKey []byte) ([]byte, error) {
	priv, err := k.unwrap(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := k.curve.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid peer public key: %w", err)
	}
	return priv.ECDH(pub)
}

func (k *ProtectedKeyAgreementKey) unwrap(ctx context.Context) (*ecdh.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv != nil {
		return k.priv, nil
	}

	raw, err := k.manager.UnwrapKey(ctx, k.envelope, k.metadata)
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap key agreement key %s: %w", k.id, err)
	}
	priv, err := k.curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid unwrapped private key for %s: %w", k.id, err)
	}
	k.priv = priv
	return priv, nil
}

// ProtectKeyAgreementKey wraps an existing raw ECDH private key through
// manager, returning the envelope to persist and the id/kind the resulting
// ProtectedKeyAgreementKey should report once reconstructed from that
// envelope.
func ProtectKeyAgreementKey(ctx context.Context, manager KeyManager, raw []byte, metadata map[string]string) (*KeyEnvelope, error) {
	return manager.WrapKey(ctx, raw, metadata)
}
