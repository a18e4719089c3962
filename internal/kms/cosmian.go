package kms

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, by its
// unique identifier and a monotonically increasing version. The highest
// version among the configured keys is treated as active for new wraps;
// older versions stay resolvable so existing envelopes keep unwrapping
// during a key rotation's dual-read window.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint string
	Keys     []KMIPKeyReference

	TLSConfig *tls.Config
	Timeout   time.Duration

	// Provider is reported on every KeyEnvelope; defaults to "cosmian-kmip".
	Provider string

	// DualReadWindow is the number of retired key versions UnwrapKey will
	// still accept an envelope for, counting back from the active version.
	DualReadWindow int
}

// CosmianKMIPManager wraps/unwraps recipient private-key bytes via a KMIP 1.4
// server (tested against Cosmian KMS). Plaintext key material never leaves
// this process except as a ciphertext envelope; the KMIP server performs the
// actual symmetric encrypt/decrypt.
type CosmianKMIPManager struct {
	client *kmip.Client
	opts   CosmianKMIPOptions

	mu     sync.RWMutex
	active KMIPKeyReference
	byID   map[string]KMIPKeyReference
}

// NewCosmianKMIPManager dials the configured KMIP endpoint and validates the
// key reference list.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("kms: endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("kms: at least one wrapping key reference is required")
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client, err := kmip.Dial(context.Background(), opts.Endpoint, kmip.WithTLSConfig(opts.TLSConfig))
	if err != nil {
		return nil, fmt.Errorf("kms: dial %s: %w", opts.Endpoint, err)
	}

	byID := make(map[string]KMIPKeyReference, len(opts.Keys))
	active := opts.Keys[0]
	for _, k := range opts.Keys {
		byID[k.ID] = k
		if k.Version > active.Version {
			active = k
		}
	}

	return &CosmianKMIPManager{
		client: client,
		opts:   opts,
		active: active,
		byID:   byID,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string { return m.opts.Provider }

// WrapKey encrypts plaintext under the currently active wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()

	resp, err := kmip.Send[*payloads.EncryptResponsePayload](ctx, m.client, &payloads.EncryptRequestPayload{
		UniqueIdentifier: key.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: wrap key %s: %w", key.ID, err)
	}

	return &KeyEnvelope{
		KeyID:      key.ID,
		KeyVersion: key.Version,
		Provider:   m.opts.Provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext. If envelope.KeyID is empty (an
// older envelope that only recorded a version), the version is resolved
// against the configured key references, honoring DualReadWindow.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	keyID := envelope.KeyID
	if keyID == "" {
		m.mu.RLock()
		for id, k := range m.byID {
			if k.Version == envelope.KeyVersion {
				keyID = id
				break
			}
		}
		active := m.active
		m.mu.RUnlock()
		if keyID == "" {
			return nil, fmt.Errorf("kms: no wrapping key registered for version %d", envelope.KeyVersion)
		}
		if m.opts.DualReadWindow > 0 && active.Version-envelope.KeyVersion > m.opts.DualReadWindow {
			return nil, fmt.Errorf("kms: key version %d is outside the dual-read window", envelope.KeyVersion)
		}
	}

	resp, err := kmip.Send[*payloads.DecryptResponsePayload](ctx, m.client, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             envelope.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap key %s: %w", keyID, err)
	}
	return resp.Data, nil
}

func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Version, nil
}

// HealthCheck issues a lightweight KMIP Get against the active key to verify
// connectivity, without performing any encrypt/decrypt.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()

	_, err := kmip.Send[*payloads.GetResponsePayload](ctx, m.client, &payloads.GetRequestPayload{
		UniqueIdentifier: key.ID,
	})
	if err != nil {
		return fmt.Errorf("kms: health check against %s: %w", key.ID, err)
	}
	return nil
}

func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
