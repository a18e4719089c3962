package main

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"sync/atomic"
)

// benchKAK is an in-process ECDH key-agreement key standing in for a real
// HSM/KMS-backed one — see internal/kms for a concrete production adapter.
type benchKAK struct {
	id    string
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

func (k *benchKAK) ID() string   { return k.id }
func (k *benchKAK) Type() string { return "bench" }
func (k *benchKAK) DeriveSecret(_ context.Context, peerPublicKey []byte) ([]byte, error) {
	pub, err := k.curve.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	return k.priv.ECDH(pub)
}

// benchSigner is a static in-process HMAC identity for the blinded index —
// production callers derive this from their own key material, not a
// hardcoded constant.
type benchSigner struct {
	id string
}

var benchSignerKey = []byte("edvbench-static-hmac-key-do-not-use-in-production")

func (s *benchSigner) ID() string   { return s.id }
func (s *benchSigner) Type() string { return "bench" }
func (s *benchSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, benchSignerKey)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func newBytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func atomicAddInt32(addr *int32, delta int32) int32 {
	return atomic.AddInt32(addr, delta)
}
