package blindindex

import (
	"context"

	"github.com/kenneth/edv-client/internal/cryptoutil"
)

// hashName computes the hash stage's name hash: SHA-256(utf8(name)).
func hashName(name string) []byte {
	return cryptoutil.SHA256([]byte(name))
}

// hashValue computes the hash stage's value hash: SHA-256(utf8(canonicalize(value))).
func hashValue(value interface{}) ([]byte, error) {
	canon, err := cryptoutil.Canonicalize(value)
	if err != nil {
		return nil, err
	}
	return cryptoutil.SHA256(canon), nil
}

// signCached signs data through signer, memoizing the result in cache keyed
// by (signer.ID(), data) so repeated blinds of the same bytes — a name hash
// reused across many documents, a compound prefix rebuilt for every array
// element — cost one HMAC call.
func signCached(ctx context.Context, signer Signer, cache *hmacCache, data []byte) ([]byte, error) {
	if cached, ok := cache.get(signer.ID(), data); ok {
		return cached, nil
	}
	out, err := signer.Sign(ctx, data)
	if err != nil {
		return nil, err
	}
	cache.put(signer.ID(), data, out)
	return out, nil
}

// blindPair implements stage 2: blindName = base64url(HMAC(hName)),
// blindValue = base64url(HMAC(SHA-256(concat(hName, hValue)))). The value is
// salted with the name hash so the same plaintext value under two different
// attribute names can't be cross-correlated by the server.
func blindPair(ctx context.Context, signer Signer, cache *hmacCache, hName, hValue []byte) (blindName, blindValue string, err error) {
	bName, err := signCached(ctx, signer, cache, hName)
	if err != nil {
		return "", "", err
	}

	salted := cryptoutil.SHA256(append(append([]byte{}, hName...), hValue...))
	bValue, err := signCached(ctx, signer, cache, salted)
	if err != nil {
		return "", "", err
	}

	return cryptoutil.EncodeBase64URL(bName), cryptoutil.EncodeBase64URL(bValue), nil
}
