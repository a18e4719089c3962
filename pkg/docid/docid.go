// Package docid implements the EDV document identifier wire format: a
// 128-bit identity-multihash-wrapped random value, multibase-base58 encoded
// with the "z" prefix (spec §3, §6).
package docid

import (
	"crypto/rand"
	"fmt"

	"github.com/kenneth/edv-client/pkg/edverrors"
	"github.com/multiformats/go-multibase"
)

// multihashIdentityCode and rawLength together form the two-byte prefix
// "0x00 0x10" spec.md §4.3 specifies: the identity multihash function code
// (0x00) followed by the digest length (0x10 = 16 bytes).
const (
	multihashIdentityCode = 0x00
	rawLength             = 0x10
	randomBytes           = 16
)

// Generate returns a new random document identifier in wire form
// ("z" + base58(identity-multihash(16) || random16)).
func Generate() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", edverrors.New(edverrors.KindInvalidArgument, "failed to generate document id", err)
	}
	return Encode(buf)
}

// Encode wraps a 16-byte value in the identity-multihash envelope and
// multibase-base58-btc encodes it. raw must be exactly 16 bytes.
func Encode(raw []byte) (string, error) {
	if len(raw) != randomBytes {
		return "", edverrors.New(edverrors.KindInvalidArgument,
			fmt.Sprintf("document id payload must be %d bytes, got %d", randomBytes, len(raw)), nil)
	}

	wrapped := make([]byte, 0, 2+randomBytes)
	wrapped = append(wrapped, multihashIdentityCode, rawLength)
	wrapped = append(wrapped, raw...)

	encoded, err := multibase.Encode(multibase.Base58BTC, wrapped)
	if err != nil {
		return "", edverrors.New(edverrors.KindInvalidArgument, "failed to multibase-encode document id", err)
	}
	return encoded, nil
}

// Decode validates and decodes a document id in wire form, returning the
// original 16 random bytes. Anything that isn't exactly
// "z" + base58(0x00 0x10 || 16 bytes) is rejected.
func Decode(id string) ([]byte, error) {
	if id == "" {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "document id is empty", nil)
	}

	encoding, data, err := multibase.Decode(id)
	if err != nil {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "malformed document id", err)
	}
	if encoding != multibase.Base58BTC {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "document id must use base58btc multibase encoding", nil)
	}
	if len(data) != 2+randomBytes {
		return nil, edverrors.New(edverrors.KindInvalidArgument,
			fmt.Sprintf("document id must decode to %d bytes, got %d", 2+randomBytes, len(data)), nil)
	}
	if data[0] != multihashIdentityCode || data[1] != rawLength {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "document id is missing the identity-multihash(16) prefix", nil)
	}

	return data[2:], nil
}

// Validate reports whether id is a well-formed document identifier.
func Validate(id string) error {
	_, err := Decode(id)
	return err
}
