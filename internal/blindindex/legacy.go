package blindindex

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kenneth/edv-client/internal/cryptoutil"
)

// LegacyBuilder reproduces the v1 blinded-index algorithm bit-for-bit, kept
// solely so documents blinded under v1 remain readable (and re-writable as
// v2) during a one-shot migration. Unlike Builder, v1 has no hash stage: it
// signs UTF-8 bytes directly with HMAC, and joins compound inputs with
// ASCII ':' instead of hashing them together.
type LegacyBuilder struct {
	signer Signer
	decls  Declarations
	cache  *hmacCache
}

// NewLegacyBuilder returns a v1 builder for signer with the given declarations.
func NewLegacyBuilder(signer Signer, decls Declarations) *LegacyBuilder {
	return &LegacyBuilder{signer: signer, decls: decls, cache: newHMACCache(DefaultCacheCapacity)}
}

func (b *LegacyBuilder) Identity() Identity {
	return Identity{ID: b.signer.ID(), Type: b.signer.Type()}
}

// UpdateEntry builds the v1 IndexEntry for doc at sequence.
func (b *LegacyBuilder) UpdateEntry(ctx context.Context, doc map[string]interface{}, sequence int64) (*IndexEntry, error) {
	var attrs []AttributeRecord

	for _, decl := range b.decls.Simple {
		segments, err := ParsePath(decl.Path)
		if err != nil {
			return nil, err
		}
		for _, v := range Dereference(doc, segments) {
			valueJSON, err := legacyCanonicalize(v)
			if err != nil {
				return nil, err
			}
			name, err := signCached(ctx, b.signer, b.cache, []byte(decl.Path))
			if err != nil {
				return nil, err
			}
			value, err := signCached(ctx, b.signer, b.cache, []byte(valueJSON))
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, AttributeRecord{
				Name:   cryptoutil.EncodeBase64URL(name),
				Value:  cryptoutil.EncodeBase64URL(value),
				Unique: decl.Unique,
			})
		}
	}

	for _, decl := range b.decls.Compound {
		records, err := b.legacyCompoundRecords(ctx, doc, decl)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, records...)
	}

	return &IndexEntry{HMAC: b.Identity(), Sequence: sequence, Attributes: attrs}, nil
}

func (b *LegacyBuilder) legacyCompoundRecords(ctx context.Context, doc map[string]interface{}, decl CompoundIndexDecl) ([]AttributeRecord, error) {
	pathValues := make([][]interface{}, len(decl.Paths))
	for i, p := range decl.Paths {
		segments, err := ParsePath(p)
		if err != nil {
			return nil, err
		}
		pathValues[i] = Dereference(doc, segments)
	}

	var out []AttributeRecord
	for k := 2; k <= len(decl.Paths); k++ {
		prefix := pathValues[:k]
		if anyEmpty(prefix) {
			continue
		}
		compoundName := strings.Join(decl.Paths[:k], ":")

		for _, combo := range crossProduct(prefix) {
			parts := make([]string, len(combo))
			for i, v := range combo {
				j, err := legacyCanonicalize(v)
				if err != nil {
					return nil, err
				}
				parts[i] = j
			}
			compoundValue := strings.Join(parts, ":")

			name, err := signCached(ctx, b.signer, b.cache, []byte(compoundName))
			if err != nil {
				return nil, err
			}
			value, err := signCached(ctx, b.signer, b.cache, []byte(compoundValue))
			if err != nil {
				return nil, err
			}
			out = append(out, AttributeRecord{
				Name:   cryptoutil.EncodeBase64URL(name),
				Value:  cryptoutil.EncodeBase64URL(value),
				Unique: decl.Unique && k == len(decl.Paths),
			})
		}
	}
	return out, nil
}

// legacyCanonicalize reproduces v1's plain JSON.stringify-equivalent
// serialization: Go's encoding/json already sorts map keys, which happens
// to match JSON.stringify's insertion-order-independent behavior for the
// simple values indexes deal with (strings, numbers, bools, small objects);
// no RFC 8785 number/whitespace normalization is applied, unlike
// cryptoutil.Canonicalize.
func legacyCanonicalize(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
