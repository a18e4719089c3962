package blindindex

import (
	"context"

	"github.com/kenneth/edv-client/pkg/edverrors"
)

// Builder produces blinded IndexEntry records and query tokens for one HMAC
// identity, given a set of index declarations. A Builder is safe for
// concurrent use.
type Builder struct {
	signer Signer
	decls  Declarations
	cache  *hmacCache
}

// NewBuilder returns a Builder for signer with the given declarations.
func NewBuilder(signer Signer, decls Declarations) *Builder {
	return &Builder{signer: signer, decls: decls, cache: newHMACCache(DefaultCacheCapacity)}
}

// Identity returns the HMAC identity this builder blinds through.
func (b *Builder) Identity() Identity {
	return Identity{ID: b.signer.ID(), Type: b.signer.Type()}
}

// UpdateEntry builds the IndexEntry for doc at sequence, per spec.md §4.2/§4.3:
// one simple-attribute record per present value of each declared simple
// index, plus the combinatorial compound-prefix records for each declared
// compound index.
func (b *Builder) UpdateEntry(ctx context.Context, doc map[string]interface{}, sequence int64) (*IndexEntry, error) {
	var attrs []AttributeRecord

	for _, decl := range b.decls.Simple {
		records, err := b.blindSimple(ctx, decl, doc)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, records...)
	}

	for _, decl := range b.decls.Compound {
		records, err := b.compoundRecords(ctx, doc, decl)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, records...)
	}

	return &IndexEntry{
		HMAC:       b.Identity(),
		Sequence:   sequence,
		Attributes: attrs,
	}, nil
}

func (b *Builder) blindSimple(ctx context.Context, decl SimpleIndexDecl, doc map[string]interface{}) ([]AttributeRecord, error) {
	segments, err := ParsePath(decl.Path)
	if err != nil {
		return nil, err
	}
	values := Dereference(doc, segments)
	if len(values) == 0 {
		return nil, nil
	}

	hName := hashName(decl.Path)
	var out []AttributeRecord
	for _, v := range values {
		hValue, err := hashValue(v)
		if err != nil {
			return nil, err
		}
		name, value, err := blindPair(ctx, b.signer, b.cache, hName, hValue)
		if err != nil {
			return nil, err
		}
		out = append(out, AttributeRecord{Name: name, Value: value, Unique: decl.Unique})
	}
	return out, nil
}

func (b *Builder) compoundRecords(ctx context.Context, doc map[string]interface{}, decl CompoundIndexDecl) ([]AttributeRecord, error) {
	pathValues := make([][]interface{}, len(decl.Paths))
	for i, p := range decl.Paths {
		segments, err := ParsePath(p)
		if err != nil {
			return nil, err
		}
		pathValues[i] = Dereference(doc, segments)
	}

	records := expandCompound(decl, pathValues)
	return blindCompound(ctx, b.signer, b.cache, decl, records)
}

// Prewarm asynchronously primes the HMAC cache with the name hashes and
// compound-prefix name hashes of this builder's declarations (not their
// values, which are document-dependent). Per spec.md, prewarm failures are
// non-fatal — the caller gets a best-effort warm cache, nothing more.
func (b *Builder) Prewarm(ctx context.Context) {
	go func() {
		for _, decl := range b.decls.Simple {
			_, _ = signCached(ctx, b.signer, b.cache, hashName(decl.Path))
		}
		for _, decl := range b.decls.Compound {
			nameHashes := make([][]byte, len(decl.Paths))
			for i, p := range decl.Paths {
				nameHashes[i] = hashName(p)
			}
			for k := 2; k <= len(decl.Paths); k++ {
				_, _ = signCached(ctx, b.signer, b.cache, concatHash(nameHashes[:k]))
			}
		}
	}()
}

// Stats reports the HMAC output cache's cumulative hit/miss counts.
func (b *Builder) Stats() (hits, misses int64) {
	return b.cache.Stats()
}

var errExactlyOne = edverrors.New(edverrors.KindInvalidArgument, "exactly one of equals/has must be set", nil)
