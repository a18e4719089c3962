// Package blindindex builds deterministic, HMAC-based search tokens from
// document attributes: simple indexes, unique indexes, compound indexes with
// prefix queries, array-valued attributes, and combinatorial expansion
// across multi-valued matches. The server sees only blinded tokens and can
// match equality/existence without learning plaintext.
package blindindex

import "context"

// Signer is the consumer-supplied HMAC identity the builder blinds through.
// Concrete key material (an HSM-backed HMAC key, a local test key) is out of
// scope for this module; the builder depends only on this interface.
type Signer interface {
	ID() string
	Type() string
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// Identity names the HMAC identity that produced an IndexEntry.
type Identity struct {
	ID   string
	Type string
}

// SimpleIndexDecl declares a single attribute path as indexed.
type SimpleIndexDecl struct {
	Path   string
	Unique bool
}

// CompoundIndexDecl declares an ordered sequence of attribute paths indexed
// together, with prefix queries over any k in [2, len(Paths)].
type CompoundIndexDecl struct {
	Paths  []string
	Unique bool
}

// Declarations is the client-side, transient set of index declarations for
// one HMAC identity.
type Declarations struct {
	Simple   []SimpleIndexDecl
	Compound []CompoundIndexDecl
}

// AttributeRecord is one blinded {name, value} pair in an IndexEntry,
// base64url-encoded on the wire.
type AttributeRecord struct {
	Name   string
	Value  string
	Unique bool
}

// IndexEntry is the per-HMAC-identity blinded representation of a document,
// consumed by the server's index.
type IndexEntry struct {
	HMAC       Identity
	Sequence   int64
	Attributes []AttributeRecord
}

// Query is a find/count query: exactly one of Equals or Has must be set.
type Query struct {
	Equals []map[string]interface{}
	Has    []string
	Count  bool
	Limit  int
}

// QueryToken is one blinded {name, value} clause the transport matches
// against stored index entries.
type QueryToken struct {
	Name  string
	Value string
}
