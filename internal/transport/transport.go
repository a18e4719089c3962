// Package transport declares the engine's one collaborator contract: the
// set of operations an EDV server must expose, and the canonical error
// kinds a transport implementation must map its failures onto. The engine
// treats every Transport as opaque — HTTPS, capability-invocation signing,
// and retries all live inside whichever implementation is plugged in.
package transport

import (
	"context"

	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/internal/cipher"
)

// EncryptedDocument is the wire shape of a document: everything but its
// plaintext content/meta/stream, per spec.md §6.
type EncryptedDocument struct {
	ID       string
	Sequence int64
	Indexed  []blindindex.IndexEntry
	JWE      cipher.JWE
	Stream   *StreamState
}

// StreamState is the wire shape of an active or finalized stream. Pending
// streams never cross the wire (only the client-side Document carries
// `pending: true`) — by the time a stream state is part of an
// EncryptedDocument, it is always finalized. Recipients holds the stream's
// own content-encryption key wrapped per recipient (cipher.WrapCEK) — a
// stream uses its own CEK, independent of the document's JWE CEK, so it
// needs its own wrapped-key list to unwrap on read.
type StreamState struct {
	Sequence   int64
	Chunks     int
	Recipients []cipher.Recipient
}

// Chunk is the wire shape of one stream chunk.
type Chunk struct {
	Index    int
	JWE      cipher.ChunkJWE
	Sequence int64
}

// EDVConfig is the server-side configuration of one vault: controller,
// reference id, and the default recipient/HMAC identities new documents
// should use when the caller doesn't supply its own. Field contents beyond
// shape are opaque to the engine.
type EDVConfig struct {
	ID             string
	Controller     string
	ReferenceID    string
	KeyAgreementID string
	HMACID         string
}

// FindQuery is the wire shape of a find/count query: blinded tokens only,
// produced by blindindex.Builder.BuildQuery — the transport and server
// never see plaintext attribute names or values.
type FindQuery struct {
	Index  string
	Equals []map[string]string
	Has    []string
	Count  bool
	Limit  int
}

// FindResult is the result of a find/count query.
type FindResult struct {
	Documents []EncryptedDocument
	Count     int
	HasMore   bool
}

// Transport is the abstract collaborator the document engine depends on.
// Every method is a suspension point (spec.md §5) and should respect
// ctx cancellation on a best-effort basis.
type Transport interface {
	CreateEDV(ctx context.Context, cfg EDVConfig) (EDVConfig, error)
	GetConfig(ctx context.Context, id string) (EDVConfig, error)
	UpdateConfig(ctx context.Context, cfg EDVConfig) (EDVConfig, error)
	FindConfigs(ctx context.Context, controller string) ([]EDVConfig, error)

	Insert(ctx context.Context, doc EncryptedDocument) (EncryptedDocument, error)
	Update(ctx context.Context, doc EncryptedDocument) (EncryptedDocument, error)
	UpdateIndex(ctx context.Context, docID string, entry blindindex.IndexEntry) error
	Get(ctx context.Context, docID string) (EncryptedDocument, error)
	Find(ctx context.Context, query FindQuery) (FindResult, error)

	StoreChunk(ctx context.Context, docID string, chunk Chunk) error
	GetChunk(ctx context.Context, docID string, index int) (Chunk, error)

	RevokeCapability(ctx context.Context, capability string) error
}
