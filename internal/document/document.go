// Package document implements the EDV client-side document engine: the
// optimistic-concurrency lifecycle (sequence numbers, insert/update/delete/
// find/count/getStream/updateIndex) that orchestrates the blinded-index
// builder and cipher pipeline against an abstract transport.
package document

import (
	"encoding/json"

	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

// maxSafeInteger mirrors spec.md's "< MAX_SAFE_INTEGER - 1" sequence bound
// (JavaScript's Number.MAX_SAFE_INTEGER, 2^53-1), carried over verbatim so
// documents round-trip with servers written against the original system.
const maxSafeInteger = 1<<53 - 1

// Document is the plaintext, client-side document shape (spec.md §3).
type Document struct {
	ID       string
	Sequence int64
	Content  map[string]interface{}
	Meta     map[string]interface{}
	Stream   *StreamRef
	Indexed  []blindindex.IndexEntry
}

// StreamRef is the client-side `stream` field: pending while being written,
// finalized to {sequence, chunks} once closed.
type StreamRef struct {
	Pending  bool
	Sequence int64
	Chunks   int
}

// Recipient is a caller-declared JWE recipient for insert/update.
type Recipient struct {
	Kid string
	Alg string
}

// validateSequence enforces spec.md's sequence invariant: non-negative,
// strictly below MAX_SAFE_INTEGER-1.
func validateSequence(seq int64) bool {
	return seq >= 0 && seq < maxSafeInteger-1
}

// asDocMap flattens a Document into the generic map shape blindindex.Dereference
// walks: {"content": ..., "meta": ...}.
func asDocMap(doc *Document) map[string]interface{} {
	return map[string]interface{}{
		"content": toInterfaceMap(doc.Content),
		"meta":    toInterfaceMap(doc.Meta),
	}
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// plaintextEnvelope is the JSON shape sealed inside a document's JWE:
// content, meta, and (while a stream is being written) the pending stream
// marker. This is the "{content, meta, stream?}" envelope spec.md's
// `_encrypt` describes encrypting.
type plaintextEnvelope struct {
	Content map[string]interface{} `json:"content"`
	Meta    map[string]interface{} `json:"meta"`
	Stream  *StreamRef             `json:"stream,omitempty"`
}

// encodePlaintext serializes doc's content/meta/stream into the bytes the
// cipher pipeline seals.
func encodePlaintext(doc *Document) ([]byte, error) {
	env := plaintextEnvelope{
		Content: toInterfaceMap(doc.Content),
		Meta:    toInterfaceMap(doc.Meta),
		Stream:  doc.Stream,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to encode document plaintext", err)
	}
	return data, nil
}

// decodePlaintext unmarshals a decrypted JWE payload into doc's content,
// meta, and stream fields.
func decodePlaintext(data []byte, doc *Document) error {
	var env plaintextEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return edverrors.New(edverrors.KindDecryptionFailed, "failed to decode document plaintext", err)
	}
	doc.Content = env.Content
	doc.Meta = env.Meta
	if env.Stream != nil {
		doc.Stream = env.Stream
	}
	return nil
}
