// Package memtransport is an in-memory transport.Transport reference
// implementation for tests and cmd/edvbench: one method per operation,
// context-first, internal map storage, adapted to the EDV
// document/index/chunk model instead of S3 objects/buckets.
package memtransport

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/internal/transport"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

// Transport is a single-EDV, map-backed transport.Transport. It enforces
// the same sequence-conflict and not-found semantics a real server would,
// so it can exercise the engine's error paths in tests without a network.
type Transport struct {
	mu sync.Mutex

	config    *transport.EDVConfig
	documents map[string]*transport.EncryptedDocument
	chunks    map[string]map[int]transport.Chunk // docID -> index -> chunk
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{
		documents: make(map[string]*transport.EncryptedDocument),
		chunks:    make(map[string]map[int]transport.Chunk),
	}
}

func (t *Transport) CreateEDV(ctx context.Context, cfg transport.EDVConfig) (transport.EDVConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config != nil {
		return transport.EDVConfig{}, edverrors.New(edverrors.KindDuplicate, "edv already exists", nil)
	}
	c := cfg
	t.config = &c
	return c, nil
}

func (t *Transport) GetConfig(ctx context.Context, id string) (transport.EDVConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config == nil || t.config.ID != id {
		return transport.EDVConfig{}, edverrors.New(edverrors.KindNotFound, "edv not found", nil)
	}
	return *t.config, nil
}

func (t *Transport) UpdateConfig(ctx context.Context, cfg transport.EDVConfig) (transport.EDVConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config == nil || t.config.ID != cfg.ID {
		return transport.EDVConfig{}, edverrors.New(edverrors.KindNotFound, "edv not found", nil)
	}
	c := cfg
	t.config = &c
	return c, nil
}

func (t *Transport) FindConfigs(ctx context.Context, controller string) ([]transport.EDVConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config != nil && t.config.Controller == controller {
		return []transport.EDVConfig{*t.config}, nil
	}
	return nil, nil
}

func (t *Transport) Insert(ctx context.Context, doc transport.EncryptedDocument) (transport.EncryptedDocument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.documents[doc.ID]; exists {
		return transport.EncryptedDocument{}, edverrors.New(edverrors.KindDuplicate, "document already exists: "+doc.ID, nil)
	}
	if err := t.checkUniqueConflict(doc); err != nil {
		return transport.EncryptedDocument{}, err
	}
	stored := doc
	t.documents[doc.ID] = &stored
	return stored, nil
}

// checkUniqueConflict rejects doc if any of its attribute records flagged
// unique already appear, under the same HMAC identity, on another stored
// document — the server-side half of spec.md's unique-index constraint.
func (t *Transport) checkUniqueConflict(doc transport.EncryptedDocument) error {
	for _, entry := range doc.Indexed {
		for _, attr := range entry.Attributes {
			if !attr.Unique {
				continue
			}
			for id, existing := range t.documents {
				if id == doc.ID {
					continue
				}
				if documentHasAttribute(existing, entry.HMAC.ID, attr.Name, attr.Value) {
					return edverrors.New(edverrors.KindDuplicate, "unique attribute collision on "+attr.Name, nil)
				}
			}
		}
	}
	return nil
}

func documentHasAttribute(doc *transport.EncryptedDocument, hmacID, name, value string) bool {
	for _, entry := range doc.Indexed {
		if entry.HMAC.ID != hmacID {
			continue
		}
		for _, attr := range entry.Attributes {
			if attr.Unique && attr.Name == name && attr.Value == value {
				return true
			}
		}
	}
	return false
}

func (t *Transport) Update(ctx context.Context, doc transport.EncryptedDocument) (transport.EncryptedDocument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.documents[doc.ID]
	if !ok {
		return transport.EncryptedDocument{}, edverrors.New(edverrors.KindNotFound, "document not found: "+doc.ID, nil)
	}
	if doc.Sequence != existing.Sequence+1 {
		return transport.EncryptedDocument{}, edverrors.New(edverrors.KindInvalidState,
			"sequence conflict: expected "+strconv.FormatInt(existing.Sequence+1, 10)+", got "+strconv.FormatInt(doc.Sequence, 10), nil)
	}
	stored := doc
	t.documents[doc.ID] = &stored
	return stored, nil
}

func (t *Transport) UpdateIndex(ctx context.Context, docID string, entry blindindex.IndexEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, ok := t.documents[docID]
	if !ok {
		return edverrors.New(edverrors.KindNotFound, "document not found: "+docID, nil)
	}
	if entry.Sequence != doc.Sequence {
		return edverrors.New(edverrors.KindInvalidState,
			"index entry sequence does not match document sequence", nil)
	}

	replaced := false
	for i, existing := range doc.Indexed {
		if existing.HMAC == entry.HMAC {
			doc.Indexed[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Indexed = append(doc.Indexed, entry)
	}
	return nil
}

func (t *Transport) Get(ctx context.Context, docID string) (transport.EncryptedDocument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, ok := t.documents[docID]
	if !ok {
		return transport.EncryptedDocument{}, edverrors.New(edverrors.KindNotFound, "document not found: "+docID, nil)
	}
	return *doc, nil
}

func (t *Transport) Find(ctx context.Context, query transport.FindQuery) (transport.FindResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := query.Limit
	if limit <= 0 {
		limit = 1000
	}

	var ids []string
	for id := range t.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matched []transport.EncryptedDocument
	for _, id := range ids {
		doc := t.documents[id]
		if documentMatches(doc, query) {
			matched = append(matched, *doc)
		}
	}

	if query.Count {
		return transport.FindResult{Count: len(matched)}, nil
	}

	hasMore := false
	if len(matched) > limit {
		matched = matched[:limit]
		hasMore = true
	}
	return transport.FindResult{Documents: matched, HasMore: hasMore}, nil
}

func documentMatches(doc *transport.EncryptedDocument, query transport.FindQuery) bool {
	tokens := indexTokens(doc, query.Index)

	if len(query.Has) > 0 {
		for _, name := range query.Has {
			if _, ok := tokens[name]; !ok {
				return false
			}
		}
		return true
	}

	for _, clause := range query.Equals {
		if clauseMatches(tokens, clause) {
			return true
		}
	}
	return false
}

func clauseMatches(tokens map[string]map[string]bool, clause map[string]string) bool {
	for name, value := range clause {
		if !tokens[name][value] {
			return false
		}
	}
	return true
}

func indexTokens(doc *transport.EncryptedDocument, hmacID string) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, entry := range doc.Indexed {
		if entry.HMAC.ID != hmacID {
			continue
		}
		for _, attr := range entry.Attributes {
			if out[attr.Name] == nil {
				out[attr.Name] = make(map[string]bool)
			}
			out[attr.Name][attr.Value] = true
		}
	}
	return out
}

func (t *Transport) StoreChunk(ctx context.Context, docID string, chunk transport.Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.documents[docID]; !ok {
		return edverrors.New(edverrors.KindNotFound, "document not found: "+docID, nil)
	}
	if t.chunks[docID] == nil {
		t.chunks[docID] = make(map[int]transport.Chunk)
	}
	t.chunks[docID][chunk.Index] = chunk
	return nil
}

func (t *Transport) GetChunk(ctx context.Context, docID string, index int) (transport.Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byIndex, ok := t.chunks[docID]
	if !ok {
		return transport.Chunk{}, edverrors.New(edverrors.KindNotFound, "document chunk not found.", nil)
	}
	chunk, ok := byIndex[index]
	if !ok {
		return transport.Chunk{}, edverrors.New(edverrors.KindNotFound, "document chunk not found.", nil)
	}
	return chunk, nil
}

func (t *Transport) RevokeCapability(ctx context.Context, capability string) error {
	return nil
}
