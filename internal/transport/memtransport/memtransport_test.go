package memtransport

import (
	"context"
	"testing"

	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/internal/cryptoutil"
	"github.com/kenneth/edv-client/internal/transport"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

type testSigner struct{ key []byte }

func (s testSigner) ID() string   { return "hmac1" }
func (s testSigner) Type() string { return "test" }
func (s testSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return cryptoutil.HMACSHA256(s.key, data), nil
}

func TestInsert_DuplicateIDFails(t *testing.T) {
	tr := New()
	ctx := context.Background()

	doc := transport.EncryptedDocument{ID: "doc1", Sequence: 0}
	if _, err := tr.Insert(ctx, doc); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := tr.Insert(ctx, doc)
	if kind, _ := edverrors.KindOf(err); kind != edverrors.KindDuplicate {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
}

func TestUpdate_SequenceConflictFails(t *testing.T) {
	tr := New()
	ctx := context.Background()

	doc := transport.EncryptedDocument{ID: "doc1", Sequence: 0}
	if _, err := tr.Insert(ctx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale := transport.EncryptedDocument{ID: "doc1", Sequence: 0}
	_, err := tr.Update(ctx, stale)
	if kind, _ := edverrors.KindOf(err); kind != edverrors.KindInvalidState {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}

	fresh := transport.EncryptedDocument{ID: "doc1", Sequence: 1}
	if _, err := tr.Update(ctx, fresh); err != nil {
		t.Fatalf("expected update with correct sequence to succeed: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	tr := New()
	_, err := tr.Get(context.Background(), "missing")
	if kind, _ := edverrors.KindOf(err); kind != edverrors.KindNotFound {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestChunks_StoreAndGet(t *testing.T) {
	tr := New()
	ctx := context.Background()

	doc := transport.EncryptedDocument{ID: "doc1", Sequence: 0}
	if _, err := tr.Insert(ctx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	chunk := transport.Chunk{Index: 0, Sequence: 1}
	if err := tr.StoreChunk(ctx, "doc1", chunk); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	got, err := tr.GetChunk(ctx, "doc1", 0)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if got.Sequence != 1 {
		t.Fatalf("unexpected chunk: %+v", got)
	}

	if _, err := tr.GetChunk(ctx, "doc1", 1); err == nil {
		t.Fatal("expected NotFoundError for missing chunk")
	}
}

func TestFind_EqualsMatchesBlindedTokens(t *testing.T) {
	tr := New()
	ctx := context.Background()

	signer := testSigner{key: []byte("k")}
	builder := blindindex.NewBuilder(signer, blindindex.Declarations{
		Simple: []blindindex.SimpleIndexDecl{{Path: "content.email", Unique: true}},
	})

	docValue := map[string]interface{}{"content": map[string]interface{}{"email": "alice@example.com"}}
	entry, err := builder.UpdateEntry(ctx, docValue, 0)
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}

	doc := transport.EncryptedDocument{ID: "doc1", Sequence: 0, Indexed: []blindindex.IndexEntry{*entry}}
	if _, err := tr.Insert(ctx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tokens, err := builder.BuildQuery(ctx, blindindex.Query{Equals: []map[string]interface{}{
		{"content.email": "alice@example.com"},
	}})
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	clause := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		clause[tok.Name] = tok.Value
	}

	result, err := tr.Find(ctx, transport.FindQuery{Index: "hmac1", Equals: []map[string]string{clause}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(result.Documents) != 1 || result.Documents[0].ID != "doc1" {
		t.Fatalf("expected to find doc1, got %+v", result.Documents)
	}

	miss, err := builder.BuildQuery(ctx, blindindex.Query{Equals: []map[string]interface{}{
		{"content.email": "bob@example.com"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	missClause := map[string]string{miss[0].Name: miss[0].Value}
	result, err = tr.Find(ctx, transport.FindQuery{Index: "hmac1", Equals: []map[string]string{missClause}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(result.Documents) != 0 {
		t.Fatalf("expected no match, got %+v", result.Documents)
	}
}
