package document

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/internal/cipher"
	"github.com/kenneth/edv-client/internal/transport/memtransport"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

// testKAK is a KeyAgreementKey backed by an in-memory ECDH private key, for
// tests only — production callers supply their own (HSM, KMS, etc.).
type testKAK struct {
	id    string
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

func newTestKAK(t *testing.T, id string) (*testKAK, []byte) {
	t.Helper()
	curve := ecdh.X25519()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testKAK{id: id, curve: curve, priv: priv}, priv.PublicKey().Bytes()
}

func (k *testKAK) ID() string   { return k.id }
func (k *testKAK) Type() string { return "test" }
func (k *testKAK) DeriveSecret(_ context.Context, peerPublicKey []byte) ([]byte, error) {
	pub, err := k.curve.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	return k.priv.ECDH(pub)
}

// testSigner is a static in-process HMAC identity for the blinded index.
type testSigner struct{ id string }

func (s *testSigner) ID() string   { return s.id }
func (s *testSigner) Type() string { return "test" }
func (s *testSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	sum := make([]byte, 32)
	copy(sum, data)
	return sum, nil
}

type testFixture struct {
	engine *Engine
	kak    *testKAK
}

func newFixture(t *testing.T, decls blindindex.Declarations) *testFixture {
	t.Helper()
	kak, pub := newTestKAK(t, "recipient-1")
	resolve := func(_ context.Context, kid string) ([]byte, error) {
		if kid != kak.ID() {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "unknown recipient", nil)
		}
		return pub, nil
	}

	var index *blindindex.Builder
	if decls.Simple != nil || decls.Compound != nil {
		index = blindindex.NewBuilder(&testSigner{id: "hmac-1"}, decls)
	}

	engine := New(Config{
		Transport:        memtransport.New(),
		Pipeline:         cipher.NewPipeline(cipher.SuiteRecommended),
		Index:            index,
		KAK:              kak,
		Resolve:          resolve,
		DefaultRecipient: &cipher.RecipientRequest{Kid: kak.ID(), Alg: cipher.DefaultKeyWrapAlg},
	})

	return &testFixture{engine: engine, kak: kak}
}

func TestInsertGet_IndexedAttribute(t *testing.T) {
	decls := blindindex.Declarations{Simple: []blindindex.SimpleIndexDecl{{Path: "content.email"}}}
	fx := newFixture(t, decls)
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{"email": "alice@example.com"}}
	inserted, err := fx.engine.Insert(ctx, doc, nil, nil, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.ID == "" {
		t.Fatal("expected a generated document id")
	}
	if inserted.Sequence != 0 {
		t.Fatalf("expected sequence 0 on first insert, got %d", inserted.Sequence)
	}

	got, err := fx.engine.Get(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content["email"] != "alice@example.com" {
		t.Fatalf("unexpected content: %+v", got.Content)
	}

	docs, hasMore, err := fx.engine.Find(ctx, blindindex.Query{Equals: []map[string]interface{}{{"content.email": "alice@example.com"}}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if hasMore {
		t.Fatal("did not expect more results")
	}
	if len(docs) != 1 || docs[0].ID != inserted.ID {
		t.Fatalf("expected to find the inserted document, got %+v", docs)
	}
}

func TestInsert_DuplicateID(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	doc := &Document{ID: "fixed-id", Content: map[string]interface{}{"a": 1}}
	if _, err := fx.engine.Insert(ctx, doc, nil, nil, 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := &Document{ID: "fixed-id", Content: map[string]interface{}{"a": 2}}
	_, err := fx.engine.Insert(ctx, dup, nil, nil, 0)
	if kind, ok := edverrors.KindOf(err); !ok || kind != edverrors.KindDuplicate {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
}

func TestInsert_UniqueCollision(t *testing.T) {
	decls := blindindex.Declarations{Simple: []blindindex.SimpleIndexDecl{{Path: "content.uniqueKey", Unique: true}}}
	fx := newFixture(t, decls)
	ctx := context.Background()

	first := &Document{Content: map[string]interface{}{"uniqueKey": "x"}}
	if _, err := fx.engine.Insert(ctx, first, nil, nil, 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second := &Document{Content: map[string]interface{}{"uniqueKey": "x"}}
	_, err := fx.engine.Insert(ctx, second, nil, nil, 0)
	if kind, ok := edverrors.KindOf(err); !ok || kind != edverrors.KindDuplicate {
		t.Fatalf("expected DuplicateError on unique collision, got %v", err)
	}
}

func TestUpdate_SequenceMonotonicityAndStaleRejection(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{"counter": 0}}
	inserted, err := fx.engine.Insert(ctx, doc, nil, nil, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	update1 := &Document{ID: inserted.ID, Sequence: inserted.Sequence, Content: map[string]interface{}{"counter": 1}}
	updated1, err := fx.engine.Update(ctx, update1, nil, nil)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated1.Sequence != inserted.Sequence+1 {
		t.Fatalf("expected sequence to advance by 1, got %d -> %d", inserted.Sequence, updated1.Sequence)
	}

	// Re-submitting against the now-stale sequence must fail.
	stale := &Document{ID: inserted.ID, Sequence: inserted.Sequence, Content: map[string]interface{}{"counter": 2}}
	_, err = fx.engine.Update(ctx, stale, nil, nil)
	if kind, ok := edverrors.KindOf(err); !ok || kind != edverrors.KindInvalidState {
		t.Fatalf("expected InvalidStateError on stale update, got %v", err)
	}

	// The current sequence still updates cleanly.
	update2 := &Document{ID: inserted.ID, Sequence: updated1.Sequence, Content: map[string]interface{}{"counter": 2}}
	updated2, err := fx.engine.Update(ctx, update2, nil, nil)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if updated2.Sequence != updated1.Sequence+1 {
		t.Fatalf("expected monotonic sequence, got %d -> %d", updated1.Sequence, updated2.Sequence)
	}
}

func TestUpdate_ConcurrentRaceExactlyOneWinner(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	seed := &Document{Content: map[string]interface{}{"counter": 0}}
	inserted, err := fx.engine.Insert(ctx, seed, nil, nil, 0)
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	conflicts := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			update := &Document{
				ID:       inserted.ID,
				Sequence: inserted.Sequence,
				Content:  map[string]interface{}{"counter": worker},
			}
			_, err := fx.engine.Update(ctx, update, nil, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if kind, ok := edverrors.KindOf(err); ok && kind == edverrors.KindInvalidState {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d conflicts", successes, conflicts)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestUpdate_RecipientMergeIdempotence(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{"a": 1}}
	inserted, err := fx.engine.Insert(ctx, doc, nil, nil, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Explicitly re-declaring the same recipient on update must not duplicate
	// it or otherwise change the set the document can be decrypted with.
	sameRecipient := []cipher.RecipientRequest{{Kid: fx.kak.ID(), Alg: cipher.DefaultKeyWrapAlg}}
	update := &Document{ID: inserted.ID, Sequence: inserted.Sequence, Content: map[string]interface{}{"a": 2}}
	updated, err := fx.engine.Update(ctx, update, nil, sameRecipient)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := fx.engine.Get(ctx, updated.ID)
	if err != nil {
		t.Fatalf("get after merge: %v", err)
	}
	if got.Content["a"] != float64(2) && got.Content["a"] != 2 {
		t.Fatalf("unexpected content after merge: %+v", got.Content)
	}

	stored, err := fx.engine.transport.(*memtransport.Transport).Get(ctx, updated.ID)
	if err != nil {
		t.Fatalf("transport get after merge: %v", err)
	}
	if n := len(stored.JWE.Recipients); n != 1 {
		t.Fatalf("expected 1 recipient after re-declaring the same one, got %d", n)
	}
}

func TestFind_HasQueryAfterAttributeRemoved(t *testing.T) {
	decls := blindindex.Declarations{Simple: []blindindex.SimpleIndexDecl{{Path: "content.tag"}}}
	fx := newFixture(t, decls)
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{"tag": "alpha"}}
	inserted, err := fx.engine.Insert(ctx, doc, nil, nil, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	docs, _, err := fx.engine.Find(ctx, blindindex.Query{Has: []string{"content.tag"}})
	if err != nil {
		t.Fatalf("find (has): %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 match before removal, got %d", len(docs))
	}

	update := &Document{ID: inserted.ID, Sequence: inserted.Sequence, Content: map[string]interface{}{}}
	if _, err := fx.engine.Update(ctx, update, nil, nil); err != nil {
		t.Fatalf("update removing attribute: %v", err)
	}

	docs, _, err = fx.engine.Find(ctx, blindindex.Query{Has: []string{"content.tag"}})
	if err != nil {
		t.Fatalf("find (has) after removal: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected 0 matches after removing the attribute, got %d", len(docs))
	}
}

func TestFind_DeepArrayIndexEquals(t *testing.T) {
	decls := blindindex.Declarations{Simple: []blindindex.SimpleIndexDecl{{Path: "content.tags"}}}
	fx := newFixture(t, decls)
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{
		"tags": []interface{}{"red", "green", "blue"},
	}}
	if _, err := fx.engine.Insert(ctx, doc, nil, nil, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	docs, _, err := fx.engine.Find(ctx, blindindex.Query{Equals: []map[string]interface{}{{"content.tags": "green"}}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected to match one array element, got %d", len(docs))
	}
}

func TestStream_WriteReadRoundTrip(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	payload := make([]byte, 200*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	doc := &Document{Content: map[string]interface{}{"kind": "attachment"}}
	recipients := []cipher.RecipientRequest{{Kid: fx.kak.ID(), Alg: cipher.DefaultKeyWrapAlg}}
	inserted, err := fx.engine.Insert(ctx, doc, bytes.NewReader(payload), recipients, 64*1024)
	if err != nil {
		t.Fatalf("insert with stream: %v", err)
	}
	if inserted.Stream == nil || inserted.Stream.Chunks == 0 {
		t.Fatalf("expected a finalized stream with chunks, got %+v", inserted.Stream)
	}

	reader, err := fx.engine.GetStream(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer reader.Close()

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("stream round trip mismatch")
	}
}

func TestStream_MissingChunkIsNotFound(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{"kind": "attachment"}}
	recipients := []cipher.RecipientRequest{{Kid: fx.kak.ID(), Alg: cipher.DefaultKeyWrapAlg}}
	payload := []byte("short stream payload")
	inserted, err := fx.engine.Insert(ctx, doc, bytes.NewReader(payload), recipients, 0)
	if err != nil {
		t.Fatalf("insert with stream: %v", err)
	}

	reader, err := fx.engine.GetStream(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer reader.Close()

	// Drain the legitimate chunk(s) first.
	if _, err := io.ReadAll(reader); err != nil {
		t.Fatalf("drain stream: %v", err)
	}

	// Asking the transport directly for a chunk index beyond what was
	// written must surface NotFoundError.
	mt, ok := fx.engine.transport.(*memtransport.Transport)
	if !ok {
		t.Fatal("expected memtransport.Transport")
	}
	_, err = mt.GetChunk(ctx, inserted.ID, 99)
	if kind, ok := edverrors.KindOf(err); !ok || kind != edverrors.KindNotFound {
		t.Fatalf("expected NotFoundError for a missing chunk, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	_, err := fx.engine.Get(context.Background(), "does-not-exist")
	if kind, ok := edverrors.KindOf(err); !ok || kind != edverrors.KindNotFound {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestFind_WithoutIndexIsDisabled(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	_, _, err := fx.engine.Find(context.Background(), blindindex.Query{Equals: []map[string]interface{}{{"a": 1}}})
	if kind, ok := edverrors.KindOf(err); !ok || kind != edverrors.KindIndexingDisabled {
		t.Fatalf("expected IndexingDisabled, got %v", err)
	}
}

func TestDelete_PreservesSequenceAndMarksDeleted(t *testing.T) {
	fx := newFixture(t, blindindex.Declarations{})
	ctx := context.Background()

	doc := &Document{Content: map[string]interface{}{"a": 1}}
	inserted, err := fx.engine.Insert(ctx, doc, nil, nil, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	deleted, err := fx.engine.Delete(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Sequence != inserted.Sequence+1 {
		t.Fatalf("expected sequence to advance on delete, got %d", deleted.Sequence)
	}
	if deleted.Meta["deleted"] != true {
		t.Fatalf("expected meta.deleted=true, got %+v", deleted.Meta)
	}

	got, err := fx.engine.Get(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if len(got.Content) != 0 {
		t.Fatalf("expected empty content after delete, got %+v", got.Content)
	}
}
