package blindindex

import (
	"context"
	"testing"

	"github.com/kenneth/edv-client/internal/cryptoutil"
)

type testSigner struct {
	id  string
	key []byte
}

func (s testSigner) ID() string   { return s.id }
func (s testSigner) Type() string { return "test-hmac" }
func (s testSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return cryptoutil.HMACSHA256(s.key, data), nil
}

func newTestSigner(id string) testSigner {
	return testSigner{id: id, key: []byte("test-key-" + id)}
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"content.foo.bar", []string{"content", "foo", "bar"}, false},
		{"meta.deleted", []string{"meta", "deleted"}, false},
		{`content.a\.b`, []string{"content", "a.b"}, false},
		{"", nil, true},
		{"foo.bar", nil, true},
		{"content..bar", nil, true},
	}
	for _, c := range cases {
		got, err := ParsePath(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePath(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): unexpected error %v", c.in, err)
			continue
		}
		if len(got) != len(c.want) {
			t.Errorf("ParsePath(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("ParsePath(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestDereference_RecursesThroughArrays(t *testing.T) {
	doc := map[string]interface{}{
		"content": map[string]interface{}{
			"tags": []interface{}{"a", "b", "c"},
		},
	}
	segments, err := ParsePath("content.tags")
	if err != nil {
		t.Fatal(err)
	}
	got := Dereference(doc, segments)
	if len(got) != 3 {
		t.Fatalf("expected 3 values, got %v", got)
	}
}

func TestDereference_MissingKeyYieldsNoValues(t *testing.T) {
	doc := map[string]interface{}{"content": map[string]interface{}{}}
	segments, _ := ParsePath("content.absent")
	got := Dereference(doc, segments)
	if len(got) != 0 {
		t.Fatalf("expected no values, got %v", got)
	}
}

func TestUpdateEntry_DeterministicAcrossCalls(t *testing.T) {
	signer := newTestSigner("id1")
	decls := Declarations{Simple: []SimpleIndexDecl{{Path: "content.email", Unique: true}}}
	doc := map[string]interface{}{"content": map[string]interface{}{"email": "alice@example.com"}}

	b1 := NewBuilder(signer, decls)
	b2 := NewBuilder(signer, decls)

	e1, err := b1.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := b2.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(e1.Attributes) != 1 || len(e2.Attributes) != 1 {
		t.Fatalf("expected 1 attribute each, got %d/%d", len(e1.Attributes), len(e2.Attributes))
	}
	if e1.Attributes[0].Name != e2.Attributes[0].Name || e1.Attributes[0].Value != e2.Attributes[0].Value {
		t.Fatal("expected deterministic blinded output across builder instances")
	}
	if !e1.Attributes[0].Unique {
		t.Fatal("expected unique flag to propagate from declaration")
	}
}

func TestUpdateEntry_SaltIsolatesSameValueUnderDifferentNames(t *testing.T) {
	signer := newTestSigner("id1")
	decls := Declarations{Simple: []SimpleIndexDecl{
		{Path: "content.a"},
		{Path: "content.b"},
	}}
	doc := map[string]interface{}{"content": map[string]interface{}{"a": "shared", "b": "shared"}}

	b := NewBuilder(signer, decls)
	entry, err := b.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Attributes) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(entry.Attributes))
	}
	if entry.Attributes[0].Value == entry.Attributes[1].Value {
		t.Fatal("expected value blinding to differ by attribute name (salting isolation)")
	}
}

func TestUpdateEntry_CompoundPrefixesAllEmitted(t *testing.T) {
	signer := newTestSigner("id1")
	decls := Declarations{Compound: []CompoundIndexDecl{{
		Paths:  []string{"content.a", "content.b", "content.c"},
		Unique: true,
	}}}
	doc := map[string]interface{}{"content": map[string]interface{}{
		"a": "a1", "b": "b1", "c": "c1",
	}}

	b := NewBuilder(signer, decls)
	entry, err := b.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	// k=2 and k=3 prefixes, one combo each (no arrays involved) = 2 records.
	if len(entry.Attributes) != 2 {
		t.Fatalf("expected 2 compound prefix records, got %d", len(entry.Attributes))
	}
	uniqueCount := 0
	for _, a := range entry.Attributes {
		if a.Unique {
			uniqueCount++
		}
	}
	if uniqueCount != 1 {
		t.Fatalf("expected exactly 1 unique record (the full-length prefix), got %d", uniqueCount)
	}
}

func TestUpdateEntry_CompoundCrossProduct(t *testing.T) {
	signer := newTestSigner("id1")
	decls := Declarations{Compound: []CompoundIndexDecl{{
		Paths: []string{"content.a", "content.b", "content.c"},
	}}}
	doc := map[string]interface{}{"content": map[string]interface{}{
		"a": []interface{}{"a1", "a2"},
		"b": "b1",
		"c": []interface{}{"c1", "c2"},
	}}

	b := NewBuilder(signer, decls)
	entry, err := b.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	// k=2 (a,b): 2 combos. k=3 (a,b,c): 2*1*2=4 combos. Total 6, per spec's worked example shape.
	if len(entry.Attributes) != 6 {
		t.Fatalf("expected 6 combinatorial records, got %d", len(entry.Attributes))
	}
}

func TestBuildQuery_RequiresExactlyOneOfEqualsOrHas(t *testing.T) {
	signer := newTestSigner("id1")
	b := NewBuilder(signer, Declarations{})

	if _, err := b.BuildQuery(context.Background(), Query{}); err == nil {
		t.Fatal("expected error when neither equals nor has is set")
	}
	if _, err := b.BuildQuery(context.Background(), Query{
		Equals: []map[string]interface{}{{"content.a": "x"}},
		Has:    []string{"content.a"},
	}); err == nil {
		t.Fatal("expected error when both equals and has are set")
	}
}

func TestBuildQuery_EqualsMatchesUpdateEntryBlinding(t *testing.T) {
	signer := newTestSigner("id1")
	decls := Declarations{Simple: []SimpleIndexDecl{{Path: "content.email", Unique: true}}}
	doc := map[string]interface{}{"content": map[string]interface{}{"email": "alice@example.com"}}

	b := NewBuilder(signer, decls)
	entry, err := b.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}

	tokens, err := b.BuildQuery(context.Background(), Query{Equals: []map[string]interface{}{
		{"content.email": "alice@example.com"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected 1 query token, got %d", len(tokens))
	}
	if tokens[0].Name != entry.Attributes[0].Name || tokens[0].Value != entry.Attributes[0].Value {
		t.Fatal("expected query token to match the indexed attribute's blinded name/value")
	}
}

func TestLegacyBuilder_Deterministic(t *testing.T) {
	signer := newTestSigner("legacy")
	decls := Declarations{Simple: []SimpleIndexDecl{{Path: "content.email"}}}
	doc := map[string]interface{}{"content": map[string]interface{}{"email": "bob@example.com"}}

	b1 := NewLegacyBuilder(signer, decls)
	b2 := NewLegacyBuilder(signer, decls)

	e1, err := b1.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := b2.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e1.Attributes[0].Name != e2.Attributes[0].Name || e1.Attributes[0].Value != e2.Attributes[0].Value {
		t.Fatal("expected legacy builder to be deterministic")
	}
}

func TestLegacyBuilder_DiffersFromV2(t *testing.T) {
	signer := newTestSigner("legacy")
	decls := Declarations{Simple: []SimpleIndexDecl{{Path: "content.email"}}}
	doc := map[string]interface{}{"content": map[string]interface{}{"email": "bob@example.com"}}

	legacy := NewLegacyBuilder(signer, decls)
	v2 := NewBuilder(signer, decls)

	legacyEntry, err := legacy.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	v2Entry, err := v2.UpdateEntry(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if legacyEntry.Attributes[0].Name == v2Entry.Attributes[0].Name {
		t.Fatal("expected legacy (no pre-hash) and v2 (SHA-256 pre-hash) blinding to diverge")
	}
}
