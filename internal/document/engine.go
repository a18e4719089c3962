package document

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/edv-client/internal/audit"
	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/internal/cipher"
	"github.com/kenneth/edv-client/internal/transport"
	"github.com/kenneth/edv-client/pkg/docid"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

// EngineMetrics is the narrow slice of internal/metrics.Metrics the engine
// depends on, so this package doesn't need internal/metrics to exist (or be
// adapted) before it can compile and be tested with a fake.
type EngineMetrics interface {
	RecordDocumentOperation(ctx context.Context, op string, duration time.Duration, success bool)
	RecordCipherOperation(ctx context.Context, op, suite string, duration time.Duration, bytes int)
	RecordIndexCacheStats(hits, misses int64)
}

// Engine is the client-side document lifecycle orchestrator: it combines a
// cipher.Pipeline, an optional blindindex.Builder, and a transport.Transport
// into insert/update/delete/get/getStream/find/count/updateIndex, with one
// collaborator per concern and logger/audit/metrics attached as fields
// rather than globals.
type Engine struct {
	transport transport.Transport
	pipeline  *cipher.Pipeline
	index     *blindindex.Builder // nil => IndexingDisabled for index-dependent ops

	kak              cipher.KeyAgreementKey
	defaultRecipient *cipher.RecipientRequest
	resolve          cipher.KeyResolver

	logger  *logrus.Logger
	audit   audit.Logger
	metrics EngineMetrics
	tracer  trace.Tracer
}

// Config bundles an Engine's collaborators. Index, Audit, Metrics, and
// DefaultRecipient are optional; Transport, Pipeline, and KAK are required.
type Config struct {
	Transport        transport.Transport
	Pipeline         *cipher.Pipeline
	Index            *blindindex.Builder
	KAK              cipher.KeyAgreementKey
	Resolve          cipher.KeyResolver
	DefaultRecipient *cipher.RecipientRequest
	Logger           *logrus.Logger
	Audit            audit.Logger
	Metrics          EngineMetrics
	Tracer           trace.Tracer
}

// New constructs an Engine from cfg, filling in a discard logger and a
// no-op tracer when the caller leaves them nil.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("edv-client/document")
	}

	return &Engine{
		transport:        cfg.Transport,
		pipeline:         cfg.Pipeline,
		index:            cfg.Index,
		kak:              cfg.KAK,
		defaultRecipient: cfg.DefaultRecipient,
		resolve:          cfg.Resolve,
		logger:           logger,
		audit:            cfg.Audit,
		metrics:          cfg.Metrics,
		tracer:           tracer,
	}
}

// Insert creates a new document. stream, when non-nil, is read and posted as
// chunked stream content via the two-phase stream write protocol.
func (e *Engine) Insert(ctx context.Context, doc *Document, stream io.Reader, recipients []cipher.RecipientRequest, chunkSize int) (*Document, error) {
	ctx, span := e.tracer.Start(ctx, "document.Insert")
	defer span.End()
	start := time.Now()

	if doc.ID == "" {
		id, err := docid.Generate()
		if err != nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to generate document id", err)
		}
		doc.ID = id
	}

	recipients = e.withDefaultRecipient(recipients)
	if len(recipients) == 0 {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "insert requires at least one recipient", nil)
	}

	local := *doc
	local.Sequence = 0
	if stream != nil {
		local.Stream = &StreamRef{Pending: true}
	}

	encrypted, err := e.encrypt(ctx, &local, recipients, nil)
	if err != nil {
		e.logDocument(ctx, "insert", doc.ID, 0, false, err, start)
		return nil, err
	}

	stored, err := e.transport.Insert(ctx, *encrypted)
	if err != nil {
		e.logDocument(ctx, "insert", doc.ID, 0, false, err, start)
		return nil, err
	}

	if stream != nil {
		chunks, wrapped, err := e.writeStream(ctx, stored.ID, stored.Sequence, stream, recipients, chunkSize)
		if err != nil {
			e.logDocument(ctx, "insert", doc.ID, 0, false, err, start)
			return nil, err
		}

		final := local
		final.Sequence = stored.Sequence + 1
		final.Stream = &StreamRef{Sequence: stored.Sequence, Chunks: chunks}
		encrypted, err = e.encrypt(ctx, &final, recipients, stored.JWE.Recipients)
		if err != nil {
			e.logDocument(ctx, "insert", doc.ID, 0, false, err, start)
			return nil, err
		}
		encrypted.Stream.Recipients = wrapped.Recipients
		stored, err = e.transport.Update(ctx, *encrypted)
		if err != nil {
			e.logDocument(ctx, "insert", doc.ID, 0, false, err, start)
			return nil, err
		}
	}

	e.logDocument(ctx, "insert", doc.ID, stored.Sequence, true, nil, start)
	return e.hydrate(&local, &stored), nil
}

// Update overwrites an existing document. doc.Sequence must be the sequence
// the caller last observed; Update sends doc.Sequence+1, and the transport
// rejects it with InvalidStateError unless that is exactly one past the
// stored sequence. The document's existing JWE recipients are
// fetched from the transport and merged with recipients, deduped by (kid,
// alg) — every update re-wraps the content-encryption key for the union.
func (e *Engine) Update(ctx context.Context, doc *Document, stream io.Reader, recipients []cipher.RecipientRequest) (*Document, error) {
	ctx, span := e.tracer.Start(ctx, "document.Update")
	defer span.End()
	start := time.Now()

	current, err := e.transport.Get(ctx, doc.ID)
	if err != nil {
		e.logDocument(ctx, "update", doc.ID, doc.Sequence, false, err, start)
		return nil, err
	}
	existing := current.JWE.Recipients

	recipients = e.withDefaultRecipient(recipients)

	local := *doc
	local.Sequence = doc.Sequence + 1
	if stream != nil {
		local.Stream = &StreamRef{Pending: true}
	}

	encrypted, err := e.encrypt(ctx, &local, recipients, existing)
	if err != nil {
		e.logDocument(ctx, "update", doc.ID, local.Sequence, false, err, start)
		return nil, err
	}

	stored, err := e.transport.Update(ctx, *encrypted)
	if err != nil {
		e.logDocument(ctx, "update", doc.ID, local.Sequence, false, err, start)
		return nil, err
	}

	if stream != nil {
		chunks, wrapped, err := e.writeStream(ctx, stored.ID, stored.Sequence, stream, recipients, 0)
		if err != nil {
			e.logDocument(ctx, "update", doc.ID, local.Sequence, false, err, start)
			return nil, err
		}

		final := local
		final.Sequence = stored.Sequence + 1
		final.Stream = &StreamRef{Sequence: stored.Sequence, Chunks: chunks}
		encrypted, err = e.encrypt(ctx, &final, recipients, stored.JWE.Recipients)
		if err != nil {
			e.logDocument(ctx, "update", doc.ID, local.Sequence, false, err, start)
			return nil, err
		}
		encrypted.Stream.Recipients = wrapped.Recipients
		stored, err = e.transport.Update(ctx, *encrypted)
		if err != nil {
			e.logDocument(ctx, "update", doc.ID, local.Sequence, false, err, start)
			return nil, err
		}
	}

	e.logDocument(ctx, "update", doc.ID, stored.Sequence, true, nil, start)
	return e.hydrate(&local, &stored), nil
}

// Delete tombstones a document: it fetches the document's current encrypted
// form to learn its sequence and existing recipients, then updates it with
// empty content and meta.deleted=true, preserving the JWE recipient list.
func (e *Engine) Delete(ctx context.Context, id string) (*Document, error) {
	ctx, span := e.tracer.Start(ctx, "document.Delete")
	defer span.End()
	start := time.Now()

	current, err := e.transport.Get(ctx, id)
	if err != nil {
		e.logDocument(ctx, "delete", id, 0, false, err, start)
		return nil, err
	}

	shadow := &Document{
		ID:       id,
		Sequence: current.Sequence + 1,
		Content:  map[string]interface{}{},
		Meta:     map[string]interface{}{"deleted": true},
	}

	encrypted, err := e.encrypt(ctx, shadow, nil, current.JWE.Recipients)
	if err != nil {
		e.logDocument(ctx, "delete", id, shadow.Sequence, false, err, start)
		return nil, err
	}
	if current.Stream != nil {
		encrypted.Stream = current.Stream
	}

	stored, err := e.transport.Update(ctx, *encrypted)
	if err != nil {
		e.logDocument(ctx, "delete", id, shadow.Sequence, false, err, start)
		return nil, err
	}

	e.logDocument(ctx, "delete", id, stored.Sequence, true, nil, start)
	return e.hydrate(shadow, &stored), nil
}

// Get fetches and decrypts a document.
func (e *Engine) Get(ctx context.Context, id string) (*Document, error) {
	ctx, span := e.tracer.Start(ctx, "document.Get")
	defer span.End()
	start := time.Now()

	encrypted, err := e.transport.Get(ctx, id)
	if err != nil {
		e.logDocument(ctx, "get", id, 0, false, err, start)
		return nil, err
	}

	plaintext, err := e.decrypt(ctx, id, &encrypted.JWE)
	if err != nil {
		e.logDocument(ctx, "get", id, encrypted.Sequence, false, err, start)
		return nil, err
	}

	doc := &Document{ID: encrypted.ID, Sequence: encrypted.Sequence, Indexed: encrypted.Indexed}
	if err := decodePlaintext(plaintext, doc); err != nil {
		e.logDocument(ctx, "get", id, encrypted.Sequence, false, err, start)
		return nil, err
	}
	if encrypted.Stream != nil {
		doc.Stream = &StreamRef{Sequence: encrypted.Stream.Sequence, Chunks: encrypted.Stream.Chunks}
	}

	e.logDocument(ctx, "get", id, encrypted.Sequence, true, nil, start)
	return doc, nil
}

// chunkReader pulls and decrypts stream chunks lazily from the transport as
// Read is called.
type chunkReader struct {
	ctx     context.Context
	engine  *Engine
	docID   string
	total   int
	next    int
	decoder *cipher.DecryptStream
	pending []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.next >= r.total {
			return 0, io.EOF
		}
		chunk, err := r.engine.transport.GetChunk(r.ctx, r.docID, r.next)
		if err != nil {
			return 0, err
		}
		plaintext, err := r.decoder.DecryptChunk(chunk.JWE)
		if err != nil {
			return 0, err
		}
		r.next++
		r.pending = plaintext
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

// GetStream returns a lazy reader over a document's stream chunks, decrypted
// as they are pulled. Missing chunks surface as NotFoundError from the
// underlying transport.GetChunk call.
func (e *Engine) GetStream(ctx context.Context, id string) (io.ReadCloser, error) {
	ctx, span := e.tracer.Start(ctx, "document.GetStream")
	defer span.End()
	start := time.Now()

	encrypted, err := e.transport.Get(ctx, id)
	if err != nil {
		e.logDocument(ctx, "get", id, 0, false, err, start)
		return nil, err
	}
	if encrypted.Stream == nil {
		err := edverrors.New(edverrors.KindNotFound, "document has no stream: "+id, nil)
		e.logDocument(ctx, "get", id, encrypted.Sequence, false, err, start)
		return nil, err
	}

	decoder, err := e.pipeline.NewDecryptStream(ctx, encrypted.Stream.Recipients, e.kak)
	if err != nil {
		e.logDocument(ctx, "get", id, encrypted.Sequence, false, err, start)
		return nil, err
	}
	e.logDocument(ctx, "get", id, encrypted.Sequence, true, nil, start)

	return &chunkReader{
		ctx:     ctx,
		engine:  e,
		docID:   id,
		total:   encrypted.Stream.Chunks,
		decoder: decoder,
	}, nil
}

// Find runs an equals/has query and decrypts every matching document.
func (e *Engine) Find(ctx context.Context, q blindindex.Query) ([]*Document, bool, error) {
	ctx, span := e.tracer.Start(ctx, "document.Find")
	defer span.End()
	start := time.Now()

	if e.index == nil {
		err := edverrors.New(edverrors.KindIndexingDisabled, "find requires an index identity", nil)
		e.logDocument(ctx, "find", "", 0, false, err, start)
		return nil, false, err
	}

	clauses, hasTokens, err := e.buildFindQuery(ctx, q)
	if err != nil {
		e.logDocument(ctx, "find", "", 0, false, err, start)
		return nil, false, err
	}

	result, err := e.transport.Find(ctx, transport.FindQuery{
		Index:  e.index.Identity().ID,
		Equals: clauses,
		Has:    hasTokens,
		Limit:  q.Limit,
	})
	if err != nil {
		e.logDocument(ctx, "find", "", 0, false, err, start)
		return nil, false, err
	}

	docs, err := e.decryptAll(ctx, result.Documents)
	if err != nil {
		e.logDocument(ctx, "find", "", 0, false, err, start)
		return nil, false, err
	}

	e.logDocument(ctx, "find", "", 0, true, nil, start)
	return docs, result.HasMore, nil
}

// Count runs an equals/has query with Count set and returns the server's
// match count without fetching or decrypting documents.
func (e *Engine) Count(ctx context.Context, q blindindex.Query) (int, error) {
	ctx, span := e.tracer.Start(ctx, "document.Count")
	defer span.End()

	if e.index == nil {
		return 0, edverrors.New(edverrors.KindIndexingDisabled, "count requires an index identity", nil)
	}

	clauses, hasTokens, err := e.buildFindQuery(ctx, q)
	if err != nil {
		return 0, err
	}

	result, err := e.transport.Find(ctx, transport.FindQuery{
		Index:  e.index.Identity().ID,
		Equals: clauses,
		Has:    hasTokens,
		Count:  true,
	})
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

// UpdateIndex recomputes and republishes a document's index entry at its
// current sequence, without touching content, meta, or the JWE.
func (e *Engine) UpdateIndex(ctx context.Context, doc *Document) error {
	ctx, span := e.tracer.Start(ctx, "document.UpdateIndex")
	defer span.End()
	start := time.Now()

	if e.index == nil {
		err := edverrors.New(edverrors.KindIndexingDisabled, "updateIndex requires an index identity", nil)
		e.logDocument(ctx, "update_index", doc.ID, doc.Sequence, false, err, start)
		return err
	}

	entry, err := e.index.UpdateEntry(ctx, asDocMap(doc), doc.Sequence)
	if err != nil {
		e.logDocument(ctx, "update_index", doc.ID, doc.Sequence, false, err, start)
		return err
	}

	if err := e.transport.UpdateIndex(ctx, doc.ID, *entry); err != nil {
		e.logDocument(ctx, "update_index", doc.ID, doc.Sequence, false, err, start)
		return err
	}

	e.logDocument(ctx, "update_index", doc.ID, doc.Sequence, true, nil, start)
	return nil
}

// encrypt is the shared _encrypt step: it builds the index entry (if
// configured) and seals the JWE concurrently, merges recipients, and strips
// content/meta from the wire form.
func (e *Engine) encrypt(ctx context.Context, doc *Document, recipients []cipher.RecipientRequest, existing []cipher.Recipient) (*transport.EncryptedDocument, error) {
	if !validateSequence(doc.Sequence) {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "sequence out of range", nil)
	}
	if doc.Meta == nil {
		doc.Meta = map[string]interface{}{}
	}

	merged := mergeRecipients(recipients, existing)
	if len(merged) == 0 {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "no recipients available to encrypt for", nil)
	}

	var (
		wg         sync.WaitGroup
		indexEntry *blindindex.IndexEntry
		indexErr   error
		jwe        *cipher.JWE
		cipherErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if e.index == nil {
			return
		}
		indexEntry, indexErr = e.index.UpdateEntry(ctx, asDocMap(doc), doc.Sequence)
		if e.metrics != nil {
			hits, misses := e.index.Stats()
			e.metrics.RecordIndexCacheStats(hits, misses)
		}
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		plaintext, err := encodePlaintext(doc)
		if err != nil {
			cipherErr = err
			return
		}
		jwe, cipherErr = e.pipeline.EncryptObject(ctx, plaintext, merged, e.resolve)
		success := cipherErr == nil
		if e.audit != nil {
			e.audit.LogCipher(audit.EventTypeEncrypt, doc.ID, "", success, cipherErr, time.Since(start))
		}
		if e.metrics != nil {
			e.metrics.RecordCipherOperation(ctx, "encrypt", string(e.pipeline.Suite()), time.Since(start), len(plaintext))
		}
	}()
	wg.Wait()

	if indexErr != nil {
		return nil, indexErr
	}
	if cipherErr != nil {
		return nil, cipherErr
	}

	indexed := doc.Indexed
	if indexEntry != nil {
		indexed = []blindindex.IndexEntry{*indexEntry}
	}

	out := &transport.EncryptedDocument{
		ID:       doc.ID,
		Sequence: doc.Sequence,
		Indexed:  indexed,
		JWE:      *jwe,
	}
	if doc.Stream != nil && !doc.Stream.Pending {
		out.Stream = &transport.StreamState{Sequence: doc.Stream.Sequence, Chunks: doc.Stream.Chunks}
	}
	return out, nil
}

// decrypt opens jwe for docID, recording an audit/metrics event either way.
func (e *Engine) decrypt(ctx context.Context, docID string, jwe *cipher.JWE) ([]byte, error) {
	start := time.Now()
	plaintext, err := e.pipeline.DecryptObject(ctx, jwe, e.kak)
	success := err == nil
	if e.audit != nil {
		e.audit.LogCipher(audit.EventTypeDecrypt, docID, "", success, err, time.Since(start))
	}
	if e.metrics != nil {
		e.metrics.RecordCipherOperation(ctx, "decrypt", string(e.pipeline.Suite()), time.Since(start), len(plaintext))
	}
	return plaintext, err
}

// decryptAll decrypts a batch of documents concurrently, preserving the
// server's result order.
func (e *Engine) decryptAll(ctx context.Context, encrypted []transport.EncryptedDocument) ([]*Document, error) {
	docs := make([]*Document, len(encrypted))
	errs := make([]error, len(encrypted))

	var wg sync.WaitGroup
	wg.Add(len(encrypted))
	for i := range encrypted {
		i := i
		go func() {
			defer wg.Done()
			plaintext, err := e.decrypt(ctx, encrypted[i].ID, &encrypted[i].JWE)
			if err != nil {
				errs[i] = err
				return
			}
			doc := &Document{ID: encrypted[i].ID, Sequence: encrypted[i].Sequence, Indexed: encrypted[i].Indexed}
			if err := decodePlaintext(plaintext, doc); err != nil {
				errs[i] = err
				return
			}
			docs[i] = doc
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// writeStream runs the two-phase stream write protocol's chunk-posting
// phase: pipe source through an encrypt stream and storeChunk each record in
// order, per spec.md's "storeChunk(i) must succeed before storeChunk(i+1)".
// It returns the chunk count and the stream's own wrapped content-encryption
// key, which the caller must attach to the finalized StreamState so
// GetStream can unwrap it later.
func (e *Engine) writeStream(ctx context.Context, docID string, sequence int64, source io.Reader, recipients []cipher.RecipientRequest, chunkSize int) (int, *cipher.WrappedKey, error) {
	stream, wrapped, err := e.pipeline.NewEncryptStream(ctx, source, recipients, e.resolve, chunkSize)
	if err != nil {
		return 0, nil, err
	}

	count := 0
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, nil, err
		}
		if err := e.transport.StoreChunk(ctx, docID, transport.Chunk{Index: rec.Index, JWE: rec.JWE, Sequence: sequence}); err != nil {
			return count, nil, err
		}
		count++
	}
	return count, wrapped, nil
}

func (e *Engine) withDefaultRecipient(recipients []cipher.RecipientRequest) []cipher.RecipientRequest {
	if len(recipients) > 0 || e.defaultRecipient == nil {
		return recipients
	}
	return []cipher.RecipientRequest{*e.defaultRecipient}
}

func (e *Engine) hydrate(local *Document, stored *transport.EncryptedDocument) *Document {
	out := *local
	out.Sequence = stored.Sequence
	out.Indexed = stored.Indexed
	if stored.Stream != nil {
		out.Stream = &StreamRef{Sequence: stored.Stream.Sequence, Chunks: stored.Stream.Chunks}
	}
	return &out
}

func (e *Engine) logDocument(ctx context.Context, op, docID string, sequence int64, success bool, err error, start time.Time) {
	duration := time.Since(start)
	fields := logrus.Fields{"op": op, "doc_id": docID, "sequence": sequence, "duration_ms": duration.Milliseconds()}
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("document operation failed")
	} else {
		e.logger.WithFields(fields).Debug("document operation succeeded")
	}
	if e.audit != nil {
		e.audit.LogDocument(audit.EventType(op), docID, sequence, success, err, duration, nil)
	}
	if e.metrics != nil {
		e.metrics.RecordDocumentOperation(ctx, op, duration, success)
	}
}

// mergeRecipients combines requested recipients with the (kid, alg) pairs
// already present on a document's JWE, deduped — every update re-wraps the
// content-encryption key for the full recipient set, requested and existing.
func mergeRecipients(requested []cipher.RecipientRequest, existing []cipher.Recipient) []cipher.RecipientRequest {
	seen := make(map[[2]string]bool, len(requested)+len(existing))
	var out []cipher.RecipientRequest

	for _, r := range requested {
		key := [2]string{r.Kid, r.Alg}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	for _, r := range existing {
		key := [2]string{r.Header.Kid, r.Header.Alg}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cipher.RecipientRequest{Kid: r.Header.Kid, Alg: r.Header.Alg})
	}
	return out
}

// buildFindQuery blinds q into the transport's wire shape. Each equals()
// clause is blinded independently (BuildQuery flattens compound/simple
// tokens for one clause at a time) so clause boundaries survive into
// transport.FindQuery.Equals — the server ORs across them, per spec.md's
// "the result is the union of clauses".
func (e *Engine) buildFindQuery(ctx context.Context, q blindindex.Query) (equals []map[string]string, has []string, err error) {
	if len(q.Has) > 0 {
		tokens, err := e.index.BuildQuery(ctx, blindindex.Query{Has: q.Has, Limit: q.Limit})
		if err != nil {
			return nil, nil, err
		}
		for _, tok := range tokens {
			has = append(has, tok.Name)
		}
		return nil, has, nil
	}

	for _, clause := range q.Equals {
		tokens, err := e.index.BuildQuery(ctx, blindindex.Query{Equals: []map[string]interface{}{clause}, Limit: q.Limit})
		if err != nil {
			return nil, nil, err
		}
		blinded := make(map[string]string, len(tokens))
		for _, tok := range tokens {
			blinded[tok.Name] = tok.Value
		}
		equals = append(equals, blinded)
	}
	return equals, nil, nil
}
