package cipher

import (
	"context"
	gocipher "crypto/cipher"
	"encoding/binary"
	"io"

	"github.com/kenneth/edv-client/internal/cryptoutil"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

// ChunkRecord is one emitted stream chunk, matching spec.md §4.3's
// `{index, jwe}` shape (the engine adds `sequence` before posting).
type ChunkRecord struct {
	Index int
	JWE   ChunkJWE
}

// EncryptStream turns a plaintext io.Reader into an ordered sequence of
// ChunkRecords sharing one content-encryption key, wrapped once via
// Pipeline.WrapCEK for the same recipients as the document's own JWE. A base
// IV XORed with a big-endian chunk counter derives each chunk's nonce, and
// chunk buffers are drawn from a BufferPool. Chunks are never concatenated
// into one ciphertext stream — each is posted to the transport individually
// and in order (spec.md §4.4 requires storeChunk(i) to succeed before
// storeChunk(i+1) is issued), so there is no benefit to a concurrent
// worker-pool pipeline here; this stays sequential.
type EncryptStream struct {
	ctx       context.Context
	source    io.Reader
	aead      gocipher.AEAD
	baseIV    []byte
	chunkSize int
	pool      *BufferPool
	protected Protected
	index     int
	done      bool
}

// WrappedKey is returned by Pipeline.NewEncryptStream alongside the stream
// itself: the per-recipient wraps of the stream's content-encryption key,
// to be stored in the document's encrypted form so a reader can unwrap it
// later via Pipeline.NewDecryptStream.
type WrappedKey struct {
	Recipients []Recipient
}

// NewEncryptStream opens an encrypt stream over source, wrapping a fresh
// content-encryption key for recipients. chunkSize of 0 uses DefaultChunkSize;
// out-of-range values are clamped to [MinChunkSize, MaxChunkSize].
func (p *Pipeline) NewEncryptStream(ctx context.Context, source io.Reader, recipients []RecipientRequest, resolve KeyResolver, chunkSize int) (*EncryptStream, *WrappedKey, error) {
	impl, err := suiteFor(p.suite)
	if err != nil {
		return nil, nil, err
	}

	cek, err := cryptoutil.RandomBytes(impl.cekBytes())
	if err != nil {
		return nil, nil, edverrors.New(edverrors.KindInvalidArgument, "failed to generate stream content encryption key", err)
	}
	wrapped, err := p.WrapCEK(ctx, cek, recipients, resolve)
	if err != nil {
		return nil, nil, err
	}

	aead, err := impl.newAEAD(cek)
	if err != nil {
		return nil, nil, edverrors.New(edverrors.KindInvalidArgument, "failed to initialize stream cipher", err)
	}
	baseIV, err := cryptoutil.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, edverrors.New(edverrors.KindInvalidArgument, "failed to generate stream base nonce", err)
	}

	return &EncryptStream{
			ctx:       ctx,
			source:    source,
			aead:      aead,
			baseIV:    baseIV,
			chunkSize: clampChunkSize(chunkSize),
			pool:      p.pool,
			protected: Protected{Enc: contentEncAlgName(impl)},
		}, &WrappedKey{
			Recipients: wrapped,
		}, nil
}

// Next reads and encrypts the next chunk. It returns io.EOF once source is
// exhausted.
func (s *EncryptStream) Next() (*ChunkRecord, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	default:
	}

	buf := s.pool.Get(s.chunkSize)
	defer s.pool.Put(buf)

	n, err := io.ReadFull(s.source, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to read stream source", err)
	}
	if n == 0 {
		s.done = true
		return nil, io.EOF
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		s.done = true
	}

	chunkIV := deriveChunkIV(s.baseIV, s.index)
	sealed := s.aead.Seal(nil, chunkIV, buf[:n], protectedAAD(s.protected))
	ciphertext, tag := splitTag(sealed, s.aead.Overhead())

	rec := &ChunkRecord{
		Index: s.index,
		JWE: ChunkJWE{
			Protected:  s.protected,
			IV:         chunkIV,
			Ciphertext: ciphertext,
			Tag:        tag,
		},
	}
	s.index++
	return rec, nil
}

// DecryptStream is the inverse of EncryptStream: pulls and decrypts chunks
// one at a time given the document's wrapped stream key.
type DecryptStream struct {
	aead gocipher.AEAD
}

// NewDecryptStream unwraps the stream's content-encryption key for kak from
// the document's stored stream recipients and prepares to decrypt chunks.
func (p *Pipeline) NewDecryptStream(ctx context.Context, recipients []Recipient, kak KeyAgreementKey) (*DecryptStream, error) {
	impl, err := suiteFor(p.suite)
	if err != nil {
		return nil, err
	}
	cek, err := unwrapForRecipient(ctx, impl, recipients, kak)
	if err != nil {
		return nil, err
	}
	aead, err := impl.newAEAD(cek)
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "failed to initialize stream cipher", err)
	}
	return &DecryptStream{aead: aead}, nil
}

// DecryptChunk opens one chunk record. Each chunk carries its own IV on the
// wire (derived by the writer via deriveChunkIV), so the reader needs no
// base IV of its own — it authenticates and decrypts directly against the
// IV the chunk was sealed with.
func (d *DecryptStream) DecryptChunk(chunk ChunkJWE) ([]byte, error) {
	sealed := append(append([]byte{}, chunk.Ciphertext...), chunk.Tag...)
	plaintext, err := d.aead.Open(nil, chunk.IV, sealed, protectedAAD(chunk.Protected))
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "stream chunk authentication failed", err)
	}
	return plaintext, nil
}

// deriveChunkIV derives a per-chunk nonce from the stream's base IV, XORing
// its last 4 bytes with the big-endian chunk index.
func deriveChunkIV(baseIV []byte, chunkIndex int) []byte {
	iv := make([]byte, len(baseIV))
	copy(iv, baseIV)

	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], uint32(chunkIndex))

	for i := 0; i < 4 && i < len(iv); i++ {
		iv[len(iv)-1-i] ^= indexBytes[3-i]
	}
	return iv
}

func clampChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	if size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}
