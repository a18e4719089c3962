package cipher

import (
	"context"

	"github.com/kenneth/edv-client/internal/cryptoutil"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

// Pipeline is the engine's one dependency on this package: encrypt/decrypt
// whole objects, and open ordered encrypt/decrypt streams for chunked
// attachments. A Pipeline is safe for concurrent use.
type Pipeline struct {
	suite Suite
	pool  *BufferPool
}

// NewPipeline returns a Pipeline for the given suite ("" defaults to
// SuiteRecommended).
func NewPipeline(suite Suite) *Pipeline {
	return &Pipeline{suite: suite, pool: NewBufferPool()}
}

// Suite reports the pipeline's configured cipher suite, for metrics/log
// labeling by callers that don't otherwise carry it.
func (p *Pipeline) Suite() Suite {
	if p.suite == "" {
		return SuiteRecommended
	}
	return p.suite
}

// BufferStats returns the pipeline's chunk buffer pool hit/miss counters.
func (p *Pipeline) BufferStats() (hits, misses int64) {
	return p.pool.Stats()
}

// EncryptObject seals plaintext into a JWE addressed to every recipient in
// recipients, resolving each recipient's public key via resolve.
func (p *Pipeline) EncryptObject(ctx context.Context, plaintext []byte, recipients []RecipientRequest, resolve KeyResolver) (*JWE, error) {
	impl, err := suiteFor(p.suite)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "at least one recipient is required", nil)
	}

	cek, err := cryptoutil.RandomBytes(impl.cekBytes())
	if err != nil {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to generate content encryption key", err)
	}

	resolve = memoizingResolver(resolve)
	recs, err := wrapForRecipients(ctx, impl, cek, recipients, resolve)
	if err != nil {
		return nil, err
	}

	aead, err := impl.newAEAD(cek)
	if err != nil {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to initialize content cipher", err)
	}
	iv, err := cryptoutil.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to generate nonce", err)
	}

	protected := Protected{Enc: contentEncAlgName(impl)}
	sealed := aead.Seal(nil, iv, plaintext, protectedAAD(protected))
	ciphertext, tag := splitTag(sealed, aead.Overhead())

	return &JWE{
		Protected:  protected,
		Recipients: recs,
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
	}, nil
}

// DecryptObject opens a JWE using kak, the caller's key-agreement key for
// exactly one of the JWE's recipients. It uses the first recipient entry
// whose kid matches kak.ID(); if none matches or unwrap/open fails,
// edverrors.KindDecryptionFailed is returned.
func (p *Pipeline) DecryptObject(ctx context.Context, jwe *JWE, kak KeyAgreementKey) ([]byte, error) {
	impl, err := suiteFor(p.suite)
	if err != nil {
		return nil, err
	}

	cek, err := unwrapForRecipient(ctx, impl, jwe.Recipients, kak)
	if err != nil {
		return nil, err
	}

	aead, err := impl.newAEAD(cek)
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "failed to initialize content cipher", err)
	}

	sealed := append(append([]byte{}, jwe.Ciphertext...), jwe.Tag...)
	plaintext, err := aead.Open(nil, jwe.IV, sealed, protectedAAD(jwe.Protected))
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "ciphertext authentication failed", err)
	}
	return plaintext, nil
}

func contentEncAlgName(impl suiteImpl) string {
	switch impl.name() {
	case SuiteFIPS:
		return "A256GCM"
	default:
		return "XC20P"
	}
}

func protectedAAD(p Protected) []byte {
	return []byte(p.Enc)
}

func splitTag(sealed []byte, overhead int) (ciphertext, tag []byte) {
	n := len(sealed) - overhead
	return sealed[:n], sealed[n:]
}

// WrapCEK wraps an externally supplied content-encryption key for each
// recipient, independent of any JWE ciphertext. The stream cipher uses this
// to bind a stream's content-encryption key to the same recipient set as the
// document's own JWE, without encrypting a second payload (see stream.go).
func (p *Pipeline) WrapCEK(ctx context.Context, cek []byte, recipients []RecipientRequest, resolve KeyResolver) ([]Recipient, error) {
	impl, err := suiteFor(p.suite)
	if err != nil {
		return nil, err
	}
	return wrapForRecipients(ctx, impl, cek, recipients, memoizingResolver(resolve))
}

// UnwrapCEK is the inverse of WrapCEK.
func (p *Pipeline) UnwrapCEK(ctx context.Context, recipients []Recipient, kak KeyAgreementKey) ([]byte, error) {
	impl, err := suiteFor(p.suite)
	if err != nil {
		return nil, err
	}
	return unwrapForRecipient(ctx, impl, recipients, kak)
}

func wrapForRecipients(ctx context.Context, impl suiteImpl, cek []byte, recipients []RecipientRequest, resolve KeyResolver) ([]Recipient, error) {
	out := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		alg := r.Alg
		if alg == "" {
			alg = DefaultKeyWrapAlg
		}
		if alg != DefaultKeyWrapAlg {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "unsupported key wrap algorithm: "+alg, nil)
		}
		if resolve == nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "no key resolver configured for recipient "+r.Kid, nil)
		}

		pubRaw, err := resolve(ctx, r.Kid)
		if err != nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to resolve recipient key for "+r.Kid, err)
		}
		recipientPub, err := impl.parseRecipientPublicKey(pubRaw)
		if err != nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "invalid recipient public key for "+r.Kid, err)
		}

		ephPriv, err := generateEphemeral(impl.keyAgreementCurve())
		if err != nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "failed to generate ephemeral key", err)
		}
		z, err := ephPriv.ECDH(recipientPub)
		if err != nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "ECDH key agreement failed for "+r.Kid, err)
		}

		kek := concatKDF(z, []byte(alg), nil, []byte(r.Kid), 256)
		wrapped, err := aesKWWrap(kek, cek)
		if err != nil {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "key wrap failed for "+r.Kid, err)
		}

		out = append(out, Recipient{
			Header: RecipientHeader{
				Kid: r.Kid,
				Alg: alg,
				Epk: impl.epkHeader(ephPriv.PublicKey()),
				Apv: encodeB64([]byte(r.Kid)),
			},
			EncryptedKey: wrapped,
		})
	}
	return out, nil
}

func unwrapForRecipient(ctx context.Context, impl suiteImpl, recipients []Recipient, kak KeyAgreementKey) ([]byte, error) {
	if kak == nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "no key agreement key supplied", nil)
	}

	var matched *Recipient
	for i := range recipients {
		if recipients[i].Header.Kid == kak.ID() {
			matched = &recipients[i]
			break
		}
	}
	if matched == nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "no recipient entry for key "+kak.ID(), nil)
	}
	if matched.Header.Alg != DefaultKeyWrapAlg {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "unsupported key wrap algorithm: "+matched.Header.Alg, nil)
	}

	ephPub, err := epkToPublicKey(impl, matched.Header.Epk)
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "invalid ephemeral public key", err)
	}

	z, err := kak.DeriveSecret(ctx, ephPub)
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "key agreement failed", err)
	}

	kek := concatKDF(z, []byte(matched.Header.Alg), nil, []byte(matched.Header.Kid), 256)
	cek, err := aesKWUnwrap(kek, matched.EncryptedKey)
	if err != nil {
		return nil, edverrors.New(edverrors.KindDecryptionFailed, "key unwrap failed", err)
	}
	return cek, nil
}

func epkToPublicKey(impl suiteImpl, e epk) ([]byte, error) {
	x, err := cryptoutil.DecodeBase64URL(e.X)
	if err != nil {
		return nil, err
	}
	if e.Y == "" {
		return x, nil
	}
	y, err := cryptoutil.DecodeBase64URL(e.Y)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 1+len(x)+len(y))
	raw = append(raw, 0x04)
	raw = append(raw, x...)
	raw = append(raw, y...)
	return raw, nil
}
