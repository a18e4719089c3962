package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"

	"github.com/kenneth/edv-client/internal/cryptoutil"
	"github.com/kenneth/edv-client/pkg/edverrors"
	"golang.org/x/crypto/chacha20poly1305"
)

func encodeB64(b []byte) string { return cryptoutil.EncodeBase64URL(b) }

// Suite names the two cipher suites spec.md §6 defines.
type Suite string

const (
	// SuiteRecommended is X25519 key agreement with XChaCha20-Poly1305
	// content encryption.
	SuiteRecommended Suite = "recommended"
	// SuiteFIPS is P-256 key agreement with AES-256-GCM content encryption,
	// for deployments restricted to FIPS-validated primitives.
	SuiteFIPS Suite = "fips"
)

// epk is the JWE "epk" (ephemeral public key) header member, in the JWK
// shape spec.md's wire format uses.
type epk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y,omitempty"`
}

// suiteImpl abstracts the two cipher suites behind one pipeline so that
// EncryptObject/DecryptObject/streaming don't branch on suite throughout.
type suiteImpl interface {
	name() Suite
	keyAgreementCurve() ecdh.Curve
	epkHeader(pub *ecdh.PublicKey) epk
	parseRecipientPublicKey(raw []byte) (*ecdh.PublicKey, error)
	newAEAD(key []byte) (gocipher.AEAD, error)
	cekBytes() int // content-encryption key length in bytes
}

func suiteFor(s Suite) (suiteImpl, error) {
	switch s {
	case SuiteRecommended, "":
		return recommendedSuite{}, nil
	case SuiteFIPS:
		return fipsSuite{}, nil
	default:
		return nil, edverrors.New(edverrors.KindInvalidArgument, "unknown cipher suite: "+string(s), nil)
	}
}

// recommendedSuite: X25519 + XChaCha20-Poly1305, 256-bit keys, 24-byte nonces.
type recommendedSuite struct{}

func (recommendedSuite) name() Suite                  { return SuiteRecommended }
func (recommendedSuite) keyAgreementCurve() ecdh.Curve { return ecdh.X25519() }
func (recommendedSuite) cekBytes() int                 { return chacha20poly1305.KeySize }

func (recommendedSuite) epkHeader(pub *ecdh.PublicKey) epk {
	return epk{Kty: "OKP", Crv: "X25519", X: encodeB64(pub.Bytes())}
}

func (recommendedSuite) parseRecipientPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(raw)
}

func (recommendedSuite) newAEAD(key []byte) (gocipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

// fipsSuite: P-256 + AES-256-GCM, 256-bit keys, 12-byte nonces.
type fipsSuite struct{}

func (fipsSuite) name() Suite                  { return SuiteFIPS }
func (fipsSuite) keyAgreementCurve() ecdh.Curve { return ecdh.P256() }
func (fipsSuite) cekBytes() int                 { return 32 }

func (fipsSuite) epkHeader(pub *ecdh.PublicKey) epk {
	raw := pub.Bytes() // uncompressed point: 0x04 || X || Y, 32 bytes each for P-256
	coordLen := (len(raw) - 1) / 2
	return epk{
		Kty: "EC",
		Crv: "P-256",
		X:   encodeB64(raw[1 : 1+coordLen]),
		Y:   encodeB64(raw[1+coordLen:]),
	}
}

func (fipsSuite) parseRecipientPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.P256().NewPublicKey(raw)
}

func (fipsSuite) newAEAD(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCM(block)
}

func generateEphemeral(curve ecdh.Curve) (*ecdh.PrivateKey, error) {
	return curve.GenerateKey(rand.Reader)
}
