package cipher

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
)

// aesKWDefaultIV is the RFC 3394 §2.2.3.1 default initial value.
var aesKWDefaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// aesKWWrap implements RFC 3394 AES key wrap. kek must be a valid AES key
// (16/24/32 bytes); plaintext must be a multiple of 8 bytes and at least 16.
// No ecosystem AES-KW implementation exists in the corpus; this wraps the
// stdlib AES block cipher directly per the RFC's reference algorithm.
func aesKWWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, errors.New("cipher: aes key wrap input must be a multiple of 8 bytes, >= 16")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintext[i*8:(i+1)*8])
	}

	a := aesKWDefaultIV
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)

			var t [8]byte
			binary.BigEndian.PutUint64(t[:], uint64(n*j+i))
			copy(a[:], buf[:8])
			for k := range a {
				a[k] ^= t[k]
			}
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:], r[i][:])
	}
	return out, nil
}

// aesKWUnwrap is the inverse of aesKWWrap.
func aesKWUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, errors.New("cipher: aes key unwrap input must be a multiple of 8 bytes, >= 24")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])

	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			var t [8]byte
			binary.BigEndian.PutUint64(t[:], uint64(n*j+i))
			var aXorT [8]byte
			copy(aXorT[:], a[:])
			for k := range aXorT {
				aXorT[k] ^= t[k]
			}

			copy(buf[:8], aXorT[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)

			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if a != aesKWDefaultIV {
		return nil, errors.New("cipher: aes key unwrap integrity check failed")
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:], r[i][:])
	}
	return out, nil
}
