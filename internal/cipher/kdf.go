package cipher

import (
	"crypto/sha256"
	"encoding/binary"
)

// concatKDF implements the Concat KDF from RFC 7518 §4.6.2 (NIST SP 800-56A
// single-step KDF, round count 1 since keyDataLen<=256 bits fits one
// SHA-256 block): derive keyDataLen bits of key material from the ECDH
// shared secret z, bound to algorithm id and the recipient/producer info
// fields so a key can't be replayed across algorithms or recipients.
func concatKDF(z []byte, algID, apu, apv []byte, keyDataLenBits int) []byte {
	otherInfo := concatKDFOtherInfo(algID, apu, apv, keyDataLenBits)

	hashLen := sha256.Size * 8
	reps := (keyDataLenBits + hashLen - 1) / hashLen

	out := make([]byte, 0, reps*sha256.Size)
	for counter := uint32(1); counter <= uint32(reps); counter++ {
		h := sha256.New()
		var counterBytes [4]byte
		binary.BigEndian.PutUint32(counterBytes[:], counter)
		h.Write(counterBytes[:])
		h.Write(z)
		h.Write(otherInfo)
		out = append(out, h.Sum(nil)...)
	}

	return out[:keyDataLenBits/8]
}

// concatKDFOtherInfo builds the OtherInfo structure from RFC 7518 §4.6.2:
// AlgorithmID || PartyUInfo || PartyVInfo || SuppPubInfo, each length-prefixed
// except SuppPubInfo which here is just the key data length in bits.
func concatKDFOtherInfo(algID, apu, apv []byte, keyDataLenBits int) []byte {
	var out []byte
	out = append(out, lengthPrefixed(algID)...)
	out = append(out, lengthPrefixed(apu)...)
	out = append(out, lengthPrefixed(apv)...)

	var suppPubInfo [4]byte
	binary.BigEndian.PutUint32(suppPubInfo[:], uint32(keyDataLenBits))
	out = append(out, suppPubInfo[:]...)

	return out
}

func lengthPrefixed(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)
	return out
}
