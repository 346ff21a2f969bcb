package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// NewCTRStream returns an AES-128-CTR keystream with a zero IV.
//
// Spec §4.2/§9 caveat (a): a zero IV with key reuse across cells on a hop
// leaks the XOR of plaintexts encrypted under the same key — a known
// cryptographic weakness of the protocol this engine is wire-compatible
// with. It is preserved here rather than "fixed", because fixing it would
// break interoperability with the rest of the protocol as specified.
func NewCTRStream(key [16]byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("AES-128 cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, zeroIV), nil
}

// EncryptCTR XOR-encrypts src in place under key with a zero IV.
func EncryptCTR(key [16]byte, dst, src []byte) error {
	s, err := NewCTRStream(key)
	if err != nil {
		return err
	}
	s.XORKeyStream(dst, src)
	return nil
}

// DecryptCTR is the same transform as EncryptCTR (AES-CTR is symmetric).
func DecryptCTR(key [16]byte, dst, src []byte) error {
	return EncryptCTR(key, dst, src)
}
