package cryptoprim

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// RSAKeyBits is the onion-skin key-wrap key size (spec §4.2: RSA-1024).
const RSAKeyBits = 1024

// GenerateRSAKey generates a fresh RSA-1024 keypair for a relay identity.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA-%d key: %w", RSAKeyBits, err)
	}
	return key, nil
}

// RSAWrap encrypts the 16-byte AES key with the relay's RSA public key using
// PKCS#1 v1.5, as specified for the onion skin (spec §4.2).
func RSAWrap(pub *rsa.PublicKey, aesKey [16]byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("RSA wrap AES key: %w", err)
	}
	return ct, nil
}

// RSAUnwrap decrypts an RSA-PKCS1v15-wrapped 16-byte AES key.
func RSAUnwrap(priv *rsa.PrivateKey, ct []byte) ([16]byte, error) {
	var key [16]byte
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
	if err != nil {
		return key, fmt.Errorf("RSA unwrap AES key: %w", err)
	}
	if len(pt) != 16 {
		return key, fmt.Errorf("RSA unwrap AES key: unexpected length %d", len(pt))
	}
	copy(key[:], pt)
	return key, nil
}
