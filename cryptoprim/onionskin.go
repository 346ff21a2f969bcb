package cryptoprim

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// OnionSkin is the 384-byte handshake blob sent in a CREATE/EXTEND cell:
// 128 bytes RSA-PKCS1-wrapped AES-128 key, followed by 256 bytes of
// AES-128-CTR(key) applied to the originator's half-DH public value
// (spec §3/§4.2).
type OnionSkin [384]byte

// BuildOnionSkin wraps a fresh AES key for relayPub and uses it to encrypt
// the originator's DH public value.
func BuildOnionSkin(relayPub *rsa.PublicKey, dhPub [256]byte) (OnionSkin, [16]byte, error) {
	var skin OnionSkin
	var aesKey [16]byte
	if _, err := rand.Read(aesKey[:]); err != nil {
		return skin, aesKey, fmt.Errorf("generate onion skin AES key: %w", err)
	}

	wrapped, err := RSAWrap(relayPub, aesKey)
	if err != nil {
		return skin, aesKey, err
	}
	if len(wrapped) != 128 {
		return skin, aesKey, fmt.Errorf("RSA wrap produced %d bytes, want 128", len(wrapped))
	}
	copy(skin[0:128], wrapped)

	if err := EncryptCTR(aesKey, skin[128:384], dhPub[:]); err != nil {
		return skin, aesKey, fmt.Errorf("encrypt DH public value: %w", err)
	}
	return skin, aesKey, nil
}

// UnwrapOnionSkin reverses BuildOnionSkin using the relay's RSA private key,
// recovering the AES key and the originator's DH public value.
func UnwrapOnionSkin(relayPriv *rsa.PrivateKey, skin OnionSkin) (aesKey [16]byte, dhPub [256]byte, err error) {
	aesKey, err = RSAUnwrap(relayPriv, skin[0:128])
	if err != nil {
		return aesKey, dhPub, err
	}
	if err := DecryptCTR(aesKey, dhPub[:], skin[128:384]); err != nil {
		return aesKey, dhPub, fmt.Errorf("decrypt DH public value: %w", err)
	}
	return aesKey, dhPub, nil
}
