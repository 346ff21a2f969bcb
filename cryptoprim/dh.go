package cryptoprim

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// DH implements the named group dh-2048-256: the RFC 5114 2048-bit MODP
// group with a 256-bit prime-order subgroup. Spec §4.2 specifies this
// group by name; no ecosystem library ships a classical MODP DH
// implementation (the Go ecosystem standardized on curve25519/ntor years
// ago), so the group arithmetic is done directly on math/big — see
// DESIGN.md.
const (
	dhPHex = "87A8E61DB4B6663CFFBBD19C651959998CEEF608660DD0F25D2CEED4435E3B00" +
		"E00DF8F1D61957D4FAF7DF4561B2AA3016C3D91134096FAA3BF4296D830E9A7C" +
		"209E0C6497517ABD5A8A9D306BCF67ED91F9E6725B4758C022E0B1EF4275BF7B" +
		"6C5BFC11D45F9088B941F54EB1E59BB8BC39A0BF12307F5C4FDB70C581B23F76" +
		"B63ACAE1CAA6B7902D52526735488A0EF13C6D9A51BFA4AB3AD8347796524D8E" +
		"F6A167B5A41825D967E144E51405642" +
		"51CCACB83E6B486F6B3CA3F7971506026C0B857F689962856DED4010ABD0BE6" +
		"21C3A3960A54E710C375F26375D7014103A4B54330C198AF126116D2276E117" +
		"15F693877FAD7EF09CADB094AE91E1A1597"
	dhGHex = "3FB32C9B73134D0B2E77506660EDBD484CA7B18F21EF205407F4793A1A0BA125" +
		"10DBC15077BE463FFF4FED4AAC0BB555BE3A6C1B0C6B47B1BC3773BF7E8C6F62" +
		"901228F8C28CBB18A55AE3134100" +
		"0A650196F931C77A57F2DDF463E5E9EC144B777DE62AAAB8A8628AC376D282D6" +
		"ED3864E67982428EBC831D14348F6F2F9193B5045AF2767164E1DFC967C1FB3" +
		"F2E55A4BD1BFFE83B9C80D052B985D182EA0ADB2A3B7313D3FE14C8484B1E05" +
		"2588B9B7D2BBD2DF016199ECD06E1557CD0915B3353BBB64E0EC377FD028370" +
		"DF92B52C7891428CDC67EB6184B523D1DB246C32F63078490F00EF8D647D148" +
		"D47954515E2327CFEF98C582664B4C0F6CC41659"
)

var dhP, dhG *big.Int

func init() {
	dhP, _ = new(big.Int).SetString(dhPHex, 16)
	dhG, _ = new(big.Int).SetString(dhGHex, 16)
	if dhP == nil || dhG == nil {
		panic("cryptoprim: failed to parse dh-2048-256 group constants")
	}
}

// DHKeyPair is an ephemeral Diffie-Hellman keypair in the dh-2048-256 group.
type DHKeyPair struct {
	Priv *big.Int
	Pub  *big.Int
}

// GenerateDH generates a fresh ephemeral DH keypair.
func GenerateDH() (*DHKeyPair, error) {
	priv, err := rand.Int(rand.Reader, dhP)
	if err != nil {
		return nil, fmt.Errorf("generate DH private value: %w", err)
	}
	pub := new(big.Int).Exp(dhG, priv, dhP)
	return &DHKeyPair{Priv: priv, Pub: pub}, nil
}

// PubBytes returns the public value as a fixed 256-byte big-endian buffer.
func (kp *DHKeyPair) PubBytes() [256]byte {
	var out [256]byte
	b := kp.Pub.Bytes()
	copy(out[256-len(b):], b)
	return out
}

// DHPubFromBytes parses a 256-byte big-endian DH public value.
func DHPubFromBytes(b [256]byte) *big.Int {
	return new(big.Int).SetBytes(b[:])
}

// SharedSecret computes Z = peerPub^priv mod p, the full DH output.
func (kp *DHKeyPair) SharedSecret(peerPub *big.Int) []byte {
	z := new(big.Int).Exp(peerPub, kp.Priv, dhP)
	buf := make([]byte, 256)
	b := z.Bytes()
	copy(buf[256-len(b):], b)
	return buf
}

// HopKey truncates the DH shared secret to the 16-byte AES-128 key used for
// a circuit hop. Spec §4.2: "There is no key derivation function" beyond
// this truncation — preserved here even though it is a known weakness
// (spec §9 caveat b).
func HopKey(z []byte) [16]byte {
	var k [16]byte
	copy(k[:], z[:16])
	return k
}
