// Package descriptor defines the relay and hidden-service user descriptors
// published to and fetched from the directory (spec §3/§4.7), with
// signing/verification (Ed25519 for relay descriptors, RSA for user
// descriptors) and SHA3-256 fingerprinting layered on top
// (SPEC_FULL.md §4.2 — the directory has no way to tell a genuine
// descriptor from a forged one otherwise).
package descriptor

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// RelayDescriptor is the advertisement a relay publishes to the directory
// (spec §3 "Relay descriptor"). SigningPubKey is the relay's own Ed25519
// identity public key, carried in the descriptor itself rather than
// distributed out of band: a fresh relay has no prior relationship with
// anyone who would otherwise hold that key, so — as in Tor's own relay
// descriptors — the descriptor is self-signed and Verify checks the
// signature against its own embedded key, the same pattern UserDescriptor
// uses for its RSA self-signature below.
type RelayDescriptor struct {
	Nickname      string   `json:"nickname"`
	RSAPublicDER  []byte   `json:"rsa_public_der"`
	Socket        string   `json:"socket"` // host:port
	Contact       string   `json:"contact"`
	Fingerprint   [32]byte `json:"fingerprint"` // SHA3-256(rsa_public_der)
	SigningPubKey []byte   `json:"signing_pub_key"` // Ed25519 identity key
	Signature     []byte   `json:"signature"`       // Ed25519 over the canonical encoding
}

// UserDescriptor is the hidden-service advertisement a user (service)
// publishes to the directory (spec §3 "User descriptor"). PublicKeyDER is
// the service's long-term RSA public key: the same key clients wrap
// INTRODUCE1 onion skins to (spec §4.5 "INTRODUCE1/INTRODUCE2/INTRO_ACK"),
// so the descriptor is self-signed with it rather than carrying a
// separate identity key.
type UserDescriptor struct {
	Address            [32]byte `json:"address"`
	PublicKeyDER       []byte   `json:"public_key_der"`
	IntroductionPoints []string `json:"introduction_points"` // peer addresses, host:port
	Signature          []byte   `json:"signature"`
}

// Fingerprint computes the SHA3-256 fingerprint of an RSA public key's DER
// encoding, used both as the relay's advertised fingerprint and as a
// hidden service's 32-byte address.
func Fingerprint(pub *rsa.PublicKey) ([32]byte, []byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("marshal RSA public key: %w", err)
	}
	return sha3.Sum256(der), der, nil
}

// NewRelayDescriptor builds and self-signs a relay descriptor with the
// relay's own Ed25519 identity key (signKey/signPub must be the two
// halves of the same keypair — see peer.Identity).
func NewRelayDescriptor(nickname, socket, contact string, relayRSAPub *rsa.PublicKey, signPub ed25519.PublicKey, signKey ed25519.PrivateKey) (*RelayDescriptor, error) {
	fp, der, err := Fingerprint(relayRSAPub)
	if err != nil {
		return nil, err
	}
	d := &RelayDescriptor{
		Nickname:      nickname,
		RSAPublicDER:  der,
		Socket:        socket,
		Contact:       contact,
		Fingerprint:   fp,
		SigningPubKey: append([]byte(nil), signPub...),
	}
	d.Signature = ed25519.Sign(signKey, d.signingBytes())
	return d, nil
}

// Verify checks the descriptor's Ed25519 signature against its own
// embedded signing public key.
func (d *RelayDescriptor) Verify() bool {
	if len(d.SigningPubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(d.SigningPubKey), d.signingBytes(), d.Signature)
}

func (d *RelayDescriptor) signingBytes() []byte {
	buf := []byte(d.Nickname)
	buf = append(buf, d.RSAPublicDER...)
	buf = append(buf, []byte(d.Socket)...)
	buf = append(buf, []byte(d.Contact)...)
	buf = append(buf, d.Fingerprint[:]...)
	buf = append(buf, d.SigningPubKey...)
	return buf
}

// NewUserDescriptor builds and self-signs a hidden-service user
// descriptor with the service's own RSA key (PKCS1v15 over SHA-256),
// proving possession of the private key that clients will later wrap
// INTRODUCE1 onion skins to.
func NewUserDescriptor(address [32]byte, servicePub *rsa.PublicKey, introPoints []string, serviceKey *rsa.PrivateKey) (*UserDescriptor, error) {
	der, err := x509.MarshalPKIXPublicKey(servicePub)
	if err != nil {
		return nil, fmt.Errorf("marshal service RSA public key: %w", err)
	}
	d := &UserDescriptor{
		Address:            address,
		PublicKeyDER:       der,
		IntroductionPoints: append([]string(nil), introPoints...),
	}
	digest := sha256.Sum256(d.signingBytes())
	sig, err := rsa.SignPKCS1v15(rand.Reader, serviceKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign user descriptor: %w", err)
	}
	d.Signature = sig
	return d, nil
}

// Verify checks the user descriptor's self-signature against its own
// embedded RSA public key.
func (d *UserDescriptor) Verify() bool {
	pub, err := x509.ParsePKIXPublicKey(d.PublicKeyDER)
	if err != nil {
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	digest := sha256.Sum256(d.signingBytes())
	return rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], d.Signature) == nil
}

func (d *UserDescriptor) signingBytes() []byte {
	buf := append([]byte(nil), d.Address[:]...)
	buf = append(buf, d.PublicKeyDER...)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(d.IntroductionPoints)))
	buf = append(buf, n[:]...)
	for _, ip := range d.IntroductionPoints {
		buf = append(buf, []byte(ip)...)
		buf = append(buf, 0)
	}
	return buf
}
