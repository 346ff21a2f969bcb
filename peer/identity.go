// Package peer wires the cell dispatcher, per-socket I/O, directory
// client, and path selection together into one OP/OR process (spec §2/§5),
// and exposes the local control surface a control-API client drives it
// through (SPEC_FULL.md §6.3).
package peer

import (
	"crypto/rsa"
	"fmt"

	"github.com/veilrelay/veilrelay/cryptoprim"
	"github.com/veilrelay/veilrelay/descriptor"
	"golang.org/x/crypto/ed25519"
)

// Identity holds the long-term key material a peer generates for itself
// the first time it takes on a role. There is no certificate authority or
// bootstrap trust anchor (spec §1 Non-goals exclude directory consensus),
// so a relay's Ed25519 signing key travels inside its own
// RelayDescriptor.SigningPubKey rather than being distributed separately —
// see DESIGN.md's "descriptor" section for why this had to be
// self-carried rather than looked up out of band.
type Identity struct {
	// RelayRSAKey unwraps onion skins addressed to this peer acting as a
	// transit relay. Nil until /relay/start.
	RelayRSAKey *rsa.PrivateKey

	// SigningPub/SigningPriv sign this peer's RelayDescriptor. Generated
	// alongside RelayRSAKey so the two are always issued together.
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey

	// UserRSAKey unwraps INTRODUCE2 onion skins addressed to this peer
	// acting as a hidden-service user, and self-signs its UserDescriptor
	// (descriptor.NewUserDescriptor). Nil until /user/start.
	UserRSAKey *rsa.PrivateKey
}

// NewRelayIdentity generates the RSA onion key and Ed25519 identity key a
// relay needs to publish a self-signed RelayDescriptor.
func NewRelayIdentity() (*Identity, error) {
	rsaKey, err := cryptoprim.GenerateRSAKey()
	if err != nil {
		return nil, fmt.Errorf("generate relay RSA key: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate relay signing key: %w", err)
	}
	return &Identity{RelayRSAKey: rsaKey, SigningPub: signPub, SigningPriv: signPriv}, nil
}

// NewUserIdentity generates the RSA key a hidden-service user needs to
// unwrap INTRODUCE2 onion skins and self-sign its UserDescriptor.
func NewUserIdentity() (*rsa.PrivateKey, error) {
	rsaKey, err := cryptoprim.GenerateRSAKey()
	if err != nil {
		return nil, fmt.Errorf("generate user RSA key: %w", err)
	}
	return rsaKey, nil
}

// BuildRelayDescriptor assembles and self-signs this peer's relay
// descriptor for publication.
func (id *Identity) BuildRelayDescriptor(nickname, socket, contact string) (*descriptor.RelayDescriptor, error) {
	if id.RelayRSAKey == nil {
		return nil, fmt.Errorf("peer has no relay identity")
	}
	return descriptor.NewRelayDescriptor(nickname, socket, contact, &id.RelayRSAKey.PublicKey, id.SigningPub, id.SigningPriv)
}
