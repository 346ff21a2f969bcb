// Package circuit implements the OP/OR circuit model and layered
// per-hop cryptography described in spec §3/§4.4.
package circuit

import (
	"fmt"
	"sync"

	"github.com/veilrelay/veilrelay/cell"
	"github.com/veilrelay/veilrelay/cryptoprim"
)

// Hop holds the per-hop state an originator keeps for one circuit hop:
// the peer it talks to, and the symmetric key established with it (unset
// until the CREATE/EXTEND handshake to that hop completes).
type Hop struct {
	PeerAddr string
	key      *[16]byte
}

// NewHop creates a hop awaiting its handshake key.
func NewHop(peerAddr string) *Hop {
	return &Hop{PeerAddr: peerAddr}
}

// SetKey installs the hop's symmetric key. Per spec §5 "shared-resource
// policy", keys are immutable once the handshake completes; callers must
// not call SetKey twice for the same hop.
func (h *Hop) SetKey(k [16]byte) {
	h.key = &k
}

// Key returns the hop's symmetric key, or ok=false if the handshake for
// this hop has not completed yet.
func (h *Hop) Key() (k [16]byte, ok bool) {
	if h.key == nil {
		return k, false
	}
	return *h.key, true
}

// OpCircuit is the originator's view of a circuit: an ordered, append-only
// list of hops (spec §3 "OpCircuit").
type OpCircuit struct {
	mu   sync.Mutex
	ID   uint16
	Hops []*Hop
}

// NewOpCircuit creates an empty originating circuit.
func NewOpCircuit(id uint16) *OpCircuit {
	return &OpCircuit{ID: id}
}

// AppendHop appends a hop to the circuit. Per spec §3 invariant, an OP
// circuit's hop list is append-only until the circuit is destroyed.
func (c *OpCircuit) AppendHop(h *Hop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hops = append(c.Hops, h)
}

// HopsSnapshot returns a copy of the current hop list.
func (c *OpCircuit) HopsSnapshot() []*Hop {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Hop, len(c.Hops))
	copy(out, c.Hops)
	return out
}

// LayerEncrypt encrypts an outbound relay payload by applying each hop's
// key in order farthest-to-closest (spec §4.4):
// C := AES_k_n(AES_k_{n-1}(... AES_k_1(P) ...)).
func (c *OpCircuit) LayerEncrypt(payload [cell.PayloadLen]byte) ([cell.PayloadLen]byte, error) {
	hops := c.HopsSnapshot()
	if len(hops) == 0 {
		return payload, fmt.Errorf("circuit %d has no hops", c.ID)
	}
	buf := payload
	for i := len(hops) - 1; i >= 0; i-- {
		k, ok := hops[i].Key()
		if !ok {
			return payload, fmt.Errorf("circuit %d: hop %d has no key yet", c.ID, i)
		}
		if err := cryptoprim.EncryptCTR(k, buf[:], buf[:]); err != nil {
			return payload, err
		}
	}
	return buf, nil
}

// PeelResult is the outcome of peeling all layers of an inbound payload at
// the originator.
type PeelResult struct {
	Relay cell.RelayPayload
}

// PeelAll decrypts an inbound relay payload by applying each hop's key in
// order closest-to-farthest (spec §4.4), and reports the payload as
// recognized once, after peeling all layers, its "recognized" field is
// zero (spec §3 invariant).
func (c *OpCircuit) PeelAll(payload [cell.PayloadLen]byte) (PeelResult, error) {
	hops := c.HopsSnapshot()
	if len(hops) == 0 {
		return PeelResult{}, fmt.Errorf("circuit %d has no hops", c.ID)
	}
	buf := payload
	for _, h := range hops {
		k, ok := h.Key()
		if !ok {
			return PeelResult{}, fmt.Errorf("circuit %d: hop has no key yet", c.ID)
		}
		if err := cryptoprim.DecryptCTR(k, buf[:], buf[:]); err != nil {
			return PeelResult{}, err
		}
	}
	rp := cell.DecodeRelayPayload(buf[:])
	if rp.Recognized != cell.Recognized {
		return PeelResult{}, fmt.Errorf("circuit %d: payload not recognized at originator", c.ID)
	}
	return PeelResult{Relay: rp}, nil
}

// OrCircuit is a transit relay's view of a circuit: exactly one
// predecessor and at most one successor (spec §3 "OrCircuit").
type OrCircuit struct {
	mu          sync.Mutex
	ID          uint16
	Predecessor *Hop // always set; key holds the shared symmetric key to the predecessor
	successor   *Hop // set exactly once, via SetSuccessor
}

// NewOrCircuit creates a transit circuit with its predecessor hop already
// keyed from a completed CREATE handshake.
func NewOrCircuit(id uint16, predecessor *Hop) *OrCircuit {
	return &OrCircuit{ID: id, Predecessor: predecessor}
}

// SetSuccessor records the next hop after a successful EXTEND. It is an
// error to call this more than once for the same circuit (spec §3
// invariant: "the successor is set exactly once per circuit id").
func (c *OrCircuit) SetSuccessor(h *Hop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.successor != nil {
		return fmt.Errorf("circuit %d: successor already set", c.ID)
	}
	c.successor = h
	return nil
}

// Successor returns the successor hop, or nil if unset.
func (c *OrCircuit) Successor() *Hop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successor
}

// DecryptFromPredecessor peels one layer using the predecessor's key
// (forward direction: client→relay).
func (c *OrCircuit) DecryptFromPredecessor(payload [cell.PayloadLen]byte) ([cell.PayloadLen]byte, error) {
	k, ok := c.Predecessor.Key()
	if !ok {
		return payload, fmt.Errorf("circuit %d: predecessor has no key", c.ID)
	}
	out := payload
	if err := cryptoprim.DecryptCTR(k, out[:], out[:]); err != nil {
		return payload, err
	}
	return out, nil
}

// EncryptToPredecessor layers one encryption using the predecessor's key
// (backward direction: relay→client).
func (c *OrCircuit) EncryptToPredecessor(payload [cell.PayloadLen]byte) ([cell.PayloadLen]byte, error) {
	k, ok := c.Predecessor.Key()
	if !ok {
		return payload, fmt.Errorf("circuit %d: predecessor has no key", c.ID)
	}
	out := payload
	if err := cryptoprim.EncryptCTR(k, out[:], out[:]); err != nil {
		return payload, err
	}
	return out, nil
}
