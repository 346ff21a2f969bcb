// Package dispatch implements the event-dispatcher state machine (spec
// §4.5): the single place CREATE/CREATED, EXTEND/EXTENDED, BEGIN/CONNECTED,
// ESTABLISH_INTRO/INTRO_ESTABLISHED, ESTABLISH_REND/REND_ESTABLISHED,
// INTRODUCE1/INTRODUCE2/INTRO_ACK, RENDEZVOUS1/RENDEZVOUS2 and DATA
// transitions happen.
//
// Spec §5 calls for a single dispatcher task draining an event queue so
// that table mutation never races. The teacher's circuit package achieves
// the equivalent guarantee with a plain mutex around each circuit's
// read/write state (circuit.go's rmu/wmu) rather than a channel-based
// queue; Dispatcher follows that idiom — one mutex serializes every
// inbound cell and local command instead of a literal queue, which gives
// the same single-writer discipline without a goroutine pump to manage.
package dispatch

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/veilrelay/veilrelay/cell"
	"github.com/veilrelay/veilrelay/circuit"
	"github.com/veilrelay/veilrelay/cryptoprim"
	"github.com/veilrelay/veilrelay/events"
)

// Sender abstracts connio.Conn just enough for the dispatcher to send a
// cell to a peer address, dialing lazily if not already connected.
type Sender interface {
	// SendTo queues cl for delivery to peerAddr, connecting first if
	// there is no connection to peerAddr yet.
	SendTo(peerAddr string, cl cell.Cell) error
}

// Dispatcher is the core state machine driving one peer process's
// circuits, streams, and hidden-service sessions.
type Dispatcher struct {
	mu sync.Mutex

	State  *State
	Sender Sender
	Bus    *events.Bus
	Logger *slog.Logger

	// RelayKey unwraps onion skins addressed to this peer acting as a
	// transit relay. Nil if this peer does not run a relay.
	RelayKey *rsa.PrivateKey

	// UserKey unwraps INTRODUCE2 onion skins addressed to this peer
	// acting as a hidden-service user. Nil if this peer does not run a
	// hidden service.
	UserKey *rsa.PrivateKey

	// pendingRendezvous queues service-side rendezvous completions
	// recorded by onIntroduce2Locked, awaiting the peer/control layer
	// (which alone knows path selection and the directory) to build the
	// new circuit to the rendezvous point and call
	// CompleteRendezvousAsService.
	pendingRendezvous []PendingServiceRendezvous
}

// PendingServiceRendezvous is the half-completed state of an INTRODUCE2
// the hidden-service peer has unwrapped but not yet answered with a new
// circuit and RENDEZVOUS1 (spec §4.5 "INTRODUCE2"). Key is the end-to-end
// session key already derived from the client's DH half; DH is the
// service's own ephemeral keypair, whose public half goes out in
// RENDEZVOUS1. ServiceAddr is this peer's own hidden-service address (the
// SHA3-256 fingerprint of its UserKey), the same key every UserSession is
// keyed by elsewhere (spec §3 "User session") — recorded here so
// CompleteRendezvousAsService doesn't have to invent a substitute key.
type PendingServiceRendezvous struct {
	RPAddr      string
	Cookie      [20]byte
	Key         [16]byte
	DH          *cryptoprim.DHKeyPair
	ServiceAddr [32]byte
}

// NextPendingRendezvous pops the oldest unanswered INTRODUCE2, or ok=false
// if none are queued.
func (d *Dispatcher) NextPendingRendezvous() (PendingServiceRendezvous, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pendingRendezvous) == 0 {
		return PendingServiceRendezvous{}, false
	}
	p := d.pendingRendezvous[0]
	d.pendingRendezvous = d.pendingRendezvous[1:]
	return p, true
}

// CompleteRendezvousAsService sends RENDEZVOUS1 down the newly built
// circuit newCircID (to the rendezvous point named in p.RPAddr) and
// records the end-to-end session so DATA arriving on newCircID can be
// decrypted with p.Key.
func (d *Dispatcher) CompleteRendezvousAsService(newCircID uint16, p PendingServiceRendezvous) error {
	d.mu.Lock()
	d.State.Users.Set(p.ServiceAddr, &UserSession{ServiceAddr: p.ServiceAddr, Key: p.Key, CircID: newCircID, StreamID: 1})
	d.mu.Unlock()
	return d.SendRendezvous1(newCircID, p.Cookie, p.DH.PubBytes())
}

// New creates a Dispatcher. relayKey/userKey may be nil if this peer does
// not act in that role.
func New(sender Sender, bus *events.Bus, logger *slog.Logger, relayKey, userKey *rsa.PrivateKey) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		State:    NewState(),
		Sender:   sender,
		Bus:      bus,
		Logger:   logger,
		RelayKey: relayKey,
		UserKey:  userKey,
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.Logger.Debug(msg)
	if d.Bus != nil {
		d.Bus.Log(msg)
	}
}

// addrToIP4Port splits a "host:port" peer address into wire-format fields.
func addrToIP4Port(addr string) (ip4 [4]byte, port uint16, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ip4, 0, fmt.Errorf("split %q: %w", addr, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return ip4, 0, fmt.Errorf("address %q is not IPv4", host)
	}
	copy(ip4[:], ip)
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ip4, 0, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return ip4, uint16(p), nil
}

func ip4PortToAddr(ip4 [4]byte, port uint16) string {
	ip := net.IP(ip4[:])
	return ip.String() + ":" + strconv.Itoa(int(port))
}

// newCircID picks a random nonzero circuit id. Spec leaves collision
// resolution unspecified at the originator (only transit relays must
// reject a reused id, per the tie-break policy in §4.5); a 16-bit random
// draw is the teacher's allocateCircID strategy narrowed to uint16.
func newCircID() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.LittleEndian.Uint16(buf[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

// --- Local commands (spec §6 Control API surface) ---

// OpenCircuit allocates a fresh circuit id and sends the initial CREATE
// cell to the first hop, returning the new circuit id. The caller
// supplies the first hop's RSA public key from its directory-fetched
// relay descriptor.
func (d *Dispatcher) OpenCircuit(firstHopAddr string, firstHopPub *rsa.PublicKey) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	circID, err := newCircID()
	if err != nil {
		return 0, err
	}
	if err := d.sendCreateLocked(circID, firstHopAddr, firstHopPub); err != nil {
		return 0, err
	}
	d.State.OpCircuits.Set(circID, circuit.NewOpCircuit(circID))
	return circID, nil
}

// sendCreateLocked builds a fresh onion skin for peerPub and sends it as a
// CREATE cell directly to peerAddr, registering the matching
// Pending.Created expectation with ForExtend false: this circuit's
// originator keeps the DH private half on hand to derive the hop key once
// CREATED comes back (see onExtendRequestLocked for the other case, where
// a transit relay forwards an already-built skin on behalf of an EXTEND
// and never holds a DH keypair of its own for that hop).
func (d *Dispatcher) sendCreateLocked(circID uint16, peerAddr string, peerPub *rsa.PublicKey) error {
	dh, err := cryptoprim.GenerateDH()
	if err != nil {
		return fmt.Errorf("generate DH keypair: %w", err)
	}
	skin, _, err := cryptoprim.BuildOnionSkin(peerPub, dh.PubBytes())
	if err != nil {
		return fmt.Errorf("build onion skin: %w", err)
	}

	d.State.Pending.Set(circID, Pending{Kind: PendingCreated})
	d.State.dhPending.Set(circID, dh)

	cl := cell.NewWithPayload(circID, cell.CmdCreate, skin[:])
	if err := d.Sender.SendTo(peerAddr, cl); err != nil {
		return fmt.Errorf("send CREATE to %s: %w", peerAddr, err)
	}
	return nil
}

// Extend telescopes circID one hop further to nextAddr, whose RSA public
// key is supplied by the caller from its directory-fetched descriptor.
func (d *Dispatcher) Extend(circID uint16, nextAddr string, nextPub *rsa.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		return fmt.Errorf("circuit %d: no such OP circuit", circID)
	}

	dh, err := cryptoprim.GenerateDH()
	if err != nil {
		return fmt.Errorf("generate DH keypair: %w", err)
	}
	skin, _, err := cryptoprim.BuildOnionSkin(nextPub, dh.PubBytes())
	if err != nil {
		return fmt.Errorf("build onion skin: %w", err)
	}
	ip4, port, err := addrToIP4Port(nextAddr)
	if err != nil {
		return err
	}
	data := cell.EncodeExtend(ip4, port, skin)
	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayExtend, Recognized: cell.Recognized, Data: data})

	enc, err := opc.LayerEncrypt([cell.PayloadLen]byte(payload))
	if err != nil {
		return fmt.Errorf("layer-encrypt EXTEND: %w", err)
	}

	d.State.Pending.Set(circID, Pending{Kind: PendingExtended, NextAddr: nextAddr})
	d.State.dhPending.Set(circID, dh)

	firstHop := opc.HopsSnapshot()[0]
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(firstHop.PeerAddr, cl); err != nil {
		return fmt.Errorf("send EXTEND: %w", err)
	}
	return nil
}

// Begin opens a stream to targetAddr through circID.
func (d *Dispatcher) Begin(circID uint16, streamID uint16, targetAddr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		return fmt.Errorf("circuit %d: no such OP circuit", circID)
	}
	ip4, port, err := addrToIP4Port(targetAddr)
	if err != nil {
		return err
	}
	data := cell.EncodeAddrPort(ip4, port)
	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayBegin, Recognized: cell.Recognized, StreamID: streamID, Data: data})
	enc, err := opc.LayerEncrypt([cell.PayloadLen]byte(payload))
	if err != nil {
		return fmt.Errorf("layer-encrypt BEGIN: %w", err)
	}
	d.State.Pending.Set(circID, Pending{Kind: PendingConnected, StreamID: streamID})

	firstHop := opc.HopsSnapshot()[0]
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	return d.Sender.SendTo(firstHop.PeerAddr, cl)
}

// SendData sends application bytes down circID for streamID. If circID
// holds an active rendezvous session for this streamID (set up by
// onRendezvous2Locked or CompleteRendezvousAsService), data is end-to-end
// encrypted with the negotiated session key before the circuit layer is
// applied, mirroring onDataAtOriginatorLocked's matching decrypt on
// receive — a stream that never rendezvoused (an exit-relay stream) gets
// only the circuit layer, same as before.
func (d *Dispatcher) SendData(circID uint16, streamID uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		return fmt.Errorf("circuit %d: no such OP circuit", circID)
	}
	if len(data) > cell.MaxRelayDataLen {
		return fmt.Errorf("data too large: %d > %d", len(data), cell.MaxRelayDataLen)
	}

	out := data
	for _, sess := range d.State.Users.Snapshot() {
		if sess.CircID == circID && sess.StreamID == streamID {
			ct := make([]byte, len(data))
			if err := cryptoprim.EncryptCTR(sess.Key, ct, data); err != nil {
				return fmt.Errorf("end-to-end encrypt DATA: %w", err)
			}
			out = ct
			break
		}
	}

	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayData, Recognized: cell.Recognized, StreamID: streamID, Data: out})
	enc, err := opc.LayerEncrypt([cell.PayloadLen]byte(payload))
	if err != nil {
		return fmt.Errorf("layer-encrypt DATA: %w", err)
	}
	firstHop := opc.HopsSnapshot()[0]
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	return d.Sender.SendTo(firstHop.PeerAddr, cl)
}

// EstablishIntro sends ESTABLISH_INTRO down circID, naming serviceAddr as
// the hidden service this relay is about to act as an introduction point
// for, and arms the PendingIntroEstablished expectation onIntroEstablishedLocked
// waits on.
func (d *Dispatcher) EstablishIntro(circID uint16, serviceAddr [32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State.Pending.Set(circID, Pending{Kind: PendingIntroEstablished, ServiceAddr: serviceAddr})
	return d.sendSimpleRelayLocked(circID, cell.RelayEstablishIntro, cell.EncodeEstablishIntro(serviceAddr))
}

// EstablishRend sends ESTABLISH_REND down circID with the given rendezvous
// cookie. serviceAddr names which hidden service this rendezvous is for —
// the ESTABLISH_REND cell itself carries only the cookie, but the caller
// already knows which service it intends to visit, and onRendPointEstablishedLocked
// needs it to arm the follow-on PendingRendezvous2 expectation once
// REND_ESTABLISHED confirms the rendezvous point is ready.
func (d *Dispatcher) EstablishRend(circID uint16, cookie [20]byte, serviceAddr [32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State.Pending.Set(circID, Pending{Kind: PendingRendPointEstablished, ServiceAddr: serviceAddr})
	return d.sendSimpleRelayLocked(circID, cell.RelayEstablishRend, cell.EncodeEstablishRend(cookie))
}

func (d *Dispatcher) sendSimpleRelayLocked(circID uint16, relayCmd uint8, data []byte) error {
	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		return fmt.Errorf("circuit %d: no such OP circuit", circID)
	}
	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: relayCmd, Recognized: cell.Recognized, Data: data})
	enc, err := opc.LayerEncrypt([cell.PayloadLen]byte(payload))
	if err != nil {
		return err
	}
	firstHop := opc.HopsSnapshot()[0]
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	return d.Sender.SendTo(firstHop.PeerAddr, cl)
}

// SendIntroduce1 sends an INTRODUCE1 down circID (a circuit to the
// service's introduction point), asking it to forward an introduction to
// serviceAddr with rendezvous details (rpAddr, cookie) and an onion skin
// for the service's own RSA key.
func (d *Dispatcher) SendIntroduce1(circID uint16, serviceAddr [32]byte, rpAddr string, cookie [20]byte, servicePub *rsa.PublicKey) (*cryptoprim.DHKeyPair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		return nil, fmt.Errorf("circuit %d: no such OP circuit", circID)
	}
	dh, err := cryptoprim.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("generate DH keypair: %w", err)
	}
	skin, _, err := cryptoprim.BuildOnionSkin(servicePub, dh.PubBytes())
	if err != nil {
		return nil, fmt.Errorf("build onion skin: %w", err)
	}
	rpIP, rpPort, err := addrToIP4Port(rpAddr)
	if err != nil {
		return nil, err
	}
	data := cell.EncodeIntroduce1(cell.Introduce1{ServiceAddr: serviceAddr, RPIP: rpIP, RPPort: rpPort, Cookie: cookie, Skin: skin})
	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayIntroduce1, Recognized: cell.Recognized, Data: data})
	enc, err := opc.LayerEncrypt([cell.PayloadLen]byte(payload))
	if err != nil {
		return nil, err
	}
	d.State.Pending.Set(circID, Pending{Kind: PendingIntroduceAck, RendPoint: rpAddr})

	firstHop := opc.HopsSnapshot()[0]
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(firstHop.PeerAddr, cl); err != nil {
		return nil, err
	}
	// dh matches the skin just sent to the service, but RENDEZVOUS2 arrives
	// on the client's separate rendezvous circuit, not this one — the
	// caller arms it there with ArmRendezvousDH once both circuits are known.
	return dh, nil
}

// ArmRendezvousDH records the DH keypair generated while building an
// INTRODUCE1 skin against the client's rendezvous circuit (a different
// circuit than the one INTRODUCE1 was sent on), so onRendezvous2Locked can
// complete the end-to-end key exchange once RENDEZVOUS2 arrives there.
func (d *Dispatcher) ArmRendezvousDH(rendCircID uint16, dh *cryptoprim.DHKeyPair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State.dhPending.Set(rendCircID, dh)
}

// SendRendezvous1 sends RENDEZVOUS1{cookie, g^y_service} down circID (the
// service's new circuit to the rendezvous point), after the service has
// already derived its half of the end-to-end key.
func (d *Dispatcher) SendRendezvous1(circID uint16, cookie [20]byte, servicePub [256]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendSimpleRelayLocked(circID, cell.RelayRendezvous1, cell.EncodeRendezvous1(cookie, servicePub))
}
