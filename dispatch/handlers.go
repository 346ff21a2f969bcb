package dispatch

import (
	"fmt"
	"io"
	"net"

	"github.com/veilrelay/veilrelay/cell"
	"github.com/veilrelay/veilrelay/circuit"
	"github.com/veilrelay/veilrelay/cryptoprim"
	"github.com/veilrelay/veilrelay/descriptor"
)

// HandleCell is the single entry point for an inbound cell, spec §4.6's
// "enqueues ReceiveCell(peer, cell) onto the dispatcher queue". The
// dispatcher mutex (see package doc) plays the role of that queue.
func (d *Dispatcher) HandleCell(peerAddr string, c cell.Cell) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch c.Command() {
	case cell.CmdCreate:
		d.handleCreateLocked(peerAddr, c)
	case cell.CmdCreated:
		d.handleCreatedLocked(peerAddr, c)
	case cell.CmdRelay:
		d.handleRelayLocked(peerAddr, c)
	case cell.CmdDestroy:
		d.logf("DESTROY received on circuit %d from %s (no teardown handling)", c.CircID(), peerAddr)
	default:
		d.logf("protocol violation: unknown command %d on circuit %d from %s", c.Command(), c.CircID(), peerAddr)
	}
}

func (d *Dispatcher) handleCreateLocked(peerAddr string, c cell.Cell) {
	circID := c.CircID()
	if d.State.OrCircuits.Has(circID) {
		d.logf("protocol violation: duplicate CREATE on circuit %d from %s, dropped", circID, peerAddr)
		return
	}
	if d.RelayKey == nil {
		d.logf("CREATE on circuit %d but this peer runs no relay, dropped", circID)
		return
	}

	var skin cryptoprim.OnionSkin
	copy(skin[:], c.Payload()[:384])

	aesKey, dhPubXBytes, err := cryptoprim.UnwrapOnionSkin(d.RelayKey, skin)
	if err != nil {
		d.logf("crypto failure unwrapping onion skin on circuit %d: %v, dropped", circID, err)
		return
	}
	_ = aesKey // only the DH value matters; the skin's own AES key never leaves unwrap
	dhPubX := cryptoprim.DHPubFromBytes(dhPubXBytes)

	ownDH, err := cryptoprim.GenerateDH()
	if err != nil {
		d.logf("failed to generate DH keypair for circuit %d: %v, dropped", circID, err)
		return
	}
	z := ownDH.SharedSecret(dhPubX)
	k := cryptoprim.HopKey(z)

	predecessor := circuit.NewHop(peerAddr)
	predecessor.SetKey(k)
	d.State.OrCircuits.Set(circID, circuit.NewOrCircuit(circID, predecessor))

	pub := ownDH.PubBytes()
	reply := cell.NewWithPayload(circID, cell.CmdCreated, pub[:])
	if err := d.Sender.SendTo(peerAddr, reply); err != nil {
		d.logf("failed to send CREATED on circuit %d: %v", circID, err)
	}
}

func (d *Dispatcher) handleCreatedLocked(peerAddr string, c cell.Cell) {
	circID := c.CircID()
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingCreated {
		d.logf("CREATED with no pending expectation on circuit %d, dropped", circID)
		return
	}

	var dhPubYBytes [256]byte
	copy(dhPubYBytes[:], c.Payload()[:256])

	if pending.ForExtend {
		orc, ok := d.State.OrCircuits.Get(circID)
		if !ok {
			d.logf("CREATED for EXTEND on circuit %d but no OR circuit recorded, dropped", circID)
			return
		}
		if err := orc.SetSuccessor(circuit.NewHop(peerAddr)); err != nil {
			d.logf("%v, dropped CREATED on circuit %d", err, circID)
			return
		}
		data := cell.EncodeExtended(dhPubYBytes)
		payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayExtended, Recognized: cell.Recognized, Data: data})
		enc, err := orc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
		if err != nil {
			d.logf("failed to wrap EXTENDED on circuit %d: %v", circID, err)
			return
		}
		cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
		if err := d.Sender.SendTo(orc.Predecessor.PeerAddr, cl); err != nil {
			d.logf("failed to send EXTENDED on circuit %d: %v", circID, err)
		}
		d.State.Pending.Delete(circID)
		return
	}

	dh, ok := d.State.dhPending.Get(circID)
	if !ok {
		d.logf("CREATED on circuit %d but no pending DH keypair, dropped", circID)
		return
	}
	d.State.dhPending.Delete(circID)

	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		d.logf("CREATED on circuit %d but no OP circuit recorded, dropped", circID)
		return
	}
	dhPubY := cryptoprim.DHPubFromBytes(dhPubYBytes)
	z := dh.SharedSecret(dhPubY)
	k := cryptoprim.HopKey(z)
	hop := circuit.NewHop(peerAddr)
	hop.SetKey(k)
	opc.AppendHop(hop)
	d.State.Pending.Delete(circID)
	d.logf("circuit %d: hop %s established", circID, peerAddr)
}

func (d *Dispatcher) handleRelayLocked(peerAddr string, c cell.Cell) {
	circID := c.CircID()
	if opc, ok := d.State.OpCircuits.Get(circID); ok {
		d.handleRelayAtOriginatorLocked(opc, c)
		return
	}
	if orc, ok := d.State.OrCircuits.Get(circID); ok {
		d.handleRelayAtTransitLocked(peerAddr, orc, c)
		return
	}
	d.logf("table lookup miss: unknown circuit %d, RELAY cell dropped", circID)
}

func (d *Dispatcher) handleRelayAtOriginatorLocked(opc *circuit.OpCircuit, c cell.Cell) {
	var payload [cell.PayloadLen]byte
	copy(payload[:], c.Payload())
	res, err := opc.PeelAll(payload)
	if err != nil {
		d.logf("circuit %d: %v, dropped", opc.ID, err)
		return
	}
	rp := res.Relay
	circID := opc.ID

	switch rp.Command {
	case cell.RelayExtended:
		d.onExtendedLocked(circID, rp)
	case cell.RelayConnected:
		d.onConnectedLocked(circID, rp)
	case cell.RelayIntroEstablished:
		d.onIntroEstablishedLocked(circID)
	case cell.RelayRendEstablished:
		d.onRendPointEstablishedLocked(circID)
	case cell.RelayIntroduceAck:
		d.onIntroduceAckLocked(circID, rp)
	case cell.RelayIntroduce2:
		d.onIntroduce2Locked(circID, rp)
	case cell.RelayRendezvous2:
		d.onRendezvous2Locked(circID, rp)
	case cell.RelayData:
		d.onDataAtOriginatorLocked(circID, rp)
	default:
		d.logf("circuit %d: unrecognized relay command %d at originator, dropped", circID, rp.Command)
	}
}

func (d *Dispatcher) onExtendedLocked(circID uint16, rp cell.RelayPayload) {
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingExtended {
		d.logf("circuit %d: EXTENDED with no pending expectation, dropped", circID)
		return
	}
	dhPubYBytes, err := cell.DecodeExtended(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed EXTENDED: %v", circID, err)
		return
	}
	dh, ok := d.State.dhPending.Get(circID)
	if !ok {
		d.logf("circuit %d: EXTENDED but no pending DH keypair", circID)
		return
	}
	d.State.dhPending.Delete(circID)
	opc, ok := d.State.OpCircuits.Get(circID)
	if !ok {
		return
	}
	dhPubY := cryptoprim.DHPubFromBytes(dhPubYBytes)
	z := dh.SharedSecret(dhPubY)
	k := cryptoprim.HopKey(z)
	hop := circuit.NewHop(pending.NextAddr)
	hop.SetKey(k)
	opc.AppendHop(hop)
	d.State.Pending.Delete(circID)
	d.logf("circuit %d: extended to %s", circID, pending.NextAddr)
}

func (d *Dispatcher) onConnectedLocked(circID uint16, rp cell.RelayPayload) {
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingConnected {
		d.logf("circuit %d: CONNECTED with no pending expectation, dropped", circID)
		return
	}
	d.State.Pending.Delete(circID)
	if d.Bus != nil {
		d.Bus.Connected()
	}
	d.logf("circuit %d: stream %d connected", circID, pending.StreamID)
}

func (d *Dispatcher) onIntroEstablishedLocked(circID uint16) {
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingIntroEstablished {
		d.logf("circuit %d: INTRO_ESTABLISHED with no pending expectation, dropped", circID)
		return
	}
	d.State.Pending.Delete(circID)
	if d.Bus != nil {
		d.Bus.Initialized(fmt.Sprintf("%x", pending.ServiceAddr))
	}
}

func (d *Dispatcher) onRendPointEstablishedLocked(circID uint16) {
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingRendPointEstablished {
		d.logf("circuit %d: REND_ESTABLISHED with no pending expectation, dropped", circID)
		return
	}
	// The only cell that can legitimately arrive on this circuit from here
	// is RENDEZVOUS2, once the service completes its side of the join —
	// arm that expectation rather than clearing Pending outright.
	d.State.Pending.Set(circID, Pending{Kind: PendingRendezvous2, ServiceAddr: pending.ServiceAddr})
	d.logf("circuit %d: rendezvous point established, awaiting RENDEZVOUS2", circID)
}

func (d *Dispatcher) onIntroduceAckLocked(circID uint16, rp cell.RelayPayload) {
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingIntroduceAck {
		d.logf("circuit %d: INTRO_ACK with no pending expectation, dropped", circID)
		return
	}
	status, err := cell.DecodeIntroduceAck(rp.Data)
	d.State.Pending.Delete(circID)
	if err != nil {
		d.logf("circuit %d: malformed INTRO_ACK: %v", circID, err)
		return
	}
	d.logf("circuit %d: introduction acknowledged, status=%d", circID, status)
}

// onIntroduce2Locked runs at the hidden-service peer, which owns (as an
// OP circuit) the circuit it built to its introduction point. Per spec
// §4.5 it unwraps the skin with the service RSA key, derives the
// end-to-end session key, and opens a new circuit/stream to the
// rendezvous point. Opening the new circuit is left to the caller (the
// peer/control layer, which alone knows path selection and directory
// state); this queues the derived key and rendezvous details as a
// PendingServiceRendezvous (see NextPendingRendezvous) and emits a log
// event. The session itself is recorded by CompleteRendezvousAsService.
func (d *Dispatcher) onIntroduce2Locked(circID uint16, rp cell.RelayPayload) {
	if d.UserKey == nil {
		d.logf("circuit %d: INTRODUCE2 but this peer runs no hidden service, dropped", circID)
		return
	}
	msg, err := cell.DecodeIntroduce2(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed INTRODUCE2: %v", circID, err)
		return
	}
	_, dhPubXBytes, err := cryptoprim.UnwrapOnionSkin(d.UserKey, cryptoprim.OnionSkin(msg.Skin))
	if err != nil {
		d.logf("circuit %d: crypto failure unwrapping INTRODUCE2 skin: %v, dropped", circID, err)
		return
	}
	dh, err := cryptoprim.GenerateDH()
	if err != nil {
		d.logf("circuit %d: failed to generate DH keypair for rendezvous: %v", circID, err)
		return
	}
	z := dh.SharedSecret(cryptoprim.DHPubFromBytes(dhPubXBytes))
	k := cryptoprim.HopKey(z)

	rpAddr := ip4PortToAddr(msg.RPIP, msg.RPPort)
	d.logf("circuit %d: INTRODUCE2 received, rendezvous point %s", circID, rpAddr)
	svcAddr, _, err := descriptor.Fingerprint(&d.UserKey.PublicKey)
	if err != nil {
		d.logf("circuit %d: failed to fingerprint own service address: %v, dropped", circID, err)
		return
	}
	// The session is keyed once the rendezvous circuit/stream exist; the
	// caller supplies those via CompleteRendezvousAsService once it has
	// built the new circuit, and that call sends RENDEZVOUS1.
	d.pendingRendezvous = append(d.pendingRendezvous, PendingServiceRendezvous{
		RPAddr:      rpAddr,
		Cookie:      msg.Cookie,
		Key:         k,
		DH:          dh,
		ServiceAddr: svcAddr,
	})
}

func (d *Dispatcher) onRendezvous2Locked(circID uint16, rp cell.RelayPayload) {
	pending, ok := d.State.Pending.Get(circID)
	if !ok || pending.Kind != PendingRendezvous2 {
		d.logf("circuit %d: RENDEZVOUS2 with no pending expectation, dropped", circID)
		return
	}
	dhPubYBytes, err := cell.DecodeRendezvous2(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed RENDEZVOUS2: %v", circID, err)
		return
	}
	dh, ok := d.State.dhPending.Get(circID)
	if !ok {
		d.logf("circuit %d: RENDEZVOUS2 but no pending DH keypair", circID)
		return
	}
	d.State.dhPending.Delete(circID)
	z := dh.SharedSecret(cryptoprim.DHPubFromBytes(dhPubYBytes))
	k := cryptoprim.HopKey(z)
	d.State.Users.Set(pending.ServiceAddr, &UserSession{ServiceAddr: pending.ServiceAddr, Key: k, CircID: circID, StreamID: 1})
	d.State.Pending.Delete(circID)
	if d.Bus != nil {
		d.Bus.Connected()
	}
	d.logf("circuit %d: rendezvous complete", circID)
}

func (d *Dispatcher) onDataAtOriginatorLocked(circID uint16, rp cell.RelayPayload) {
	for _, sess := range d.State.Users.Snapshot() {
		if sess.CircID == circID && sess.StreamID == rp.StreamID {
			plain := make([]byte, len(rp.Data))
			if err := cryptoprim.DecryptCTR(sess.Key, plain, rp.Data); err != nil {
				d.logf("circuit %d: end-to-end decrypt failed: %v", circID, err)
				return
			}
			if d.Bus != nil {
				d.Bus.ReceiveMessage(string(plain))
			}
			return
		}
	}
	if d.Bus != nil {
		d.Bus.ReceiveMessage(string(rp.Data))
	}
}

func (d *Dispatcher) handleRelayAtTransitLocked(peerAddr string, orc *circuit.OrCircuit, c cell.Cell) {
	circID := orc.ID
	var payload [cell.PayloadLen]byte
	copy(payload[:], c.Payload())

	fromPredecessor := peerAddr == orc.Predecessor.PeerAddr
	var out [cell.PayloadLen]byte
	var err error
	if fromPredecessor {
		out, err = orc.DecryptFromPredecessor(payload)
	} else if succ := orc.Successor(); succ != nil && peerAddr == succ.PeerAddr {
		out, err = orc.EncryptToPredecessor(payload)
	} else {
		d.logf("circuit %d: RELAY cell from unexpected neighbor %s, dropped", circID, peerAddr)
		return
	}
	if err != nil {
		d.logf("circuit %d: crypto failure applying hop transform: %v, dropped", circID, err)
		return
	}

	rp := cell.DecodeRelayPayload(out[:])
	// A rendezvous point is the final hop of both the client's and the
	// service's single circuit to it, so its payload always reads
	// Recognized here — the pairing has to be checked before that gate,
	// not only on cells still carrying further onion layers.
	if rendPeer, ok := d.pairedCircuitPeer(circID, fromPredecessor); ok {
		d.forwardAcrossRendezvousLocked(circID, rendPeer, out)
		return
	}
	if rp.Recognized != cell.Recognized {
		d.forwardLocked(orc, fromPredecessor, out)
		return
	}
	if !fromPredecessor {
		d.logf("circuit %d: terminal relay command %d arrived from successor side, dropped", circID, rp.Command)
		return
	}

	switch rp.Command {
	case cell.RelayExtend:
		d.onExtendRequestLocked(orc, rp)
	case cell.RelayBegin:
		d.onBeginLocked(orc, rp)
	case cell.RelayData:
		d.onDataAtTransitLocked(orc, rp)
	case cell.RelayEstablishIntro:
		d.onEstablishIntroLocked(orc, rp)
	case cell.RelayEstablishRend:
		d.onEstablishRendLocked(orc, rp)
	case cell.RelayIntroduce1:
		d.onIntroduce1Locked(orc, rp)
	case cell.RelayRendezvous1:
		d.onRendezvous1Locked(orc, rp)
	default:
		d.logf("circuit %d: unknown relay command %d after peeling, dropped", circID, rp.Command)
	}
}

// forwardLocked implements the forwarding policy (spec §4.5): re-serialize
// the peeled/layered payload into a new cell with the same circuit id and
// send it unchanged to the OR circuit's other neighbor.
func (d *Dispatcher) forwardLocked(orc *circuit.OrCircuit, fromPredecessor bool, out [cell.PayloadLen]byte) {
	var nextPeer string
	if fromPredecessor {
		succ := orc.Successor()
		if succ == nil {
			d.logf("circuit %d: RELAY cell to forward but no successor set, dropped", orc.ID)
			return
		}
		nextPeer = succ.PeerAddr
	} else {
		nextPeer = orc.Predecessor.PeerAddr
	}
	cl := cell.NewWithPayload(orc.ID, cell.CmdRelay, out[:])
	if err := d.Sender.SendTo(nextPeer, cl); err != nil {
		d.logf("circuit %d: failed to forward RELAY cell: %v", orc.ID, err)
	}
}

// pairedCircuitPeer reports whether circID is one half of a rendezvous
// pairing and, if so, returns the other circuit's OrCircuit.
func (d *Dispatcher) pairedCircuitPeer(circID uint16, fromPredecessor bool) (*circuit.OrCircuit, bool) {
	if !fromPredecessor {
		return nil, false
	}
	other, ok := d.State.rendezvousPairs.Get(circID)
	if !ok {
		return nil, false
	}
	orc, ok := d.State.OrCircuits.Get(other)
	return orc, ok
}

func (d *Dispatcher) forwardAcrossRendezvousLocked(fromCircID uint16, toOrc *circuit.OrCircuit, out [cell.PayloadLen]byte) {
	rp := cell.DecodeRelayPayload(out[:])
	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: rp.Command, Recognized: cell.Recognized, StreamID: rp.StreamID, Data: rp.Data})
	enc, err := toOrc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
	if err != nil {
		d.logf("circuit %d: failed to wrap cell for rendezvous peer circuit %d: %v", fromCircID, toOrc.ID, err)
		return
	}
	cl := cell.NewWithPayload(toOrc.ID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(toOrc.Predecessor.PeerAddr, cl); err != nil {
		d.logf("circuit %d: failed to forward across rendezvous to circuit %d: %v", fromCircID, toOrc.ID, err)
	}
}

func (d *Dispatcher) onExtendRequestLocked(orc *circuit.OrCircuit, rp cell.RelayPayload) {
	circID := orc.ID
	if orc.Successor() != nil {
		d.logf("circuit %d: EXTEND on circuit whose successor is already set, dropped", circID)
		return
	}
	ip4, port, skin, err := cell.DecodeExtend(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed EXTEND: %v", circID, err)
		return
	}
	nextAddr := ip4PortToAddr(ip4, port)

	d.State.Pending.Set(circID, Pending{Kind: PendingCreated, ForExtend: true})
	cl := cell.NewWithPayload(circID, cell.CmdCreate, skin[:])
	if err := d.Sender.SendTo(nextAddr, cl); err != nil {
		d.logf("circuit %d: failed to open connection to %s for EXTEND: %v", circID, nextAddr, err)
	}
}

func (d *Dispatcher) onBeginLocked(orc *circuit.OrCircuit, rp cell.RelayPayload) {
	circID := orc.ID
	ip4, port, err := cell.DecodeAddrPort(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed BEGIN: %v", circID, err)
		return
	}
	targetAddr := ip4PortToAddr(ip4, port)

	nc, err := net.Dial("tcp", targetAddr)
	if err != nil {
		d.logf("circuit %d: BEGIN dial %s failed: %v", circID, targetAddr, err)
		return
	}
	d.State.Streams.Set(rp.StreamID, targetAddr)
	d.State.exitConns.Set(rp.StreamID, nc)

	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayConnected, Recognized: cell.Recognized, StreamID: rp.StreamID, Data: cell.EncodeAddrPort(ip4, port)})
	enc, err := orc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
	if err != nil {
		d.logf("circuit %d: failed to wrap CONNECTED: %v", circID, err)
		return
	}
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(orc.Predecessor.PeerAddr, cl); err != nil {
		d.logf("circuit %d: failed to send CONNECTED: %v", circID, err)
		return
	}

	go d.pumpExitConn(orc, rp.StreamID, nc)
}

// pumpExitConn reads application bytes arriving on an exit
// connection and relays them back up the circuit as RELAY_DATA cells.
// Runs without holding the dispatcher mutex; EncryptToPredecessor only
// reads the predecessor's key, which is fixed once the circuit exists, so
// this can run concurrently with HandleCell.
func (d *Dispatcher) pumpExitConn(orc *circuit.OrCircuit, streamID uint16, nc net.Conn) {
	buf := make([]byte, cell.MaxRelayDataLen)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayData, Recognized: cell.Recognized, StreamID: streamID, Data: buf[:n]})
			enc, encErr := orc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
			if encErr == nil {
				cl := cell.NewWithPayload(orc.ID, cell.CmdRelay, enc[:])
				_ = d.Sender.SendTo(orc.Predecessor.PeerAddr, cl)
			}
		}
		if err != nil {
			if err != io.EOF {
				d.logf("circuit %d: exit connection for stream %d read error: %v", orc.ID, streamID, err)
			}
			return
		}
	}
}

func (d *Dispatcher) onDataAtTransitLocked(orc *circuit.OrCircuit, rp cell.RelayPayload) {
	nc, ok := d.State.exitConns.Get(rp.StreamID)
	if !ok {
		d.logf("circuit %d: table lookup miss: unknown stream %d, DATA dropped", orc.ID, rp.StreamID)
		return
	}
	if _, err := nc.Write(rp.Data); err != nil {
		d.logf("circuit %d: write to exit connection for stream %d failed: %v", orc.ID, rp.StreamID, err)
	}
}

func (d *Dispatcher) onEstablishIntroLocked(orc *circuit.OrCircuit, rp cell.RelayPayload) {
	circID := orc.ID
	serviceAddr, err := cell.DecodeEstablishIntro(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed ESTABLISH_INTRO: %v", circID, err)
		return
	}
	d.State.IntroductionPoints.Set(serviceAddr, circID)

	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayIntroEstablished, Recognized: cell.Recognized})
	enc, err := orc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
	if err != nil {
		d.logf("circuit %d: failed to wrap INTRO_ESTABLISHED: %v", circID, err)
		return
	}
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(orc.Predecessor.PeerAddr, cl); err != nil {
		d.logf("circuit %d: failed to send INTRO_ESTABLISHED: %v", circID, err)
	}
}

func (d *Dispatcher) onEstablishRendLocked(orc *circuit.OrCircuit, rp cell.RelayPayload) {
	circID := orc.ID
	cookie, err := cell.DecodeEstablishRend(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed ESTABLISH_REND: %v", circID, err)
		return
	}
	d.State.Cookies.Set(cookie, circID)

	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayRendEstablished, Recognized: cell.Recognized})
	enc, err := orc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
	if err != nil {
		d.logf("circuit %d: failed to wrap REND_ESTABLISHED: %v", circID, err)
		return
	}
	cl := cell.NewWithPayload(circID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(orc.Predecessor.PeerAddr, cl); err != nil {
		d.logf("circuit %d: failed to send REND_ESTABLISHED: %v", circID, err)
	}
}

func (d *Dispatcher) onIntroduce1Locked(clientOrc *circuit.OrCircuit, rp cell.RelayPayload) {
	circID := clientOrc.ID
	msg, err := cell.DecodeIntroduce1(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed INTRODUCE1: %v", circID, err)
		return
	}
	serviceCircID, ok := d.State.IntroductionPoints.Get(msg.ServiceAddr)
	if !ok {
		d.logf("circuit %d: table lookup miss: unknown introduction point %x, dropped", circID, msg.ServiceAddr)
		return
	}
	serviceOrc, ok := d.State.OrCircuits.Get(serviceCircID)
	if !ok {
		d.logf("circuit %d: introduction point circuit %d gone, dropped", circID, serviceCircID)
		return
	}

	intro2 := cell.EncodeIntroduce2(cell.Introduce2{RPIP: msg.RPIP, RPPort: msg.RPPort, Cookie: msg.Cookie, Skin: msg.Skin})
	fwdPayload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayIntroduce2, Recognized: cell.Recognized, Data: intro2})
	fwdEnc, err := serviceOrc.EncryptToPredecessor([cell.PayloadLen]byte(fwdPayload))
	if err != nil {
		d.logf("circuit %d: failed to wrap INTRODUCE2: %v", circID, err)
		return
	}
	fwdCell := cell.NewWithPayload(serviceCircID, cell.CmdRelay, fwdEnc[:])
	if err := d.Sender.SendTo(serviceOrc.Predecessor.PeerAddr, fwdCell); err != nil {
		d.logf("circuit %d: failed to forward INTRODUCE2 to circuit %d: %v", circID, serviceCircID, err)
	}

	ackPayload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayIntroduceAck, Recognized: cell.Recognized, Data: cell.EncodeIntroduceAck(0)})
	ackEnc, err := clientOrc.EncryptToPredecessor([cell.PayloadLen]byte(ackPayload))
	if err != nil {
		d.logf("circuit %d: failed to wrap INTRO_ACK: %v", circID, err)
		return
	}
	ackCell := cell.NewWithPayload(circID, cell.CmdRelay, ackEnc[:])
	if err := d.Sender.SendTo(clientOrc.Predecessor.PeerAddr, ackCell); err != nil {
		d.logf("circuit %d: failed to send INTRO_ACK: %v", circID, err)
	}
}

func (d *Dispatcher) onRendezvous1Locked(serviceOrc *circuit.OrCircuit, rp cell.RelayPayload) {
	circID := serviceOrc.ID
	cookie, dhPub, err := cell.DecodeRendezvous1(rp.Data)
	if err != nil {
		d.logf("circuit %d: malformed RENDEZVOUS1: %v", circID, err)
		return
	}
	clientCircID, ok := d.State.Cookies.Get(cookie)
	if !ok {
		d.logf("circuit %d: table lookup miss: unknown rendezvous cookie, dropped", circID)
		return
	}
	clientOrc, ok := d.State.OrCircuits.Get(clientCircID)
	if !ok {
		d.logf("circuit %d: client rendezvous circuit %d gone, dropped", circID, clientCircID)
		return
	}

	d.State.rendezvousPairs.Set(circID, clientCircID)
	d.State.rendezvousPairs.Set(clientCircID, circID)

	payload := cell.EncodeRelayPayload(cell.RelayPayload{Command: cell.RelayRendezvous2, Recognized: cell.Recognized, Data: cell.EncodeRendezvous2(dhPub)})
	enc, err := clientOrc.EncryptToPredecessor([cell.PayloadLen]byte(payload))
	if err != nil {
		d.logf("circuit %d: failed to wrap RENDEZVOUS2: %v", circID, err)
		return
	}
	cl := cell.NewWithPayload(clientCircID, cell.CmdRelay, enc[:])
	if err := d.Sender.SendTo(clientOrc.Predecessor.PeerAddr, cl); err != nil {
		d.logf("circuit %d: failed to send RENDEZVOUS2 to circuit %d: %v", circID, clientCircID, err)
	}
}
