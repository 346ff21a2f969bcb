package dispatch

import (
	"fmt"
	"net"

	"github.com/veilrelay/veilrelay/circuit"
	"github.com/veilrelay/veilrelay/cryptoprim"
	"github.com/veilrelay/veilrelay/table"
)

// UserSession is the end-to-end state a peer keeps for one completed
// rendezvous (on both the client and the hidden-service side), keyed by
// the hidden service's address (spec §3 "User session").
type UserSession struct {
	ServiceAddr [32]byte
	Key         [16]byte // end-to-end AES-128 key negotiated via rendezvous
	CircID      uint16
	StreamID    uint16
}

// State holds every routing table a peer process owns (spec §4.3: "all
// tables are shared between the I/O threads and the event dispatcher ...
// each is independent"). Grounded on the table.Table[K,V] generic map,
// one instance per concern, no cross-table locking.
type State struct {
	OpCircuits *table.Table[uint16, *circuit.OpCircuit]
	OrCircuits *table.Table[uint16, *circuit.OrCircuit]

	// Pending holds the in-flight expectation for a circuit id (spec §3
	// "Pending response").
	Pending *table.Table[uint16, Pending]

	// dhPending holds the ephemeral DH keypair generated for a circuit id
	// while this peer awaits the CREATED/EXTENDED that completes the
	// handshake for that hop. Not part of the spec's named data model —
	// it is bookkeeping this implementation needs between "skin sent"
	// and "reply parsed" that a single-threaded original implementation
	// could keep on the call stack.
	dhPending *table.Table[uint16, *cryptoprim.DHKeyPair]

	// Streams maps stream id to the peer address it proxies to, held at
	// the exit relay and set by BEGIN (spec §3 "Stream"). A rendezvous
	// relay records no stream here; it uses rendezvousPairs instead.
	Streams *table.Table[uint16, string]

	// Cookies maps a 20-byte rendezvous cookie to the circuit id that
	// established it (spec §3 "Cookie").
	Cookies *table.Table[[20]byte, uint16]

	// IntroductionPoints maps a 32-byte service address to the circuit
	// id of the hidden-service circuit that established it at this
	// introduction relay (spec §3 "Introduction point").
	IntroductionPoints *table.Table[[32]byte, uint16]

	// Users maps service address to the negotiated end-to-end session,
	// set by the client on RENDEZVOUS2 and by the hidden-service peer in
	// CompleteRendezvousAsService (spec §3 "User session").
	Users *table.Table[[32]byte, *UserSession]

	// exitConns holds the live outbound TCP connection for a stream id
	// opened by BEGIN at an exit relay; Streams records the address for
	// bookkeeping (spec §3) but proxying the actual bytes needs the
	// live socket, not just its address.
	exitConns *table.Table[uint16, net.Conn]

	// rendezvousPairs links a client circuit id to the service's new
	// circuit id (and back) once RENDEZVOUS1/2 completes, so a rendezvous
	// relay can forward DATA arriving on one side to the other without
	// it being a telescoped successor of that circuit (spec §4.5 "DATA":
	// "the rendezvous relay peels only its circuit-layer ... and forwards
	// on the paired stream/circuit").
	rendezvousPairs *table.Table[uint16, uint16]
}

// OpCircuitView and OrCircuitView are the JSON-serializable shapes GET
// /state reports (SPEC_FULL.md §6.3): enough to see each circuit's hop
// addresses without exposing hop keys.
type OpCircuitView struct {
	ID   uint16   `json:"id"`
	Hops []string `json:"hops"`
}

type OrCircuitView struct {
	ID          uint16 `json:"id"`
	Predecessor string `json:"predecessor"`
	Successor   string `json:"successor,omitempty"`
}

// UserSessionView is the JSON-serializable shape of a negotiated
// end-to-end rendezvous session, keyed by service address in
// StateSnapshot.Users — the session key itself is never exposed.
type UserSessionView struct {
	CircID   uint16 `json:"circ_id"`
	StreamID uint16 `json:"stream_id"`
}

// StateSnapshot is the response body for GET /state: circuits (with
// hops), pending handshakes, user sessions, and streams (spec §6.3).
type StateSnapshot struct {
	OpCircuits []OpCircuitView            `json:"op_circuits"`
	OrCircuits []OrCircuitView            `json:"or_circuits"`
	Pending    map[uint16]PendingKind     `json:"pending"`
	Streams    map[uint16]string          `json:"streams"`
	Users      map[string]UserSessionView `json:"users"`
}

// Snapshot assembles a point-in-time view of every table for the control
// API's GET /state route. Each table's own lock protects its own
// traversal; this is not atomic across tables, matching spec §5's
// "independent tables, no cross-table locking" model.
func (s *State) Snapshot() StateSnapshot {
	out := StateSnapshot{
		Pending: make(map[uint16]PendingKind),
		Streams: make(map[uint16]string),
		Users:   make(map[string]UserSessionView),
	}
	for id, opc := range s.OpCircuits.Snapshot() {
		hops := opc.HopsSnapshot()
		addrs := make([]string, len(hops))
		for i, h := range hops {
			addrs[i] = h.PeerAddr
		}
		out.OpCircuits = append(out.OpCircuits, OpCircuitView{ID: id, Hops: addrs})
	}
	for id, orc := range s.OrCircuits.Snapshot() {
		v := OrCircuitView{ID: id, Predecessor: orc.Predecessor.PeerAddr}
		if succ := orc.Successor(); succ != nil {
			v.Successor = succ.PeerAddr
		}
		out.OrCircuits = append(out.OrCircuits, v)
	}
	for id, p := range s.Pending.Snapshot() {
		out.Pending[id] = p.Kind
	}
	for id, addr := range s.Streams.Snapshot() {
		out.Streams[id] = addr
	}
	for addr, sess := range s.Users.Snapshot() {
		out.Users[fmt.Sprintf("%x", addr)] = UserSessionView{CircID: sess.CircID, StreamID: sess.StreamID}
	}
	return out
}

// NewState creates an empty peer state with every table initialized.
func NewState() *State {
	return &State{
		OpCircuits:         table.New[uint16, *circuit.OpCircuit](),
		OrCircuits:         table.New[uint16, *circuit.OrCircuit](),
		Pending:            table.New[uint16, Pending](),
		dhPending:          table.New[uint16, *cryptoprim.DHKeyPair](),
		Streams:            table.New[uint16, string](),
		Cookies:            table.New[[20]byte, uint16](),
		IntroductionPoints: table.New[[32]byte, uint16](),
		Users:              table.New[[32]byte, *UserSession](),
		exitConns:          table.New[uint16, net.Conn](),
		rendezvousPairs:    table.New[uint16, uint16](),
	}
}
