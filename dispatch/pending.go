package dispatch

// PendingKind identifies which multi-step action a circuit id is
// currently waiting on (spec §3 "Pending response").
type PendingKind int

const (
	PendingCreated PendingKind = iota
	PendingExtended
	PendingConnected
	PendingIntroEstablished
	PendingRendPointEstablished
	PendingIntroduceAck
	PendingRendezvous2
)

// Pending is the expectation attached to a circuit id while a multi-step
// action is in flight. Only the fields relevant to Kind are populated;
// see spec §3's Pending response variants.
type Pending struct {
	Kind PendingKind

	// Created: set when this CREATE was issued on behalf of an EXTEND
	// forwarded from a predecessor, so the eventual CREATED must be
	// wrapped into EXTENDED and sent back rather than consumed locally.
	ForExtend bool

	NextAddr    string // Extended: next_hop_address
	StreamID    uint16 // Connected: stream_id
	LastHop     string // IntroEstablished / RendPointEstablished: last_hop peer address
	ServiceAddr [32]byte // IntroEstablished / RendPointEstablished / Rendezvous2: service_address
	RendPoint   string // IntroduceAck: rend_point peer address
}
