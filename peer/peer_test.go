package peer

import (
	"net"
	"testing"
	"time"

	"github.com/veilrelay/veilrelay/events"
)

// netListenAddr opens a loopback listener on an OS-assigned port and
// returns its address, closing the listener immediately — good enough to
// hand a Peer a free port to bind without a race against another test.
func netListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitForPeer(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestPeerSendToDialsAndReusesConnection exercises Peer.SendTo's lazy-dial
// idiom (grounded on the teacher's link.Manager.GetOrDial): a real CREATE
// cell sent across a real loopback socket between two Peer processes, with
// the second send over the same circuit reusing the already-dialed
// connection rather than opening a new one.
func TestPeerSendToDialsAndReusesConnection(t *testing.T) {
	relayAddr := netListenAddr(t)
	opAddr := netListenAddr(t)

	relay := New("relay", relayAddr, "http://unused.invalid", nil, events.NewBus(), nil)
	relayID, err := NewRelayIdentity()
	if err != nil {
		t.Fatalf("NewRelayIdentity: %v", err)
	}
	relay.Identity = relayID
	relay.Dispatcher.RelayKey = relayID.RelayRSAKey
	go relay.ListenAndServe()
	defer relay.Close()

	op := New("op", opAddr, "http://unused.invalid", nil, events.NewBus(), nil)
	go op.ListenAndServe()
	defer op.Close()

	waitForPeer(t, time.Second, func() bool {
		c, err := net.Dial("tcp", relayAddr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	})

	circID, err := op.Dispatcher.OpenCircuit(relayAddr, &relay.Identity.RelayRSAKey.PublicKey)
	if err != nil {
		t.Fatalf("OpenCircuit: %v", err)
	}

	waitForPeer(t, 2*time.Second, func() bool {
		opc, ok := op.Dispatcher.State.OpCircuits.Get(circID)
		return ok && len(opc.HopsSnapshot()) == 1
	})

	op.mu.Lock()
	firstConn, ok := op.conns[relayAddr]
	op.mu.Unlock()
	if !ok {
		t.Fatalf("op has no connection recorded to %s after OpenCircuit", relayAddr)
	}

	const streamID = uint16(1)
	if err := op.Dispatcher.Begin(circID, streamID, "127.0.0.1:1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	op.mu.Lock()
	secondConn := op.conns[relayAddr]
	op.mu.Unlock()
	if secondConn != firstConn {
		t.Fatalf("Peer.SendTo dialed a second connection to %s instead of reusing the first", relayAddr)
	}
}

// TestPeerServiceAddressRequiresUserIdentity checks the guard spec §3's
// "User descriptor address" derivation relies on: no hidden-service
// address exists before StartUser has generated the RSA identity it is
// fingerprinted from.
func TestPeerServiceAddressRequiresUserIdentity(t *testing.T) {
	p := New("nobody", netListenAddr(t), "http://unused.invalid", nil, events.NewBus(), nil)
	if _, err := p.ServiceAddress(); err == nil {
		t.Fatal("expected ServiceAddress to fail before StartUser")
	}
	if err := p.StartUser(); err != nil {
		t.Fatalf("StartUser: %v", err)
	}
	addr, err := p.ServiceAddress()
	if err != nil {
		t.Fatalf("ServiceAddress after StartUser: %v", err)
	}
	var zero [32]byte
	if addr == zero {
		t.Fatal("ServiceAddress returned all-zero fingerprint")
	}
}
