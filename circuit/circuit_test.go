package circuit

import (
	"testing"

	"github.com/veilrelay/veilrelay/cell"
)

func keyedHop(addr string, b byte) *Hop {
	h := NewHop(addr)
	var k [16]byte
	for i := range k {
		k[i] = b
	}
	h.SetKey(k)
	return h
}

func TestOpCircuitLayerPeelRoundTrip(t *testing.T) {
	c := NewOpCircuit(1)
	c.AppendHop(keyedHop("r1:9001", 1))
	c.AppendHop(keyedHop("r2:9001", 2))
	c.AppendHop(keyedHop("r3:9001", 3))

	rp := cell.RelayPayload{Command: cell.RelayData, Recognized: 0, StreamID: 7, Data: []byte("hello")}
	payload := cell.EncodeRelayPayload(rp)

	layered, err := c.LayerEncrypt(payload)
	if err != nil {
		t.Fatal(err)
	}

	peeled, err := c.PeelAll(layered)
	if err != nil {
		t.Fatal(err)
	}
	if peeled.Relay.Command != rp.Command || peeled.Relay.StreamID != rp.StreamID {
		t.Fatalf("peeled header mismatch: %+v", peeled.Relay)
	}
	if string(peeled.Relay.Data) != "hello" {
		t.Fatalf("peeled data mismatch: %q", peeled.Relay.Data)
	}
}

func TestOrCircuitSuccessorSetOnce(t *testing.T) {
	pred := keyedHop("client:1", 9)
	or := NewOrCircuit(42, pred)
	if or.Successor() != nil {
		t.Fatal("successor should start unset")
	}
	if err := or.SetSuccessor(NewHop("next:9001")); err != nil {
		t.Fatal(err)
	}
	if err := or.SetSuccessor(NewHop("again:9001")); err == nil {
		t.Fatal("expected error setting successor twice")
	}
}

func TestOrCircuitForwardBackwardSymmetry(t *testing.T) {
	pred := keyedHop("client:1", 5)
	or := NewOrCircuit(1, pred)

	rp := cell.RelayPayload{Command: cell.RelayExtend, Recognized: 99, Data: []byte("to-next-hop")}
	payload := cell.EncodeRelayPayload(rp)

	encrypted, err := or.EncryptToPredecessor(payload)
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := or.DecryptFromPredecessor(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if decrypted != payload {
		t.Fatal("encrypt-then-decrypt with the same hop key must be the identity")
	}
}
