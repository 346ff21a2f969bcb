package cell

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFixedCellRoundTrip(t *testing.T) {
	c := New(0x1234, CmdCreate)
	c.Payload()[0] = 0xAB
	if len(c) != Len {
		t.Fatalf("expected %d bytes, got %d", Len, len(c))
	}
	if c.CircID() != 0x1234 {
		t.Fatal("circID mismatch")
	}
	if c.Command() != CmdCreate {
		t.Fatal("command mismatch")
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteCell(c); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != Len {
		t.Fatalf("serialized length: got %d, want %d", buf.Len(), Len)
	}
	r := NewReader(bufio.NewReader(&buf))
	got, err := r.ReadCell()
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Fatal("round-trip mismatch")
	}
}

func TestRelayPayloadRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, MaxRelayDataLen)
	p := RelayPayload{
		Command:    RelayData,
		Recognized: 0,
		StreamID:   7,
		Data:       data,
	}
	buf := EncodeRelayPayload(p)
	got := DecodeRelayPayload(buf[:])
	if got.Command != p.Command || got.Recognized != p.Recognized || got.StreamID != p.StreamID {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatal("data mismatch at max capacity")
	}
}

func TestRecognizedSentinel(t *testing.T) {
	p := RelayPayload{Command: RelayBegin, Recognized: 0}
	buf := EncodeRelayPayload(p)
	if DecodeRelayPayload(buf[:]).Recognized != Recognized {
		t.Fatal("expected recognized sentinel 0")
	}
	p2 := RelayPayload{Command: RelayBegin, Recognized: 42}
	buf2 := EncodeRelayPayload(p2)
	if DecodeRelayPayload(buf2[:]).Recognized == 0 {
		t.Fatal("expected nonzero recognized to round-trip as nonzero")
	}
}

func TestExtendRoundTrip(t *testing.T) {
	var skin [384]byte
	for i := range skin {
		skin[i] = byte(i)
	}
	ip := [4]byte{127, 0, 0, 1}
	data := EncodeExtend(ip, 9001, skin)
	gotIP, gotPort, gotSkin, err := DecodeExtend(data)
	if err != nil {
		t.Fatal(err)
	}
	if gotIP != ip || gotPort != 9001 || gotSkin != skin {
		t.Fatal("EXTEND round-trip mismatch")
	}
}

func TestIntroduce1RoundTrip(t *testing.T) {
	m := Introduce1{
		RPIP:   [4]byte{10, 0, 0, 1},
		RPPort: 443,
	}
	data := EncodeIntroduce1(m)
	got, err := DecodeIntroduce1(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatal("INTRODUCE1 round-trip mismatch")
	}
}
