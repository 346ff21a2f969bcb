// Package cell implements the fixed-size wire cell exchanged between peers.
package cell

import "encoding/binary"

// Command constants.
const (
	CmdCreate  uint8 = 1
	CmdCreated uint8 = 2
	CmdRelay   uint8 = 3
	CmdDestroy uint8 = 4 // reserved; no teardown handling in this core
)

const (
	// Len is the total on-wire size of a cell.
	Len = 512
	// HeaderLen is circ_id(2,LE) + command(1).
	HeaderLen = 3
	// PayloadLen is the opaque control/relay payload size.
	PayloadLen = Len - HeaderLen // 509
)

// Cell is a fixed 512-byte wire cell: circ_id(2,LE) | command(1) | payload(509).
type Cell [Len]byte

// New builds a cell with a zeroed payload.
func New(circID uint16, cmd uint8) Cell {
	var c Cell
	binary.LittleEndian.PutUint16(c[0:2], circID)
	c[2] = cmd
	return c
}

// NewWithPayload builds a cell, copying payload into the payload area
// (the payload must be at most PayloadLen bytes; the rest stays zero).
func NewWithPayload(circID uint16, cmd uint8, payload []byte) Cell {
	c := New(circID, cmd)
	copy(c[HeaderLen:], payload)
	return c
}

func (c *Cell) CircID() uint16 {
	return binary.LittleEndian.Uint16(c[0:2])
}

func (c *Cell) SetCircID(id uint16) {
	binary.LittleEndian.PutUint16(c[0:2], id)
}

func (c *Cell) Command() uint8 {
	return c[2]
}

// Payload returns the mutable payload area.
func (c *Cell) Payload() []byte {
	return c[HeaderLen:]
}
