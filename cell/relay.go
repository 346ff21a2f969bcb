package cell

import "encoding/binary"

// Relay command constants carried in a RELAY cell's payload.
const (
	RelayBegin             uint8 = 1
	RelayData              uint8 = 2
	RelayConnected         uint8 = 4
	RelayExtend            uint8 = 6
	RelayExtended          uint8 = 7
	RelayEstablishIntro    uint8 = 32
	RelayEstablishRend     uint8 = 33
	RelayIntroduce1        uint8 = 34
	RelayIntroduce2        uint8 = 35
	RelayRendezvous1       uint8 = 36
	RelayRendezvous2       uint8 = 37
	RelayIntroEstablished  uint8 = 38
	RelayRendEstablished   uint8 = 39
	RelayIntroduceAck      uint8 = 40
)

// Relay payload header offsets, inside the 509-byte cell payload.
const (
	relayCmdOff        = 0 // 1 byte
	relayRecognizedOff = 1 // 2 bytes, LE
	relayStreamIDOff   = 3 // 2 bytes, LE
	relayDigestOff     = 5 // 4 bytes, LE, reserved (unused)
	relayLengthOff     = 9 // 2 bytes, LE
	relayDataOff       = 11
)

// MaxRelayDataLen is the usable data capacity of a single relay payload.
const MaxRelayDataLen = PayloadLen - relayDataOff // 498

// Recognized is the sentinel meaning "this hop is the intended terminator".
const Recognized = 0

// RelayPayload is the decoded view of a RELAY cell's 509-byte payload.
type RelayPayload struct {
	Command    uint8
	Recognized uint16
	StreamID   uint16
	Digest     uint32 // reserved, not validated (spec §9 caveat c)
	Data       []byte
}

// EncodeRelayPayload serializes a RelayPayload into a cell's 509-byte payload
// area. Data beyond MaxRelayDataLen is rejected by the caller before this is
// invoked; here it is simply truncated-safe via copy.
func EncodeRelayPayload(p RelayPayload) [PayloadLen]byte {
	var buf [PayloadLen]byte
	buf[relayCmdOff] = p.Command
	binary.LittleEndian.PutUint16(buf[relayRecognizedOff:], p.Recognized)
	binary.LittleEndian.PutUint16(buf[relayStreamIDOff:], p.StreamID)
	binary.LittleEndian.PutUint32(buf[relayDigestOff:], p.Digest)
	binary.LittleEndian.PutUint16(buf[relayLengthOff:], uint16(len(p.Data)))
	copy(buf[relayDataOff:], p.Data)
	return buf
}

// DecodeRelayPayload parses a 509-byte relay payload.
func DecodeRelayPayload(buf []byte) RelayPayload {
	length := binary.LittleEndian.Uint16(buf[relayLengthOff:])
	if int(length) > MaxRelayDataLen {
		length = MaxRelayDataLen
	}
	data := make([]byte, length)
	copy(data, buf[relayDataOff:relayDataOff+int(length)])
	return RelayPayload{
		Command:    buf[relayCmdOff],
		Recognized: binary.LittleEndian.Uint16(buf[relayRecognizedOff:]),
		StreamID:   binary.LittleEndian.Uint16(buf[relayStreamIDOff:]),
		Digest:     binary.LittleEndian.Uint32(buf[relayDigestOff:]),
		Data:       data,
	}
}

// --- Command-specific data-field layouts (spec §4.1) ---

// EncodeExtend builds the EXTEND data field: ip4(4) | port(2,LE) | onion_skin(384).
func EncodeExtend(ip4 [4]byte, port uint16, skin [384]byte) []byte {
	buf := make([]byte, 4+2+384)
	copy(buf[0:4], ip4[:])
	binary.LittleEndian.PutUint16(buf[4:6], port)
	copy(buf[6:], skin[:])
	return buf
}

// DecodeExtend parses an EXTEND data field.
func DecodeExtend(data []byte) (ip4 [4]byte, port uint16, skin [384]byte, err error) {
	if len(data) < 4+2+384 {
		return ip4, 0, skin, errShort("EXTEND")
	}
	copy(ip4[:], data[0:4])
	port = binary.LittleEndian.Uint16(data[4:6])
	copy(skin[:], data[6:6+384])
	return ip4, port, skin, nil
}

// EncodeExtended builds the EXTENDED data field: dh_pub(256).
func EncodeExtended(dhPub [256]byte) []byte {
	buf := make([]byte, 256)
	copy(buf, dhPub[:])
	return buf
}

func DecodeExtended(data []byte) (dhPub [256]byte, err error) {
	if len(data) < 256 {
		return dhPub, errShort("EXTENDED")
	}
	copy(dhPub[:], data[0:256])
	return dhPub, nil
}

// EncodeAddrPort builds the BEGIN / CONNECTED data field, which share the
// ip4(4)|port(2,LE) layout.
func EncodeAddrPort(ip4 [4]byte, port uint16) []byte {
	buf := make([]byte, 6)
	copy(buf[0:4], ip4[:])
	binary.LittleEndian.PutUint16(buf[4:6], port)
	return buf
}

func DecodeAddrPort(data []byte) (ip4 [4]byte, port uint16, err error) {
	if len(data) < 6 {
		return ip4, 0, errShort("addr/port")
	}
	copy(ip4[:], data[0:4])
	port = binary.LittleEndian.Uint16(data[4:6])
	return ip4, port, nil
}

// EncodeEstablishIntro builds the ESTABLISH_INTRO data field: service_addr(32).
func EncodeEstablishIntro(serviceAddr [32]byte) []byte {
	buf := make([]byte, 32)
	copy(buf, serviceAddr[:])
	return buf
}

func DecodeEstablishIntro(data []byte) (serviceAddr [32]byte, err error) {
	if len(data) < 32 {
		return serviceAddr, errShort("ESTABLISH_INTRO")
	}
	copy(serviceAddr[:], data[0:32])
	return serviceAddr, nil
}

// EncodeEstablishRend builds the ESTABLISH_REND data field: cookie(20).
func EncodeEstablishRend(cookie [20]byte) []byte {
	buf := make([]byte, 20)
	copy(buf, cookie[:])
	return buf
}

func DecodeEstablishRend(data []byte) (cookie [20]byte, err error) {
	if len(data) < 20 {
		return cookie, errShort("ESTABLISH_REND")
	}
	copy(cookie[:], data[0:20])
	return cookie, nil
}

// Introduce1 carries: service_addr(32) | rp_ip(4) | rp_port(2,LE) | cookie(20) | onion_skin(384).
type Introduce1 struct {
	ServiceAddr [32]byte
	RPIP        [4]byte
	RPPort      uint16
	Cookie      [20]byte
	Skin        [384]byte
}

func EncodeIntroduce1(m Introduce1) []byte {
	buf := make([]byte, 32+4+2+20+384)
	i := 0
	copy(buf[i:], m.ServiceAddr[:])
	i += 32
	copy(buf[i:], m.RPIP[:])
	i += 4
	binary.LittleEndian.PutUint16(buf[i:], m.RPPort)
	i += 2
	copy(buf[i:], m.Cookie[:])
	i += 20
	copy(buf[i:], m.Skin[:])
	return buf
}

func DecodeIntroduce1(data []byte) (m Introduce1, err error) {
	const want = 32 + 4 + 2 + 20 + 384
	if len(data) < want {
		return m, errShort("INTRODUCE1")
	}
	i := 0
	copy(m.ServiceAddr[:], data[i:])
	i += 32
	copy(m.RPIP[:], data[i:])
	i += 4
	m.RPPort = binary.LittleEndian.Uint16(data[i:])
	i += 2
	copy(m.Cookie[:], data[i:])
	i += 20
	copy(m.Skin[:], data[i:])
	return m, nil
}

// Introduce2 carries: rp_ip(4) | rp_port(2,LE) | cookie(20) | onion_skin(384).
type Introduce2 struct {
	RPIP   [4]byte
	RPPort uint16
	Cookie [20]byte
	Skin   [384]byte
}

func EncodeIntroduce2(m Introduce2) []byte {
	buf := make([]byte, 4+2+20+384)
	i := 0
	copy(buf[i:], m.RPIP[:])
	i += 4
	binary.LittleEndian.PutUint16(buf[i:], m.RPPort)
	i += 2
	copy(buf[i:], m.Cookie[:])
	i += 20
	copy(buf[i:], m.Skin[:])
	return buf
}

func DecodeIntroduce2(data []byte) (m Introduce2, err error) {
	const want = 4 + 2 + 20 + 384
	if len(data) < want {
		return m, errShort("INTRODUCE2")
	}
	i := 0
	copy(m.RPIP[:], data[i:])
	i += 4
	m.RPPort = binary.LittleEndian.Uint16(data[i:])
	i += 2
	copy(m.Cookie[:], data[i:])
	i += 20
	copy(m.Skin[:], data[i:])
	return m, nil
}

// EncodeRendezvous1 builds the RENDEZVOUS1 data field: cookie(20) | dh_pub(256).
func EncodeRendezvous1(cookie [20]byte, dhPub [256]byte) []byte {
	buf := make([]byte, 20+256)
	copy(buf[0:20], cookie[:])
	copy(buf[20:], dhPub[:])
	return buf
}

func DecodeRendezvous1(data []byte) (cookie [20]byte, dhPub [256]byte, err error) {
	if len(data) < 20+256 {
		return cookie, dhPub, errShort("RENDEZVOUS1")
	}
	copy(cookie[:], data[0:20])
	copy(dhPub[:], data[20:20+256])
	return cookie, dhPub, nil
}

// EncodeRendezvous2 / decode share the EXTENDED layout: dh_pub(256).
func EncodeRendezvous2(dhPub [256]byte) []byte { return EncodeExtended(dhPub) }
func DecodeRendezvous2(data []byte) ([256]byte, error) { return DecodeExtended(data) }

// EncodeIntroduceAck builds the INTRO_ACK data field: status(1).
func EncodeIntroduceAck(status uint8) []byte { return []byte{status} }

func DecodeIntroduceAck(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, errShort("INTRO_ACK")
	}
	return data[0], nil
}

type shortPayloadError string

func (e shortPayloadError) Error() string { return "cell: short " + string(e) + " payload" }

func errShort(what string) error { return shortPayloadError(what) }
