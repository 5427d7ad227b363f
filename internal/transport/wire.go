package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Wire layout (little-endian):
//
//	16B id | 1B type | 1B role | 4B sender | 8B key | 4B priority |
//	8B round | 4B cmd | 4B bodyLen | body | 4B payloadLen | payload
const wireHeaderLen = 16 + 1 + 1 + 4 + 8 + 4 + 8 + 4 + 4

// maxWireField bounds body and payload lengths to catch corrupt frames
// before allocating.
const maxWireField = 1 << 30

// AppendWire appends m's wire encoding to buf and returns the extended slice.
func (m *Message) AppendWire(buf []byte) []byte {
	buf = append(buf, m.ID[:]...)
	buf = append(buf, byte(m.Type), m.Role)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Sender))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Key))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Priority))
	buf = binary.LittleEndian.AppendUint64(buf, m.Round)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Cmd))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Body)))
	buf = append(buf, m.Body...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf
}

// DecodeWire decodes one message from buf. The payload slice is copied so
// the caller may reuse buf.
func DecodeWire(buf []byte) (*Message, error) {
	if len(buf) < wireHeaderLen {
		return nil, fmt.Errorf("transport: frame truncated (len %d)", len(buf))
	}
	m := &Message{}
	copy(m.ID[:], buf[:16])
	buf = buf[16:]
	m.Type = MsgType(buf[0])
	m.Role = buf[1]
	buf = buf[2:]
	m.Sender = int32(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	m.Key = int64(binary.LittleEndian.Uint64(buf))
	buf = buf[8:]
	m.Priority = int32(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	m.Round = binary.LittleEndian.Uint64(buf)
	buf = buf[8:]
	m.Cmd = int32(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]

	bodyLen := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if bodyLen > maxWireField || int(bodyLen) > len(buf) {
		return nil, fmt.Errorf("transport: frame body length %d exceeds frame", bodyLen)
	}
	m.Body = string(buf[:bodyLen])
	buf = buf[bodyLen:]

	if len(buf) < 4 {
		return nil, fmt.Errorf("transport: frame truncated before payload length")
	}
	payloadLen := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if payloadLen > maxWireField || int(payloadLen) != len(buf) {
		return nil, fmt.Errorf("transport: frame payload length %d does not match remainder %d", payloadLen, len(buf))
	}
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		copy(m.Payload, buf)
	}
	return m, nil
}

// zeroULID is used to detect messages encoded without an id.
var zeroULID ulid.ULID

// HasID reports whether m carries a correlation id.
func (m *Message) HasID() bool { return m.ID != zeroULID }
