package mesh

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	magicByte          = 0x47
	typePayload   byte = 0x01
	typeHeartbeat byte = 0x02
)

var (
	errInvalidMagic = errors.New("mesh: invalid magic byte")
	errShortBuffer  = errors.New("mesh: buffer too short")
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 2048)
	},
}

// packet is the datagram layout: magic, type, 16-byte node id, then a
// length-prefixed channel name and a length-prefixed payload.
type packet struct {
	Magic   byte
	Type    byte
	NodeID  [16]byte
	Channel []byte
	Payload []byte
}

func (p *packet) marshal(b []byte) (int, error) {
	need := 18 + 2 + len(p.Channel) + 2 + len(p.Payload)
	if len(b) < need {
		return 0, errShortBuffer
	}
	b[0] = p.Magic
	b[1] = p.Type
	copy(b[2:18], p.NodeID[:])
	binary.BigEndian.PutUint16(b[18:20], uint16(len(p.Channel)))
	curr := 20 + copy(b[20:], p.Channel)
	binary.BigEndian.PutUint16(b[curr:curr+2], uint16(len(p.Payload)))
	curr += 2
	curr += copy(b[curr:], p.Payload)
	return curr, nil
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) < 20 {
		return errShortBuffer
	}
	p.Magic = b[0]
	if p.Magic != magicByte {
		return errInvalidMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:18])

	chanLen := int(binary.BigEndian.Uint16(b[18:20]))
	if len(b) < 20+chanLen+2 {
		return errShortBuffer
	}
	p.Channel = make([]byte, chanLen)
	copy(p.Channel, b[20:20+chanLen])

	curr := 20 + chanLen
	payloadLen := int(binary.BigEndian.Uint16(b[curr : curr+2]))
	curr += 2
	if len(b) < curr+payloadLen {
		return errShortBuffer
	}
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, b[curr:curr+payloadLen])
	return nil
}
