package usbserial

import (
	"encoding/binary"
	"time"

	"github.com/camino-sys/canmonitor/pkg/can"
)

// Wire format of the USB-serial CAN adapter :
//
//	0xAA | 0xC0|N | ID_LSB | ID_MSB | payload[N] | 0x55
//
// N (0..8) is the payload length, the identifier is 16-bit little
// endian of which only the low 11 bits are valid.
const (
	frameHeader     = 0xAA
	frameTerminator = 0x55
	frameTypeData   = 0xC0
	frameOverhead   = 5 // header + type + id(2) + terminator
)

// Parser extracts frames from a serial byte stream. Partial frames are
// carried over between Feed calls; malformed candidates are dropped a
// single byte at a time so a corrupted header never hides a valid
// frame that follows it.
type Parser struct {
	buf     []byte
	dropped uint64
}

// Feed appends data to the carry-over buffer and returns every
// complete frame found. A truncated frame at the tail is retained
// until more bytes arrive.
func (p *Parser) Feed(data []byte) []can.Frame {
	p.buf = append(p.buf, data...)
	var frames []can.Frame
	i := 0
	for {
		for i < len(p.buf) && p.buf[i] != frameHeader {
			i++
		}
		if len(p.buf)-i < 2 {
			break
		}
		length := int(p.buf[i+1] & 0x0F)
		if length > can.MaxDataLength {
			// Spurious header, resume scanning right after it.
			p.dropped++
			i++
			continue
		}
		if len(p.buf)-i < frameOverhead+length {
			break
		}
		if p.buf[i+4+length] != frameTerminator {
			p.dropped++
			i++
			continue
		}
		frame := can.Frame{
			CobID:     binary.LittleEndian.Uint16(p.buf[i+2:i+4]) & can.CanSffMask,
			DLC:       uint8(length),
			Timestamp: time.Now(),
		}
		copy(frame.Data[:], p.buf[i+4:i+4+length])
		frames = append(frames, frame)
		i += frameOverhead + length
	}
	p.buf = append(p.buf[:0], p.buf[i:]...)
	return frames
}

// Reset discards any partially assembled frame.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Dropped returns the number of resynchronizations performed so far.
func (p *Parser) Dropped() uint64 {
	return p.dropped
}

// Marshal serializes a frame into the adapter wire format.
func Marshal(frame can.Frame) []byte {
	length := frame.DLC
	if length > can.MaxDataLength {
		length = can.MaxDataLength
	}
	out := make([]byte, 0, frameOverhead+int(length))
	out = append(out,
		frameHeader,
		frameTypeData|length,
		byte(frame.CobID),
		byte(frame.CobID>>8),
	)
	out = append(out, frame.Data[:length]...)
	return append(out, frameTerminator)
}
