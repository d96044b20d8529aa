// Package emcy decodes emergency messages produced by nodes when an
// internal error condition appears or clears.
package emcy

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/camino-sys/canmonitor/pkg/can"
)

var ErrInvalidLength = errors.New("emergency frame must carry 8 bytes")

// ErrorCodeReset signals that all previous errors of the node have
// cleared.
const ErrorCodeReset uint16 = 0x0000

// An Emergency is the decoded payload of one EMCY frame : a 16-bit
// error code, the error register mirror of object 0x1001, and five
// manufacturer specific bytes.
type Emergency struct {
	NodeID        uint8
	ErrorCode     uint16
	ErrorRegister uint8
	Manufacturer  [5]byte
}

// errorClasses maps the high byte range of an error code to its
// standard class. Ordered from most to least specific.
var errorClasses = []struct {
	mask, value uint16
	name        string
}{
	{0xFF00, 0x8100, "communication"},
	{0xFF00, 0x8200, "protocol error"},
	{0xF000, 0x1000, "generic"},
	{0xF000, 0x2000, "current"},
	{0xF000, 0x3000, "voltage"},
	{0xF000, 0x4000, "temperature"},
	{0xF000, 0x5000, "device hardware"},
	{0xF000, 0x6000, "device software"},
	{0xF000, 0x7000, "additional modules"},
	{0xF000, 0x9000, "external error"},
	{0xFF00, 0xFF00, "device specific"},
	{0xF000, 0xF000, "additional functions"},
}

// Decode parses one emergency frame. Frames with a DLC other than 8
// are rejected, nodes are required to always send the full payload.
func Decode(frame can.Frame) (Emergency, error) {
	if frame.DLC != can.MaxDataLength {
		return Emergency{}, fmt.Errorf("%w, got %d", ErrInvalidLength, frame.DLC)
	}
	em := Emergency{
		NodeID:        uint8(frame.CobID & can.NodeIDMask),
		ErrorCode:     binary.LittleEndian.Uint16(frame.Data[0:2]),
		ErrorRegister: frame.Data[2],
	}
	copy(em.Manufacturer[:], frame.Data[3:8])
	return em, nil
}

// IsReset reports whether this emergency clears all previous errors.
func (em Emergency) IsReset() bool {
	return em.ErrorCode == ErrorCodeReset && em.ErrorRegister == 0
}

// Description returns the standard class of the error code.
func (em Emergency) Description() string {
	if em.ErrorCode == ErrorCodeReset {
		return "error reset or no error"
	}
	for _, class := range errorClasses {
		if em.ErrorCode&class.mask == class.value {
			return class.name
		}
	}
	return "reserved"
}

func (em Emergency) String() string {
	return fmt.Sprintf("node %d : x%04x (%s), register x%02x",
		em.NodeID, em.ErrorCode, em.Description(), em.ErrorRegister)
}
