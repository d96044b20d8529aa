// Package heartbeat decodes node guarding heartbeats and tracks the
// liveness of remote nodes.
package heartbeat

import (
	"errors"

	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
	"github.com/camino-sys/canmonitor/pkg/nmt"
	"github.com/camino-sys/canmonitor/pkg/sdo"
)

// ProducerTimeIndex is the object dictionary entry holding the
// heartbeat producer period in milliseconds.
const ProducerTimeIndex uint16 = 0x1017

var ErrNotHeartbeat = errors.New("frame is not a heartbeat")

// Decode extracts the reported NMT state from a heartbeat frame.
// The toggle bit used by legacy node guarding is masked out.
func Decode(frame can.Frame) (uint8, error) {
	if frame.DLC < 1 {
		return nmt.StateUnknown, ErrNotHeartbeat
	}
	if frame.CobID < canopen.CobHeartbeat || frame.CobID > canopen.CobHeartbeat+can.NodeIDMask {
		return nmt.StateUnknown, ErrNotHeartbeat
	}
	return frame.Data[0] & 0x7F, nil
}

// ProducerTransfer builds the expedited write configuring a node's
// heartbeat producer period. A period of 0 disables the producer.
func ProducerTransfer(periodMs uint16) sdo.Transfer {
	return sdo.Transfer{
		Index:    ProducerTimeIndex,
		SubIndex: 0,
		SizeBits: 16,
		Value:    uint32(periodMs),
	}
}
