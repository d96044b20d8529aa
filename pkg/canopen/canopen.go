// Package canopen maps raw CAN frames to their CANopen meaning.
//
// CANopen reserves fixed function-code bands in the upper bits of the
// 11-bit identifier; the low 7 bits carry the node id except for the
// broadcast-only services.
package canopen

import (
	"github.com/camino-sys/canmonitor/pkg/can"
)

// Fixed COB-ID bases per CiA 301.
const (
	CobNMT         uint16 = 0x000
	CobSync        uint16 = 0x080
	CobEmergency   uint16 = 0x080
	CobTime        uint16 = 0x100
	CobPDO1Tx      uint16 = 0x180
	CobPDO1Rx      uint16 = 0x200
	CobPDO2Tx      uint16 = 0x280
	CobPDO2Rx      uint16 = 0x300
	CobPDO3Tx      uint16 = 0x380
	CobPDO3Rx      uint16 = 0x400
	CobPDO4Tx      uint16 = 0x480
	CobPDO4Rx      uint16 = 0x500
	CobSDOResponse uint16 = 0x580
	CobSDORequest  uint16 = 0x600
	CobHeartbeat   uint16 = 0x700
)

// MessageKind is the closed set of CANopen services a COB-ID can
// belong to.
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindNMT
	KindSync
	KindEmergency
	KindTimestamp
	KindPDO1Tx
	KindPDO1Rx
	KindPDO2Tx
	KindPDO2Rx
	KindPDO3Tx
	KindPDO3Rx
	KindPDO4Tx
	KindPDO4Rx
	KindSDORequest
	KindSDOResponse
	KindHeartbeat
)

var kindNames = map[MessageKind]string{
	KindUnknown:     "UNKNOWN",
	KindNMT:         "NMT",
	KindSync:        "SYNC",
	KindEmergency:   "EMERGENCY",
	KindTimestamp:   "TIME",
	KindPDO1Tx:      "TPDO1",
	KindPDO1Rx:      "RPDO1",
	KindPDO2Tx:      "TPDO2",
	KindPDO2Rx:      "RPDO2",
	KindPDO3Tx:      "TPDO3",
	KindPDO3Rx:      "RPDO3",
	KindPDO4Tx:      "TPDO4",
	KindPDO4Rx:      "RPDO4",
	KindSDORequest:  "SDO-REQ",
	KindSDOResponse: "SDO-RESP",
	KindHeartbeat:   "HEARTBEAT",
}

func (k MessageKind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return kindNames[KindUnknown]
	}
	return name
}

// IsPDO reports whether the kind is one of the eight PDO services.
func (k MessageKind) IsPDO() bool {
	return k >= KindPDO1Tx && k <= KindPDO4Rx
}

// PDOIndex returns the PDO number (1..4), or 0 for non-PDO kinds.
func (k MessageKind) PDOIndex() int {
	if !k.IsPDO() {
		return 0
	}
	return int(k-KindPDO1Tx)/2 + 1
}

// PDOTx reports whether the kind is a transmit (device to bus) PDO.
func (k MessageKind) PDOTx() bool {
	return k.IsPDO() && (k-KindPDO1Tx)%2 == 0
}

// A band maps a function-code base to a message kind. Node-bearing
// bands match the COB-ID with the low 7 bits masked off.
type band struct {
	base     uint16
	kind     MessageKind
	withNode bool
}

// Ordered most specific first : exact broadcast identifiers, then
// node-bearing bands. SYNC and EMCY share the 0x080 base and are told
// apart by payload length (SYNC carries none).
var cobBands = []band{
	{CobNMT, KindNMT, false},
	{CobSync, KindSync, false},
	{CobEmergency, KindEmergency, true},
	{CobTime, KindTimestamp, false},
	{CobPDO1Tx, KindPDO1Tx, true},
	{CobPDO1Rx, KindPDO1Rx, true},
	{CobPDO2Tx, KindPDO2Tx, true},
	{CobPDO2Rx, KindPDO2Rx, true},
	{CobPDO3Tx, KindPDO3Tx, true},
	{CobPDO3Rx, KindPDO3Rx, true},
	{CobPDO4Tx, KindPDO4Tx, true},
	{CobPDO4Rx, KindPDO4Rx, true},
	{CobSDOResponse, KindSDOResponse, true},
	{CobSDORequest, KindSDORequest, true},
	{CobHeartbeat, KindHeartbeat, true},
}

// Classify maps a COB-ID to the node id and message kind. It is pure
// and total : every identifier maps to a kind, with KindUnknown as the
// catch-all. The payload length only matters for the shared 0x080
// identifier where an empty payload means SYNC.
func Classify(cobID uint16, dlc uint8) (nodeID uint8, kind MessageKind) {
	cobID &= can.CanSffMask
	for _, b := range cobBands {
		if !b.withNode {
			if cobID != b.base {
				continue
			}
			if b.kind == KindSync && dlc > 0 {
				// Non-empty payload at 0x080 is an emergency frame.
				continue
			}
			return 0, b.kind
		}
		if cobID&^can.NodeIDMask == b.base {
			return uint8(cobID & can.NodeIDMask), b.kind
		}
	}
	return uint8(cobID & can.NodeIDMask), KindUnknown
}

// A Message is a received frame together with its CANopen
// classification.
type Message struct {
	NodeID uint8
	Kind   MessageKind
	Frame  can.Frame
}

// NewMessage classifies a raw frame.
func NewMessage(frame can.Frame) Message {
	nodeID, kind := Classify(frame.CobID, frame.DLC)
	return Message{NodeID: nodeID, Kind: kind, Frame: frame}
}
