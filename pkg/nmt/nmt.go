// Package nmt provides the network management command set : state
// change requests broadcast or addressed to a single node, and the
// reported slave states.
package nmt

import (
	"errors"
	"fmt"

	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
)

var (
	ErrInvalidCommand = errors.New("invalid NMT command")
	ErrInvalidNodeID  = errors.New("node id must be between 0 and 127")
)

// Available NMT commands.
// They can be broadcasted to all nodes or sent to individual nodes.
type Command uint8

const (
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var commandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

func (c Command) Valid() bool {
	_, ok := commandDescription[c]
	return ok
}

func (c Command) String() string {
	if name, ok := commandDescription[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}

// Possible NMT slave states, as reported in heartbeat payloads.
const (
	StateInitializing   uint8 = 0
	StateStopped        uint8 = 4
	StateOperational    uint8 = 5
	StatePreOperational uint8 = 127
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StateStopped:        "STOPPED",
	StateOperational:    "OPERATIONAL",
	StatePreOperational: "PRE-OPERATIONAL",
	StateUnknown:        "UNKNOWN",
}

// StateName returns the textual form of a reported NMT state.
func StateName(state uint8) string {
	if name, ok := stateMap[state]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", state)
}

// NewCommandFrame builds the 2-byte NMT frame [command, node] sent on
// COB-ID 0x000. Node 0 addresses all nodes.
func NewCommandFrame(command Command, nodeID uint8) (can.Frame, error) {
	if !command.Valid() {
		return can.Frame{}, fmt.Errorf("%w : %d", ErrInvalidCommand, uint8(command))
	}
	if uint16(nodeID) > can.NodeIDMask {
		return can.Frame{}, fmt.Errorf("%w : %d", ErrInvalidNodeID, nodeID)
	}
	return can.NewFrame(canopen.CobNMT, []byte{uint8(command), nodeID}), nil
}
