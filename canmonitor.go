// Package canmonitor observes and interacts with CANopen networks
// over interchangeable transports : a USB-serial CAN adapter with a
// framed byte protocol, Linux socketcan, or a virtual bus for tests.
//
// The top level re-exports the handful of types most applications
// need; the real functionality lives in the sub-packages :
//
//   - pkg/can        transport abstraction and frame type
//   - pkg/canopen    COB-ID classification
//   - pkg/sdo        expedited SDO codec and request tracking
//   - pkg/monitor    connection lifecycle, history and callbacks
package canmonitor

import (
	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
	"github.com/camino-sys/canmonitor/pkg/monitor"
)

type Frame = can.Frame

type Transport = can.Transport

type Message = canopen.Message

type Manager = monitor.Manager

// NewManager is a shorthand for monitor.NewManager. Transport
// backends must be imported for their side effects, e.g.
//
//	import _ "github.com/camino-sys/canmonitor/pkg/can/socketcan"
var NewManager = monitor.NewManager
