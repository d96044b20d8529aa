package can

import (
	"errors"
	"time"
)

const (
	// CanSffMask masks the 11 valid bits of a standard CAN identifier.
	CanSffMask uint16 = 0x7FF
	// NodeIDMask masks the node id bits of a CANopen COB-ID.
	NodeIDMask uint16 = 0x7F
	// MaxDataLength is the payload capacity of a classic CAN frame.
	MaxDataLength = 8
)

// Typed transport errors. Backends wrap the driver error with one of
// these sentinels so callers can match on the failure class.
var (
	ErrNotFound             = errors.New("interface or port not found")
	ErrPermissionDenied     = errors.New("permission denied opening interface")
	ErrAlreadyOpen          = errors.New("interface already open")
	ErrTimeout              = errors.New("operation timed out")
	ErrNotConnected         = errors.New("not connected")
	ErrUnsupportedInterface = errors.New("unsupported interface kind")
)

// A CAN frame restricted to standard (11-bit) identifiers, stamped on
// reception. Immutable once constructed.
type Frame struct {
	CobID     uint16
	DLC       uint8
	Data      [8]byte
	Timestamp time.Time
}

// NewFrame builds a frame from a COB-ID and payload, truncating the
// identifier to 11 bits and the payload to 8 bytes.
func NewFrame(cobID uint16, data []byte) Frame {
	frame := Frame{CobID: cobID & CanSffMask, Timestamp: time.Now()}
	if len(data) > MaxDataLength {
		data = data[:MaxDataLength]
	}
	frame.DLC = uint8(len(data))
	copy(frame.Data[:], data)
	return frame
}

// Payload returns the DLC-bounded slice of the frame data.
func (f *Frame) Payload() []byte {
	if f.DLC > MaxDataLength {
		return f.Data[:]
	}
	return f.Data[:f.DLC]
}

// Config regroups the options of every transport kind. Only the fields
// relevant to the selected kind are consulted, others are ignored.
type Config struct {
	Kind           string
	ComPort        string
	SerialBaudrate int
	Channel        string
	Bitrate        int
	Timeout        time.Duration
}

// DefaultTimeout is applied when a config carries no I/O timeout.
const DefaultTimeout = 100 * time.Millisecond

// IOTimeout returns the configured I/O timeout or the default.
func (c Config) IOTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// A Transport is a physical CAN attachment. Disconnect is idempotent.
// Receive returns (nil, nil) when no frame arrived within the timeout,
// a timeout is not an error. Receive is meant to be driven by a single
// reader goroutine; Send may be called concurrently with Receive.
type Transport interface {
	Connect(cfg Config) error
	Disconnect() error
	Send(frame Frame) error
	Receive(timeout time.Duration) (*Frame, error)
}
