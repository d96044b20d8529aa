package usbserial

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camino-sys/canmonitor/pkg/can"
	"go.bug.st/serial"
)

// Transport for USB-serial CAN adapters speaking the 0xAA/0x55 framed
// protocol. Received bytes are run through the Parser, outbound frames
// are serialized with Marshal.

func init() {
	can.RegisterTransport("usb_serial", NewTransport)
}

const defaultBaudrate = 115200

type Transport struct {
	logger  *slog.Logger
	mu      sync.Mutex
	port    serial.Port
	parser  Parser
	pending []can.Frame
	readBuf []byte
}

func NewTransport(logger *slog.Logger) can.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger, readBuf: make([]byte, 256)}
}

// Connect opens the configured serial port.
func (t *Transport) Connect(cfg can.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return can.ErrAlreadyOpen
	}
	baudrate := cfg.SerialBaudrate
	if baudrate == 0 {
		baudrate = defaultBaudrate
	}
	port, err := serial.Open(cfg.ComPort, &serial.Mode{BaudRate: baudrate})
	if err != nil {
		return fmt.Errorf("%w : %s (%v)", classifyOpenError(err), cfg.ComPort, err)
	}
	t.logger.Info("opened serial port", "port", cfg.ComPort, "baudrate", baudrate)
	t.port = port
	t.parser.Reset()
	t.pending = t.pending[:0]
	return nil
}

func classifyOpenError(err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return can.ErrNotFound
		case serial.PermissionDenied:
			return can.ErrPermissionDenied
		case serial.PortBusy:
			return can.ErrAlreadyOpen
		}
	}
	return can.ErrNotFound
}

// Disconnect closes the port and discards any partial frame, so no
// bytes straddle a later reconnection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.parser.Reset()
	t.pending = t.pending[:0]
	return err
}

// Send serializes the frame with the adapter envelope and writes it.
func (t *Transport) Send(frame can.Frame) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return can.ErrNotConnected
	}
	if _, err := port.Write(Marshal(frame)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Receive returns the next decoded frame, or (nil, nil) if none
// completed within the timeout. Meant for a single reader goroutine.
func (t *Transport) Receive(timeout time.Duration) (*can.Frame, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return nil, can.ErrNotConnected
	}
	if frame := t.popPending(); frame != nil {
		return frame, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("serial read timeout: %w", err)
		}
		n, err := port.Read(t.readBuf)
		if err != nil {
			return nil, fmt.Errorf("serial read: %w", err)
		}
		if n == 0 {
			// Port read timeout expired, no frame this cycle.
			return nil, nil
		}
		t.pending = append(t.pending, t.parser.Feed(t.readBuf[:n])...)
		if frame := t.popPending(); frame != nil {
			return frame, nil
		}
	}
}

func (t *Transport) popPending() *can.Frame {
	if len(t.pending) == 0 {
		return nil
	}
	frame := t.pending[0]
	t.pending = t.pending[1:]
	return &frame
}

// Dropped returns the parser resynchronization count.
func (t *Transport) Dropped() uint64 {
	return t.parser.Dropped()
}
