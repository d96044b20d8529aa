package virtual

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/camino-sys/canmonitor/pkg/can"
)

// Virtual CAN transport over TCP, primarily used for testing without
// hardware. It needs a broker server that echoes CAN frames to all
// connected clients.
// More information : https://github.com/windelbouwman/virtualcan

func init() {
	can.RegisterTransport("virtual", NewTransport)
}

// Wire format : 4-byte big endian length prefix, then ID (uint32),
// flags, DLC and the 8 data bytes.
const frameSize = 14

type Transport struct {
	logger     *slog.Logger
	mu         sync.Mutex
	conn       net.Conn
	receiveOwn bool
	loopback   []can.Frame
}

func NewTransport(logger *slog.Logger) can.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger}
}

func serializeFrame(frame can.Frame) []byte {
	out := make([]byte, 4+frameSize)
	// 4-byte length prefix, then ID (big endian), flags, DLC, data
	out[3] = frameSize
	out[6] = byte(frame.CobID >> 8)
	out[7] = byte(frame.CobID)
	out[9] = frame.DLC
	copy(out[10:], frame.Data[:])
	return out
}

func deserializeFrame(raw []byte) (*can.Frame, error) {
	if len(raw) < frameSize {
		return nil, fmt.Errorf("error deserializing : expected %v bytes, got %v", frameSize, len(raw))
	}
	frame := &can.Frame{
		CobID:     (uint16(raw[2])<<8 | uint16(raw[3])) & can.CanSffMask,
		DLC:       raw[5],
		Timestamp: time.Now(),
	}
	copy(frame.Data[:], raw[6:14])
	return frame, nil
}

// Connect dials the broker, e.g. localhost:18888.
func (t *Transport) Connect(cfg can.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return can.ErrAlreadyOpen
	}
	conn, err := net.DialTimeout("tcp", cfg.Channel, cfg.IOTimeout())
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return fmt.Errorf("%w : %s", can.ErrTimeout, cfg.Channel)
		}
		return fmt.Errorf("%w : %s (%v)", can.ErrNotFound, cfg.Channel, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	t.conn = conn
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.loopback = nil
	return err
}

func (t *Transport) Send(frame can.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return can.ErrNotConnected
	}
	if t.receiveOwn {
		t.loopback = append(t.loopback, frame)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := t.conn.Write(serializeFrame(frame)); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return fmt.Errorf("%w : virtual send", can.ErrTimeout)
		}
		return err
	}
	return nil
}

// Receive reads the next broker frame, or a locally looped frame when
// receive-own is enabled.
func (t *Transport) Receive(timeout time.Duration) (*can.Frame, error) {
	t.mu.Lock()
	conn := t.conn
	if len(t.loopback) > 0 {
		frame := t.loopback[0]
		t.loopback = t.loopback[1:]
		t.mu.Unlock()
		return &frame, nil
	}
	t.mu.Unlock()
	if conn == nil {
		return nil, can.ErrNotConnected
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("virtual read: %w", err)
	}
	length := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	raw := make([]byte, length)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(conn, raw); err != nil {
		return nil, fmt.Errorf("virtual read: %w", err)
	}
	return deserializeFrame(raw)
}

// SetReceiveOwn also queues sent frames for local reception.
func (t *Transport) SetReceiveOwn(receiveOwn bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiveOwn = receiveOwn
}
