package socketcanraw

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/camino-sys/canmonitor/pkg/can"
	"golang.org/x/sys/unix"
)

// Raw AF_CAN socket transport. Unlike the brutella backend this one is
// pull-based: the kernel socket carries a receive timeout and Receive
// reads directly from it. This expects the CAN channel to be up with
// its bitrate already configured, e.g.
//
//	ip link set can0 up type can bitrate 125000

func init() {
	can.RegisterTransport("socketcan_raw", NewTransport)
}

const (
	socketCANFrameSize = 16
	pollTimeout        = 50 * time.Millisecond
)

type Transport struct {
	logger *slog.Logger
	mu     sync.Mutex
	f      *os.File
	fd     int
}

func NewTransport(logger *slog.Logger) can.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger, fd: -1}
}

// Connect creates the raw CAN socket and binds it to the channel.
func (t *Transport) Connect(cfg can.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f != nil {
		return can.ErrAlreadyOpen
	}
	iface, err := net.InterfaceByName(cfg.Channel)
	if err != nil {
		return fmt.Errorf("%w : %s (%v)", can.ErrNotFound, cfg.Channel, err)
	}
	fd, err := syscall.Socket(syscall.AF_CAN, syscall.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		if err == syscall.EACCES || err == syscall.EPERM {
			return fmt.Errorf("%w : %v", can.ErrPermissionDenied, err)
		}
		return fmt.Errorf("failed to create CAN socket : %w", err)
	}
	tv := syscall.Timeval{Usec: int64(pollTimeout / time.Microsecond)}
	if err := syscall.SetsockoptTimeval(fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv); err != nil {
		syscall.Close(fd)
		return fmt.Errorf("failed to set read timeout : %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		syscall.Close(fd)
		return fmt.Errorf("failed to bind CAN socket : %w", err)
	}
	t.fd = fd
	t.f = os.NewFile(uintptr(fd), fmt.Sprintf("can fd %d", fd))
	t.logger.Info("bound raw CAN socket", "channel", cfg.Channel, "fd", fd)
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	t.fd = -1
	return err
}

// Send writes one 16-byte struct can_frame.
func (t *Transport) Send(frame can.Frame) error {
	t.mu.Lock()
	f := t.f
	t.mu.Unlock()
	if f == nil {
		return can.ErrNotConnected
	}
	raw := make([]byte, socketCANFrameSize)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(frame.CobID))
	raw[4] = frame.DLC
	copy(raw[8:], frame.Data[:])
	n, err := f.Write(raw)
	if err != nil {
		return fmt.Errorf("can write: %w", err)
	}
	if n != socketCANFrameSize {
		return fmt.Errorf("can write: short frame (%d bytes)", n)
	}
	return nil
}

// Receive reads the next frame from the socket, polling the kernel
// receive timeout until the caller's deadline elapses.
func (t *Transport) Receive(timeout time.Duration) (*can.Frame, error) {
	t.mu.Lock()
	f := t.f
	t.mu.Unlock()
	if f == nil {
		return nil, can.ErrNotConnected
	}
	raw := make([]byte, socketCANFrameSize)
	deadline := time.Now().Add(timeout)
	for {
		n, err := f.Read(raw)
		if err != nil {
			if os.IsTimeout(err) {
				if time.Now().After(deadline) {
					return nil, nil
				}
				continue
			}
			return nil, fmt.Errorf("can read: %w", err)
		}
		if n != socketCANFrameSize {
			return nil, fmt.Errorf("can read: short frame (%d bytes)", n)
		}
		frame := &can.Frame{
			CobID:     uint16(binary.LittleEndian.Uint32(raw[0:4])) & can.CanSffMask,
			DLC:       raw[4],
			Timestamp: time.Now(),
		}
		copy(frame.Data[:], raw[8:])
		return frame, nil
	}
}

// SetFilters installs kernel-side CAN identifier filters.
func (t *Transport) SetFilters(filters []unix.CanFilter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return can.ErrNotConnected
	}
	t.logger.Info("setting option 'CAN_RAW_FILTER'", "fd", t.fd, "filters", len(filters))
	return unix.SetsockoptCanRawFilter(t.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}

// SetReceiveOwn enables reception of locally sent frames, useful when
// testing against a loopbacked channel.
func (t *Transport) SetReceiveOwn(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return can.ErrNotConnected
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	return unix.SetsockoptInt(t.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}
