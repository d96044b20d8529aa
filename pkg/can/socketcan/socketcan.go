package socketcan

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/camino-sys/canmonitor/pkg/can"
)

// SocketCAN transport built on the implementation that can be found
// here : https://github.com/brutella/can
//
// brutella/can delivers frames through a subscription callback, so
// received frames are bridged into a buffered channel that
// Receive(timeout) drains.

func init() {
	can.RegisterTransport("socketcan", NewTransport)
}

const rxQueueSize = 512

type Transport struct {
	logger    *slog.Logger
	mu        sync.Mutex
	bus       *sockcan.Bus
	rx        chan can.Frame
	overflows atomic.Uint64
}

func NewTransport(logger *slog.Logger) can.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger}
}

// Connect binds to the named CAN channel and starts publishing
// received frames into the receive queue.
func (t *Transport) Connect(cfg can.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus != nil {
		return can.ErrAlreadyOpen
	}
	bus, err := sockcan.NewBusForInterfaceWithName(cfg.Channel)
	if err != nil {
		return fmt.Errorf("%w : %s (%v)", can.ErrNotFound, cfg.Channel, err)
	}
	t.bus = bus
	t.rx = make(chan can.Frame, rxQueueSize)
	// brutella/can defines a "Handle" interface for received CAN frames
	bus.Subscribe(t)
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			t.logger.Error("socketcan reception stopped", "err", err)
		}
	}()
	return nil
}

// Handle is the brutella/can delivery path, converts into our frame type.
func (t *Transport) Handle(frame sockcan.Frame) {
	t.mu.Lock()
	rx := t.rx
	t.mu.Unlock()
	if rx == nil {
		// Disconnected while a delivery was in flight.
		return
	}
	converted := can.Frame{
		CobID:     uint16(frame.ID) & can.CanSffMask,
		DLC:       frame.Length,
		Data:      frame.Data,
		Timestamp: time.Now(),
	}
	select {
	case rx <- converted:
	default:
		// Queue full, the oldest data wins. Dropping here keeps the
		// brutella callback from blocking the bus reader.
		t.overflows.Add(1)
	}
}

// Disconnect shuts the bus down and drops any queued frames.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus == nil {
		return nil
	}
	err := t.bus.Disconnect()
	t.bus = nil
	t.rx = nil
	return err
}

// Send publishes a frame on the bus.
func (t *Transport) Send(frame can.Frame) error {
	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return can.ErrNotConnected
	}
	return bus.Publish(sockcan.Frame{
		ID:     uint32(frame.CobID),
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

// Overflows returns how many received frames were dropped because
// the receive queue was full.
func (t *Transport) Overflows() uint64 {
	return t.overflows.Load()
}

// Receive waits up to timeout for the next queued frame.
func (t *Transport) Receive(timeout time.Duration) (*can.Frame, error) {
	t.mu.Lock()
	rx := t.rx
	t.mu.Unlock()
	if rx == nil {
		return nil, can.ErrNotConnected
	}
	select {
	case frame := <-rx:
		return &frame, nil
	case <-time.After(timeout):
		return nil, nil
	}
}
