// Package monitor ties a transport to the classifier and exposes the
// live view of a CANopen bus : bounded history, per-COB-ID latest
// values and statistics, and ordered message callbacks.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
	"github.com/camino-sys/canmonitor/pkg/nmt"
	"github.com/camino-sys/canmonitor/pkg/sdo"

	"github.com/camino-sys/canmonitor/internal/ring"
)

const (
	DefaultMaxHistory  = 1000
	defaultReadTimeout = 100 * time.Millisecond
)

var ErrInvalidState = errors.New("operation not allowed in current state")

// A Callback receives every classified message, invoked from the
// reader goroutine in registration order, outside the manager lock.
// It must not block.
type Callback func(msg canopen.Message)

type callbackEntry struct {
	id int
	fn Callback
}

// Stats accumulates per-COB-ID traffic counters.
type Stats struct {
	Count    uint64
	LastSeen time.Time
	// Period is the spacing between the two most recent frames,
	// zero until a COB-ID has been seen twice.
	Period time.Duration
}

// Manager owns one transport and one background reader. All methods
// are safe for concurrent use.
type Manager struct {
	logger      *slog.Logger
	maxHistory  int
	readTimeout time.Duration

	mu        sync.Mutex
	state     State
	err       error
	cfg       can.Config
	transport can.Transport
	history   *ring.Buffer
	latest    map[uint16]canopen.Message
	stats     map[uint16]*Stats
	callbacks []callbackEntry
	nextID    int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager resolves the transport for cfg from the registry. The
// transport is created but not connected.
func NewManager(cfg can.Config, maxHistory int, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	transport, err := can.NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:      logger.With("service", "[MONITOR]"),
		maxHistory:  maxHistory,
		readTimeout: cfg.IOTimeout(),
		cfg:         cfg,
		transport:   transport,
		history:     ring.New(maxHistory),
		latest:      make(map[uint16]canopen.Message),
		stats:       make(map[uint16]*Stats),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that moved the manager to StateFailed, nil
// in any other state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Connect opens the underlying transport. Allowed only from
// StateDisconnected; a transport failure lands in StateFailed with
// the cause retrievable through Err.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		defer m.mu.Unlock()
		return fmt.Errorf("%w : connect from %v", ErrInvalidState, m.state)
	}
	m.state = StateConnecting
	transport := m.transport
	cfg := m.cfg
	m.mu.Unlock()

	err := transport.Connect(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateFailed
		m.err = err
		m.logger.Error("connect failed", "interface", cfg.Kind, "error", err)
		return err
	}
	m.state = StateConnected
	m.err = nil
	m.logger.Info("connected", "interface", cfg.Kind)
	return nil
}

// StartMonitoring launches the background reader. Allowed only from
// StateConnected.
func (m *Manager) StartMonitoring() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return fmt.Errorf("%w : start monitoring from %v", ErrInvalidState, m.state)
	}
	m.state = StateMonitoring
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.readLoop(m.stop, m.transport)
	m.logger.Info("monitoring started")
	return nil
}

// StopMonitoring halts the reader and waits for it to exit. After it
// returns no further callback will be invoked. The manager goes back
// to StateConnected unless the reader failed meanwhile.
func (m *Manager) StopMonitoring() error {
	m.mu.Lock()
	if m.state != StateMonitoring {
		defer m.mu.Unlock()
		return fmt.Errorf("%w : stop monitoring from %v", ErrInvalidState, m.state)
	}
	// Take ownership of the stop channel under the lock so a
	// concurrent Disconnect cannot close it a second time.
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateMonitoring {
		m.state = StateConnected
	}
	m.logger.Info("monitoring stopped")
	return nil
}

// Disconnect tears everything down from any state : the reader is
// joined first, then the transport closed. History and statistics
// survive for post-mortem inspection, the failure cause does not.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	transport := m.transport
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()

	var err error
	if transport != nil {
		err = transport.Disconnect()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.err = nil
	m.logger.Info("disconnected")
	return err
}

// SwitchTransport replaces the transport with one resolved from cfg.
// The manager is fully disconnected first and all accumulated
// history, latest values and statistics are cleared.
func (m *Manager) SwitchTransport(cfg can.Config) error {
	if err := m.Disconnect(); err != nil {
		m.logger.Warn("disconnect before switch", "error", err)
	}

	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()

	transport, err := can.NewTransport(cfg, logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.transport = transport
	m.readTimeout = cfg.IOTimeout()
	m.history.Reset()
	m.latest = make(map[uint16]canopen.Message)
	m.stats = make(map[uint16]*Stats)
	m.logger.Info("transport switched", "interface", cfg.Kind)
	return nil
}

// SendFrame puts one raw frame on the bus. Allowed while connected or
// monitoring; a transport error moves the manager to StateFailed.
func (m *Manager) SendFrame(frame can.Frame) error {
	m.mu.Lock()
	if m.state != StateConnected && m.state != StateMonitoring {
		defer m.mu.Unlock()
		return fmt.Errorf("%w : send from %v", ErrInvalidState, m.state)
	}
	transport := m.transport
	m.mu.Unlock()

	if err := transport.Send(frame); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

// SendSDO encodes an expedited transfer and sends it to the node's
// SDO request channel.
func (m *Manager) SendSDO(nodeID uint8, transfer sdo.Transfer) error {
	if nodeID == 0 || uint16(nodeID) > can.NodeIDMask {
		return fmt.Errorf("%w : %d", nmt.ErrInvalidNodeID, nodeID)
	}
	payload, err := sdo.Encode(transfer)
	if err != nil {
		return err
	}
	frame := can.NewFrame(canopen.CobSDORequest+uint16(nodeID), payload[:])
	return m.SendFrame(frame)
}

// SendNMT broadcasts or addresses an NMT state change command.
func (m *Manager) SendNMT(command nmt.Command, nodeID uint8) error {
	frame, err := nmt.NewCommandFrame(command, nodeID)
	if err != nil {
		return err
	}
	return m.SendFrame(frame)
}

// AddCallback registers fn and returns an id for RemoveCallback.
// Callbacks run in registration order.
func (m *Manager) AddCallback(fn Callback) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.callbacks = append(m.callbacks, callbackEntry{id: id, fn: fn})
	return id
}

// RemoveCallback unregisters a callback. Unknown ids are ignored.
func (m *Manager) RemoveCallback(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.callbacks {
		if entry.id == id {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// History returns the retained messages, oldest first.
func (m *Manager) History() []canopen.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Snapshot()
}

// ResetHistory clears the history, latest values and statistics.
func (m *Manager) ResetHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.Reset()
	m.latest = make(map[uint16]canopen.Message)
	m.stats = make(map[uint16]*Stats)
}

// LatestMessages returns a copy of the newest message per COB-ID.
func (m *Manager) LatestMessages() map[uint16]canopen.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint16]canopen.Message, len(m.latest))
	for id, msg := range m.latest {
		out[id] = msg
	}
	return out
}

// A TrafficEntry pairs a COB-ID with its accumulated counters.
type TrafficEntry struct {
	CobID uint16
	Stats Stats
}

// Statistics returns a copy of the per-COB-ID counters, ordered by
// COB-ID for stable display.
func (m *Manager) Statistics() []TrafficEntry {
	m.mu.Lock()
	out := make([]TrafficEntry, 0, len(m.stats))
	for id, s := range m.stats {
		out = append(out, TrafficEntry{CobID: id, Stats: *s})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CobID < out[j].CobID })
	return out
}

// fail records the first transport error and parks the manager in
// StateFailed. Further errors keep the original cause.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return
	}
	m.state = StateFailed
	m.err = err
	m.logger.Error("transport failure", "error", err)
}

func (m *Manager) readLoop(stop chan struct{}, transport can.Transport) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		frame, err := transport.Receive(m.readTimeout)
		if err != nil {
			m.fail(err)
			return
		}
		if frame == nil {
			continue
		}
		m.dispatch(canopen.NewMessage(*frame))
	}
}

// dispatch updates history, latest and statistics under the lock,
// then invokes callbacks outside it with a snapshot of the ordered
// callback list.
func (m *Manager) dispatch(msg canopen.Message) {
	m.mu.Lock()
	m.history.Push(msg)
	m.latest[msg.Frame.CobID] = msg

	s, ok := m.stats[msg.Frame.CobID]
	if !ok {
		s = &Stats{}
		m.stats[msg.Frame.CobID] = s
	}
	if s.Count > 0 && !s.LastSeen.IsZero() {
		s.Period = msg.Frame.Timestamp.Sub(s.LastSeen)
	}
	s.Count++
	s.LastSeen = msg.Frame.Timestamp

	callbacks := make([]callbackEntry, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, entry := range callbacks {
		entry.fn(msg)
	}
}
