package monitor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
	"github.com/camino-sys/canmonitor/pkg/nmt"
	"github.com/camino-sys/canmonitor/pkg/sdo"
)

// mockTransport feeds frames from a channel and records sends.
type mockTransport struct {
	mu         sync.Mutex
	rx         chan can.Frame
	sent       []can.Frame
	connectErr error
	sendErr    error
	recvErr    atomic.Value
	connected  bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{rx: make(chan can.Frame, 64)}
}

func (m *mockTransport) Connect(cfg can.Config) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Send(frame can.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, frame)
	return nil
}

func (m *mockTransport) Receive(timeout time.Duration) (*can.Frame, error) {
	if err, ok := m.recvErr.Load().(error); ok && err != nil {
		return nil, err
	}
	select {
	case frame := <-m.rx:
		return &frame, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (m *mockTransport) lastSent() (can.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return can.Frame{}, false
	}
	return m.sent[len(m.sent)-1], true
}

var registerOnce sync.Once

// current mock handed out by the registry, swapped per test
var activeMock *mockTransport

func newTestManager(t *testing.T, maxHistory int) (*Manager, *mockTransport) {
	registerOnce.Do(func() {
		can.RegisterTransport("mock", func(logger *slog.Logger) can.Transport {
			return activeMock
		})
	})
	activeMock = newMockTransport()
	cfg := can.Config{Kind: "mock", Timeout: 10 * time.Millisecond}
	manager, err := NewManager(cfg, maxHistory, nil)
	assert.Nil(t, err)
	return manager, activeMock
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestUnknownTransportKind(t *testing.T) {
	_, err := NewManager(can.Config{Kind: "bogus"}, 10, nil)
	assert.ErrorIs(t, err, can.ErrUnsupportedInterface)
}

func TestLifecycle(t *testing.T) {
	manager, _ := newTestManager(t, 10)
	assert.Equal(t, StateDisconnected, manager.State())

	assert.Nil(t, manager.Connect())
	assert.Equal(t, StateConnected, manager.State())

	assert.Nil(t, manager.StartMonitoring())
	assert.Equal(t, StateMonitoring, manager.State())

	assert.Nil(t, manager.StopMonitoring())
	assert.Equal(t, StateConnected, manager.State())

	assert.Nil(t, manager.Disconnect())
	assert.Equal(t, StateDisconnected, manager.State())
}

func TestInvalidTransitions(t *testing.T) {
	manager, _ := newTestManager(t, 10)

	assert.ErrorIs(t, manager.StartMonitoring(), ErrInvalidState)
	assert.ErrorIs(t, manager.StopMonitoring(), ErrInvalidState)
	assert.ErrorIs(t, manager.SendFrame(can.NewFrame(0x080, nil)), ErrInvalidState)

	assert.Nil(t, manager.Connect())
	assert.ErrorIs(t, manager.Connect(), ErrInvalidState)
}

func TestConnectFailure(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	cause := errors.New("no such device")
	mock.connectErr = cause

	assert.Equal(t, cause, manager.Connect())
	assert.Equal(t, StateFailed, manager.State())
	assert.Equal(t, cause, manager.Err())

	// Disconnect recovers from failed and clears the cause
	assert.Nil(t, manager.Disconnect())
	assert.Equal(t, StateDisconnected, manager.State())
	assert.Nil(t, manager.Err())
}

func TestReceiveFailureParksInFailed(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())
	assert.Nil(t, manager.StartMonitoring())

	cause := errors.New("device unplugged")
	mock.recvErr.Store(cause)

	waitFor(t, func() bool { return manager.State() == StateFailed })
	assert.Equal(t, cause, manager.Err())
}

func TestHistoryAndLatest(t *testing.T) {
	manager, mock := newTestManager(t, 3)
	assert.Nil(t, manager.Connect())
	assert.Nil(t, manager.StartMonitoring())

	for i := 0; i < 5; i++ {
		mock.rx <- can.NewFrame(0x181, []byte{byte(i)})
	}
	mock.rx <- can.NewFrame(0x701, []byte{0x05})

	waitFor(t, func() bool {
		_, ok := manager.LatestMessages()[0x701]
		return ok
	})
	assert.Nil(t, manager.StopMonitoring())

	// Bounded history keeps only the newest entries
	history := manager.History()
	assert.Len(t, history, 3)
	assert.EqualValues(t, 0x701, history[2].Frame.CobID)

	latest := manager.LatestMessages()
	assert.Len(t, latest, 2)
	assert.EqualValues(t, 4, latest[0x181].Frame.Data[0])
	assert.Equal(t, canopen.KindHeartbeat, latest[0x701].Kind)

	stats := manager.Statistics()
	assert.Len(t, stats, 2)
	assert.EqualValues(t, 0x181, stats[0].CobID)
	assert.EqualValues(t, 5, stats[0].Stats.Count)

	manager.ResetHistory()
	assert.Empty(t, manager.History())
	assert.Empty(t, manager.LatestMessages())
}

func TestHistorySurvivesDisconnect(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())
	assert.Nil(t, manager.StartMonitoring())

	mock.rx <- can.NewFrame(0x181, []byte{1})
	waitFor(t, func() bool { return len(manager.History()) == 1 })

	assert.Nil(t, manager.Disconnect())
	assert.Len(t, manager.History(), 1)
}

func TestCallbackOrderAndRemoval(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())

	var mu sync.Mutex
	var order []int
	first := manager.AddCallback(func(msg canopen.Message) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	manager.AddCallback(func(msg canopen.Message) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	assert.Nil(t, manager.StartMonitoring())
	mock.rx <- can.NewFrame(0x181, []byte{1})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	assert.Equal(t, []int{1, 2}, order)
	order = order[:0]
	mu.Unlock()

	manager.RemoveCallback(first)
	mock.rx <- can.NewFrame(0x181, []byte{2})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	})
	mu.Lock()
	assert.Equal(t, []int{2}, order)
	mu.Unlock()

	assert.Nil(t, manager.StopMonitoring())
}

func TestNoCallbacksAfterStop(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())

	var calls atomic.Int64
	manager.AddCallback(func(msg canopen.Message) { calls.Add(1) })

	assert.Nil(t, manager.StartMonitoring())
	mock.rx <- can.NewFrame(0x181, []byte{1})
	waitFor(t, func() bool { return calls.Load() == 1 })

	assert.Nil(t, manager.StopMonitoring())
	after := calls.Load()
	// Frames arriving after the join must not reach callbacks
	mock.rx <- can.NewFrame(0x181, []byte{2})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestSendOperations(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())

	assert.Nil(t, manager.SendNMT(nmt.CommandEnterOperational, 5))
	frame, ok := mock.lastSent()
	assert.True(t, ok)
	assert.EqualValues(t, 0x000, frame.CobID)
	assert.Equal(t, []byte{0x01, 0x05}, frame.Payload())

	assert.Nil(t, manager.SendSDO(5, sdo.Transfer{Index: 0x1017, IsRead: true}))
	frame, _ = mock.lastSent()
	assert.EqualValues(t, 0x605, frame.CobID)
	assert.EqualValues(t, 0x40, frame.Data[0])

	// Validation errors do not touch the transport state
	assert.NotNil(t, manager.SendSDO(0, sdo.Transfer{IsRead: true}))
	assert.ErrorIs(t, manager.SendSDO(128, sdo.Transfer{IsRead: true}), nmt.ErrInvalidNodeID)
	assert.NotNil(t, manager.SendNMT(nmt.Command(99), 5))
	assert.Equal(t, StateConnected, manager.State())
}

func TestSendFailureParksInFailed(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())

	cause := errors.New("bus off")
	mock.mu.Lock()
	mock.sendErr = cause
	mock.mu.Unlock()

	assert.Equal(t, cause, manager.SendFrame(can.NewFrame(0x080, nil)))
	assert.Equal(t, StateFailed, manager.State())
	assert.Equal(t, cause, manager.Err())
}

func TestSwitchTransportClearsState(t *testing.T) {
	manager, mock := newTestManager(t, 10)
	assert.Nil(t, manager.Connect())
	assert.Nil(t, manager.StartMonitoring())

	mock.rx <- can.NewFrame(0x181, []byte{1})
	waitFor(t, func() bool { return len(manager.History()) == 1 })

	replacement := newMockTransport()
	activeMock = replacement
	assert.Nil(t, manager.SwitchTransport(can.Config{Kind: "mock", Timeout: 10 * time.Millisecond}))

	assert.Equal(t, StateDisconnected, manager.State())
	assert.Empty(t, manager.History())
	assert.Empty(t, manager.LatestMessages())
	assert.Empty(t, manager.Statistics())

	// The new transport is usable immediately
	assert.Nil(t, manager.Connect())
	assert.Nil(t, manager.SendFrame(can.NewFrame(0x080, nil)))
	_, ok := replacement.lastSent()
	assert.True(t, ok)
}

func TestConcurrentStopAndDisconnect(t *testing.T) {
	manager, _ := newTestManager(t, 10)
	for i := 0; i < 200; i++ {
		assert.Nil(t, manager.Connect())
		assert.Nil(t, manager.StartMonitoring())

		var wg sync.WaitGroup
		wg.Add(2)
		// Racing the two teardown paths must end the session exactly
		// once, whichever wins
		go func() {
			defer wg.Done()
			manager.StopMonitoring()
		}()
		go func() {
			defer wg.Done()
			manager.Disconnect()
		}()
		wg.Wait()

		// Disconnect always completes the teardown, whichever
		// ordering the race produced
		assert.Equal(t, StateDisconnected, manager.State())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "MONITORING", StateMonitoring.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
