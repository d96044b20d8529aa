package sdo

import (
	"log/slog"
	"sync"
	"time"

	"github.com/camino-sys/canmonitor/pkg/canopen"
)

const sweepInterval = 100 * time.Millisecond

// DefaultRequestTimeout bounds how long a pending transfer waits for
// its response before being completed with AbortTimeout.
const DefaultRequestTimeout = 1000 * time.Millisecond

// A Completion reports the outcome of one tracked transfer.
type Completion struct {
	NodeID   uint8
	Transfer Transfer
	// Value holds the uploaded value on successful reads.
	Value uint32
	Err   error
}

type CompletionCallback func(Completion)

type pendingKey struct {
	nodeID   uint8
	index    uint16
	subIndex uint8
	isRead   bool
}

type pendingTransfer struct {
	transfer Transfer
	deadline time.Time
	callback CompletionCallback
}

// A Tracker correlates outgoing expedited transfers with the
// responses observed on the bus. It is driven from the outside :
// Track when a request is sent, HandleMessage for every received
// SDO response. Responses that match no tracked request are ignored,
// matched requests are completed exactly once.
type Tracker struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[pendingKey]*pendingTransfer

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewTracker(timeout time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	t := &Tracker{
		logger:  logger.With("service", "[SDO-TRACKER]"),
		timeout: timeout,
		pending: make(map[pendingKey]*pendingTransfer),
		stop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweep()
	return t
}

// Track registers a sent transfer for correlation. A second request
// for the same key before the first completes replaces it.
func (t *Tracker) Track(nodeID uint8, transfer Transfer, callback CompletionCallback) {
	key := pendingKey{nodeID, transfer.Index, transfer.SubIndex, transfer.IsRead}
	t.mu.Lock()
	t.pending[key] = &pendingTransfer{
		transfer: transfer,
		deadline: time.Now().Add(t.timeout),
		callback: callback,
	}
	t.mu.Unlock()
}

// Pending returns the number of transfers still awaiting a response.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleMessage consumes one classified bus message. It is shaped to
// be registered directly as a monitor callback and ignores anything
// that is not an SDO response.
func (t *Tracker) HandleMessage(msg canopen.Message) {
	if msg.Kind != canopen.KindSDOResponse {
		return
	}
	res, err := Decode(msg.Frame.Payload())
	if err != nil {
		t.logger.Warn("undecodable SDO response", "node", msg.NodeID, "error", err)
		return
	}

	switch {
	case res.Command == CommandAbort:
		// The abort payload does not carry the transfer direction,
		// try the read first then the write.
		if c, p := t.take(msg.NodeID, res.Index, res.SubIndex, true); p != nil {
			c(Completion{NodeID: msg.NodeID, Transfer: p.transfer, Err: res.Abort})
			return
		}
		if c, p := t.take(msg.NodeID, res.Index, res.SubIndex, false); p != nil {
			c(Completion{NodeID: msg.NodeID, Transfer: p.transfer, Err: res.Abort})
		}
	case res.IsRead && res.IsResponse:
		if c, p := t.take(msg.NodeID, res.Index, res.SubIndex, true); p != nil {
			c(Completion{NodeID: msg.NodeID, Transfer: p.transfer, Value: res.Value})
		}
	case res.Command == CommandDownloadResponse:
		if c, p := t.take(msg.NodeID, res.Index, res.SubIndex, false); p != nil {
			c(Completion{NodeID: msg.NodeID, Transfer: p.transfer})
		}
	}
}

// take removes and returns the matching pending transfer, if any.
func (t *Tracker) take(nodeID uint8, index uint16, subIndex uint8, isRead bool) (CompletionCallback, *pendingTransfer) {
	key := pendingKey{nodeID, index, subIndex, isRead}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok {
		return nil, nil
	}
	delete(t.pending, key)
	return p.callback, p
}

func (t *Tracker) sweep() {
	defer t.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *Tracker) expire(now time.Time) {
	type expired struct {
		nodeID   uint8
		transfer Transfer
		callback CompletionCallback
	}
	var out []expired
	t.mu.Lock()
	for key, p := range t.pending {
		if now.After(p.deadline) {
			out = append(out, expired{key.nodeID, p.transfer, p.callback})
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()
	for _, e := range out {
		t.logger.Warn("SDO transfer timed out",
			"node", e.nodeID,
			"index", e.transfer.Index,
			"subindex", e.transfer.SubIndex,
		)
		if e.callback != nil {
			e.callback(Completion{NodeID: e.nodeID, Transfer: e.transfer, Err: AbortTimeout})
		}
	}
}

// Close stops the timeout sweeper. Pending transfers are dropped
// without completion.
func (t *Tracker) Close() {
	close(t.stop)
	t.wg.Wait()
	t.mu.Lock()
	t.pending = make(map[pendingKey]*pendingTransfer)
	t.mu.Unlock()
}
