package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/camino-sys/canmonitor/pkg/canopen"
	"github.com/camino-sys/canmonitor/pkg/nmt"
)

// DefaultConsumerTimeout is the liveness window when none is given.
// 1.5x a typical 1s producer period.
const DefaultConsumerTimeout = 1500 * time.Millisecond

// NodeStatus is the last observed heartbeat of one remote node.
type NodeStatus struct {
	NodeID   uint8
	State    uint8
	LastSeen time.Time
}

// StateName returns the textual NMT state of the node.
func (s NodeStatus) StateName() string {
	return nmt.StateName(s.State)
}

// A Consumer tracks the heartbeats of every producing node on the
// bus. It is passive : feed it messages with HandleMessage and query
// with Nodes or Expired.
type Consumer struct {
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	nodes map[uint8]NodeStatus
}

func NewConsumer(timeout time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultConsumerTimeout
	}
	return &Consumer{
		logger:  logger.With("service", "[HB-CONSUMER]"),
		timeout: timeout,
		nodes:   make(map[uint8]NodeStatus),
	}
}

// HandleMessage consumes one classified bus message, shaped to be
// registered directly as a monitor callback. Non-heartbeats are
// ignored.
func (c *Consumer) HandleMessage(msg canopen.Message) {
	if msg.Kind != canopen.KindHeartbeat {
		return
	}
	state, err := Decode(msg.Frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	previous, known := c.nodes[msg.NodeID]
	c.nodes[msg.NodeID] = NodeStatus{
		NodeID:   msg.NodeID,
		State:    state,
		LastSeen: msg.Frame.Timestamp,
	}
	c.mu.Unlock()

	if !known {
		c.logger.Info("new heartbeat producer", "node", msg.NodeID, "state", nmt.StateName(state))
	} else if previous.State != state {
		c.logger.Info("node changed state",
			"node", msg.NodeID,
			"from", nmt.StateName(previous.State),
			"to", nmt.StateName(state),
		)
	}
}

// Node returns the status of one node and whether it was ever seen.
func (c *Consumer) Node(nodeID uint8) (NodeStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.nodes[nodeID]
	return status, ok
}

// Nodes returns a copy of every tracked node status.
func (c *Consumer) Nodes() map[uint8]NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint8]NodeStatus, len(c.nodes))
	for id, status := range c.nodes {
		out[id] = status
	}
	return out
}

// Expired returns the nodes whose last heartbeat is older than the
// consumer timeout.
func (c *Consumer) Expired(now time.Time) []NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []NodeStatus
	for _, status := range c.nodes {
		if now.Sub(status.LastSeen) > c.timeout {
			out = append(out, status)
		}
	}
	return out
}

// Reset forgets every tracked node.
func (c *Consumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[uint8]NodeStatus)
}
