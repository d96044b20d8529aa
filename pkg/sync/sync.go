// Package sync implements a SYNC producer, sending the periodic
// synchronization object that PDO-synchronous nodes latch on.
package sync

import (
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
)

const maxCounterValue = 240

var (
	ErrAlreadyRunning = errors.New("SYNC producer already running")
	ErrNotRunning     = errors.New("SYNC producer not running")
	ErrInvalidPeriod  = errors.New("SYNC period must be positive")
)

// A FrameSender puts one raw frame on the bus. *monitor.Manager
// satisfies it.
type FrameSender interface {
	SendFrame(frame can.Frame) error
}

// A Producer emits SYNC frames at a fixed period. The optional
// counter cycles 1..240 in the single payload byte, without it the
// frame is empty.
type Producer struct {
	logger *slog.Logger
	sender FrameSender

	mu          stdsync.Mutex
	cobID       uint16
	period      time.Duration
	withCounter bool
	counter     uint8
	running     bool
	sent        uint64
	failed      uint64

	stop chan struct{}
	wg   stdsync.WaitGroup
}

func NewProducer(sender FrameSender, period time.Duration, logger *slog.Logger) (*Producer, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidPeriod, period)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		logger: logger.With("service", "[SYNC]"),
		sender: sender,
		cobID:  canopen.CobSync,
		period: period,
	}, nil
}

// SetCobID overrides the default 0x080 communication object.
func (p *Producer) SetCobID(cobID uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cobID = cobID
}

// EnableCounter adds the cyclic 1..240 counter byte to each frame.
func (p *Producer) EnableCounter(enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withCounter = enable
	p.counter = 0
}

// Start launches the periodic transmission.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.stop, p.period)
	p.logger.Info("started", "period", p.period)
	return nil
}

// Stop halts transmission and waits for the producer goroutine to
// exit before returning.
func (p *Producer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("stopped")
	return nil
}

// Counts returns how many SYNC frames were sent and how many sends
// failed since creation.
func (p *Producer) Counts() (sent uint64, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.failed
}

func (p *Producer) run(stop chan struct{}, period time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.emit()
		}
	}
}

func (p *Producer) emit() {
	p.mu.Lock()
	var data []byte
	if p.withCounter {
		p.counter++
		if p.counter > maxCounterValue {
			p.counter = 1
		}
		data = []byte{p.counter}
	}
	frame := can.NewFrame(p.cobID, data)
	p.mu.Unlock()

	if err := p.sender.SendFrame(frame); err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		p.logger.Warn("send failed", "error", err)
		return
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}
