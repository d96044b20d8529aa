package sync

import (
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/camino-sys/canmonitor/pkg/can"
)

type mockSender struct {
	mu     stdsync.Mutex
	frames []can.Frame
	err    error
}

func (m *mockSender) SendFrame(frame can.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockSender) sent() []can.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]can.Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

func TestProducerInvalidPeriod(t *testing.T) {
	_, err := NewProducer(&mockSender{}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestProducerEmitsFrames(t *testing.T) {
	sender := &mockSender{}
	producer, err := NewProducer(sender, 10*time.Millisecond, nil)
	assert.Nil(t, err)

	assert.Nil(t, producer.Start())
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, producer.Stop())

	frames := sender.sent()
	assert.GreaterOrEqual(t, len(frames), 3)
	for _, frame := range frames {
		assert.EqualValues(t, 0x080, frame.CobID)
		assert.EqualValues(t, 0, frame.DLC)
	}
	sent, failed := producer.Counts()
	assert.EqualValues(t, len(frames), sent)
	assert.EqualValues(t, 0, failed)
}

func TestProducerCounter(t *testing.T) {
	sender := &mockSender{}
	producer, _ := NewProducer(sender, 5*time.Millisecond, nil)
	producer.EnableCounter(true)

	assert.Nil(t, producer.Start())
	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, producer.Stop())

	frames := sender.sent()
	assert.GreaterOrEqual(t, len(frames), 2)
	for i, frame := range frames {
		assert.EqualValues(t, 1, frame.DLC)
		assert.EqualValues(t, i+1, frame.Data[0])
	}
}

func TestProducerCustomCobID(t *testing.T) {
	sender := &mockSender{}
	producer, _ := NewProducer(sender, 5*time.Millisecond, nil)
	producer.SetCobID(0x0A0)

	assert.Nil(t, producer.Start())
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, producer.Stop())

	frames := sender.sent()
	assert.NotEmpty(t, frames)
	assert.EqualValues(t, 0x0A0, frames[0].CobID)
}

func TestProducerSendFailure(t *testing.T) {
	sender := &mockSender{err: errors.New("bus off")}
	producer, _ := NewProducer(sender, 5*time.Millisecond, nil)

	assert.Nil(t, producer.Start())
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, producer.Stop())

	_, failed := producer.Counts()
	assert.Greater(t, failed, uint64(0))
}

func TestProducerLifecycle(t *testing.T) {
	producer, _ := NewProducer(&mockSender{}, time.Hour, nil)
	assert.Equal(t, ErrNotRunning, producer.Stop())
	assert.Nil(t, producer.Start())
	assert.Equal(t, ErrAlreadyRunning, producer.Start())
	assert.Nil(t, producer.Stop())
	// Restartable after a stop
	assert.Nil(t, producer.Start())
	assert.Nil(t, producer.Stop())
}
