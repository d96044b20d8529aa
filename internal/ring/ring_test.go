package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/camino-sys/canmonitor/pkg/can"
	"github.com/camino-sys/canmonitor/pkg/canopen"
)

func message(cobID uint16) canopen.Message {
	return canopen.NewMessage(can.NewFrame(cobID, nil))
}

func TestPushAndSnapshot(t *testing.T) {
	buffer := New(4)
	assert.Equal(t, 0, buffer.Len())
	assert.Empty(t, buffer.Snapshot())

	buffer.Push(message(0x081))
	buffer.Push(message(0x082))
	assert.Equal(t, 2, buffer.Len())

	snapshot := buffer.Snapshot()
	assert.Len(t, snapshot, 2)
	assert.EqualValues(t, 0x081, snapshot[0].Frame.CobID)
	assert.EqualValues(t, 0x082, snapshot[1].Frame.CobID)
}

func TestEvictsOldest(t *testing.T) {
	buffer := New(3)
	for cobID := uint16(1); cobID <= 5; cobID++ {
		buffer.Push(message(cobID))
	}
	assert.Equal(t, 3, buffer.Len())

	snapshot := buffer.Snapshot()
	assert.EqualValues(t, 3, snapshot[0].Frame.CobID)
	assert.EqualValues(t, 4, snapshot[1].Frame.CobID)
	assert.EqualValues(t, 5, snapshot[2].Frame.CobID)
}

func TestReset(t *testing.T) {
	buffer := New(2)
	buffer.Push(message(1))
	buffer.Reset()
	assert.Equal(t, 0, buffer.Len())
	assert.Equal(t, 2, buffer.Cap())

	buffer.Push(message(2))
	assert.EqualValues(t, 2, buffer.Snapshot()[0].Frame.CobID)
}

func TestMinimumCapacity(t *testing.T) {
	buffer := New(0)
	buffer.Push(message(1))
	buffer.Push(message(2))
	assert.Equal(t, 1, buffer.Len())
	assert.EqualValues(t, 2, buffer.Snapshot()[0].Frame.CobID)
}
