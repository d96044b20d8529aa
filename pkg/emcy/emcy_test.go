package emcy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/camino-sys/canmonitor/pkg/can"
)

func TestDecode(t *testing.T) {
	frame := can.NewFrame(0x085, []byte{0x10, 0x81, 0x11, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE})
	em, err := Decode(frame)
	assert.Nil(t, err)
	assert.EqualValues(t, 5, em.NodeID)
	assert.EqualValues(t, 0x8110, em.ErrorCode)
	assert.EqualValues(t, 0x11, em.ErrorRegister)
	assert.Equal(t, [5]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, em.Manufacturer)
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	_, err := Decode(can.NewFrame(0x085, []byte{0x10, 0x81}))
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestReset(t *testing.T) {
	em, err := Decode(can.NewFrame(0x081, make([]byte, 8)))
	assert.Nil(t, err)
	assert.True(t, em.IsReset())
	assert.Equal(t, "error reset or no error", em.Description())
}

func TestDescriptions(t *testing.T) {
	cases := []struct {
		code uint16
		name string
	}{
		{0x1000, "generic"},
		{0x2310, "current"},
		{0x3210, "voltage"},
		{0x4200, "temperature"},
		{0x5000, "device hardware"},
		{0x6100, "device software"},
		{0x8110, "communication"},
		{0x8210, "protocol error"},
		{0xFF01, "device specific"},
	}
	for _, tc := range cases {
		em := Emergency{ErrorCode: tc.code}
		assert.Equal(t, tc.name, em.Description(), "code x%04x", tc.code)
	}
}
