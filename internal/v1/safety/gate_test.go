package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaychat/server/internal/v1/protocol"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNoise, Classify(protocol.TypeTypingStartOut))
	assert.Equal(t, ClassNoise, Classify(protocol.TypeTypingStopOut))
	assert.Equal(t, ClassNoise, Classify(protocol.TypePresenceUpdate))
	assert.Equal(t, ClassNoise, Classify(protocol.TypeRoomDeliveryUpdate))

	assert.Equal(t, ClassMessage, Classify(protocol.TypeMessageReceive))
	assert.Equal(t, ClassMessage, Classify(protocol.TypeRoomMessageOut))

	assert.Equal(t, ClassCritical, Classify(protocol.TypeMessageAck))
	assert.Equal(t, ClassCritical, Classify(protocol.TypeError))
	assert.Equal(t, ClassCritical, Classify(protocol.TypeHelloAck))
}

func TestGate_AllowsWhenIdle(t *testing.T) {
	g := NewGate(64, 256, 1<<20)

	assert.Equal(t, Allow, g.Admit(ClassCritical, 0, 0))
	assert.Equal(t, Allow, g.Admit(ClassMessage, 10, 100))
	assert.Equal(t, Allow, g.Admit(ClassNoise, 63, 0))
}

func TestGate_SoftThresholdShedsByClass(t *testing.T) {
	g := NewGate(64, 256, 1<<20)

	// Past the soft threshold: noise drops, messages fail, critical passes.
	assert.Equal(t, Drop, g.Admit(ClassNoise, 64, 0))
	assert.Equal(t, Fail, g.Admit(ClassMessage, 64, 0))
	assert.Equal(t, Allow, g.Admit(ClassCritical, 64, 0))
}

func TestGate_BufferedBytesCountAsSaturation(t *testing.T) {
	g := NewGate(64, 256, 1024)

	assert.Equal(t, Drop, g.Admit(ClassNoise, 1, 1024))
	assert.Equal(t, Fail, g.Admit(ClassMessage, 1, 2048))
	assert.Equal(t, Allow, g.Admit(ClassCritical, 1, 2048))
}

func TestGate_HardCapOverflowsCritical(t *testing.T) {
	g := NewGate(64, 256, 1<<20)

	assert.Equal(t, Drop, g.Admit(ClassNoise, 256, 0))
	assert.Equal(t, Fail, g.Admit(ClassMessage, 256, 0))
	assert.Equal(t, Overflow, g.Admit(ClassCritical, 256, 0))
}

func TestGate_Saturated(t *testing.T) {
	g := NewGate(64, 256, 1024)

	assert.False(t, g.Saturated(0, 0))
	assert.True(t, g.Saturated(64, 0))
	assert.True(t, g.Saturated(0, 1024))
}
