package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstWindow_ConsumeTracksPerHost(t *testing.T) {
	b := NewBurstWindow()
	assert.True(t, b.Consume("host-1", 4, 8))
	assert.True(t, b.Consume("host-1", 4, 8))
	assert.False(t, b.Consume("host-1", 1, 8))
	assert.True(t, b.Consume("host-2", 8, 8))
}

func TestBurstWindow_ResetClearsCounters(t *testing.T) {
	b := NewBurstWindow()
	require.False(t, b.Consume("host-1", 9, 8))
	b.Reset()
	assert.True(t, b.Consume("host-1", 8, 8))
}

func TestBurstWindow_StartResetSchedule(t *testing.T) {
	b := NewBurstWindow()
	require.False(t, b.Consume("host-1", 9, 8))

	c, err := b.StartResetSchedule("@every 10ms")
	require.NoError(t, err)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return b.Consume("host-1", 0, 8)
	}, time.Second, 5*time.Millisecond)
}
