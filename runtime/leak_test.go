package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeakDetectorFlagsSteadyGrowthOnce(t *testing.T) {
	d := NewLeakDetectorWith(200, 50, 0.1)

	// 200 requests each growing resident memory by 0.5 MB: a textbook leak.
	for i := 0; i < 200; i++ {
		d.ObserveValue(100 + 0.5*float64(i))
	}

	assert.Equal(t, 1, d.TrendEvents())
	slope, ok := d.TrendSlope()
	require.True(t, ok)
	assert.InDelta(t, 0.5, slope, 0.01)
}

func TestLeakDetectorIgnoresFlatUsage(t *testing.T) {
	d := NewLeakDetectorWith(200, 50, 0.1)
	for i := 0; i < 200; i++ {
		d.ObserveValue(100)
	}
	assert.Equal(t, 0, d.TrendEvents())
}

func TestLeakDetectorNoSlopeBeforeCheckInterval(t *testing.T) {
	d := NewLeakDetectorWith(200, 50, 0.1)
	for i := 0; i < 49; i++ {
		d.ObserveValue(100 + float64(i))
	}
	_, ok := d.TrendSlope()
	assert.False(t, ok)
}

func TestLeakDetectorRefiresAfterClearing(t *testing.T) {
	d := NewLeakDetectorWith(100, 50, 0.1)

	for i := 0; i < 100; i++ {
		d.ObserveValue(100 + 0.5*float64(i))
	}
	require.Equal(t, 1, d.TrendEvents())

	// Flat usage long enough to displace the leaking window clears the flag.
	for i := 0; i < 100; i++ {
		d.ObserveValue(150)
	}
	require.Equal(t, 1, d.TrendEvents())

	// A second leak is a second event.
	for i := 0; i < 100; i++ {
		d.ObserveValue(150 + 0.5*float64(i))
	}
	assert.Equal(t, 2, d.TrendEvents())
}

func TestMemoryGuardSoftLimitFiresExactlyOnce(t *testing.T) {
	var fires int
	g := NewMemoryGuard(450, func() { fires++ })

	g.CheckValue(500)
	g.CheckValue(510)
	g.CheckValue(520)

	assert.Equal(t, 1, fires)
	assert.True(t, g.Tripped())
}

func TestMemoryGuardBelowLimitNeverFires(t *testing.T) {
	var fires int
	g := NewMemoryGuard(450, func() { fires++ })
	g.CheckValue(100)
	g.CheckValue(449)
	assert.Equal(t, 0, fires)
	assert.False(t, g.Tripped())
}
