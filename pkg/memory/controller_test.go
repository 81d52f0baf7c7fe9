package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() *Controller {
	return &Controller{
		privileged:  false,
		warningPct:  20,
		criticalPct: 50,
		tuner:       NewSwapTuner(false),
		supported:   true,
		stopCh:      make(chan struct{}),
	}
}

func TestPSITransitionsCalmWarningCritical(t *testing.T) {
	c := newTestController()

	s1 := c.recordSample(Sample{FullAvg10: 10})
	assert.Equal(t, StateCalm, s1)

	s2 := c.recordSample(Sample{FullAvg10: 25})
	assert.Equal(t, StateWarning, s2)

	s3 := c.recordSample(Sample{FullAvg10: 60})
	assert.Equal(t, StateCritical, s3)
}

func TestUnsupportedControllerAlwaysCalm(t *testing.T) {
	c := NewController(false, 20, 50)
	c.supported = false

	state, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, StateCalm, state)
	assert.False(t, c.Supported())
}

func TestRingCapsAtTenSamples(t *testing.T) {
	c := newTestController()
	for i := 0; i < 15; i++ {
		c.recordSample(Sample{FullAvg10: float64(i)})
	}
	assert.Len(t, c.Samples(), ringCapacity)
}

func TestClampPctUsesDefaultOnZeroOrNegative(t *testing.T) {
	assert.Equal(t, DefaultWarningPct, clampPct(0, DefaultWarningPct))
	assert.Equal(t, DefaultWarningPct, clampPct(-5, DefaultWarningPct))
	assert.Equal(t, 100.0, clampPct(150, DefaultWarningPct))
}
