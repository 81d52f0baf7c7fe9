package memory

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperbox/hyperboxd/pkg/log"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
)

const (
	ringCapacity       = 10
	pollInterval       = 10 * time.Second // 10 samples * 10s = 100s ring window
	DefaultWarningPct  = 20.0
	DefaultCriticalPct = 50.0
)

// psiReader is swapped out in tests to inject samples without a real
// /proc/pressure/memory file.
type psiReader func() (Sample, bool, error)

// Controller samples system-wide memory pressure and tunes
// /proc/sys/vm/swappiness on state transitions. When PSI isn't available
// on the host it starts disabled: State always reports calm and every
// query method returns its defined zero-value default, never an error.
type Controller struct {
	mu          sync.Mutex
	supported   bool
	privileged  bool
	warningPct  float64
	criticalPct float64
	ring        []Sample
	state       State
	read        psiReader
	tuner       *SwapTuner
	logger      zerolog.Logger
	stopCh      chan struct{}
}

// NewController probes for PSI support at construction time. warningPct
// and criticalPct are clamped to [0, 100]; zero/negative values fall back
// to the spec defaults (20%, 50%).
func NewController(privileged bool, warningPct, criticalPct float64) *Controller {
	warningPct = clampPct(warningPct, DefaultWarningPct)
	criticalPct = clampPct(criticalPct, DefaultCriticalPct)

	c := &Controller{
		privileged:  privileged,
		warningPct:  warningPct,
		criticalPct: criticalPct,
		logger:      log.WithComponent("memory"),
		tuner:       NewSwapTuner(privileged),
		stopCh:      make(chan struct{}),
	}
	c.read = func() (Sample, bool, error) { return readPSIFile(psiPath) }

	_, supported, err := c.read()
	c.supported = supported && err == nil
	return c
}

func clampPct(v, def float64) float64 {
	if v <= 0 {
		v = def
	}
	if v > 100 {
		v = 100
	}
	return v
}

// Supported reports whether PSI is readable on this host.
func (c *Controller) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported
}

// State returns the controller's last-computed pressure classification.
// Always StateCalm when PSI isn't supported.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Samples returns a copy of the ring, oldest first.
func (c *Controller) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, len(c.ring))
	copy(out, c.ring)
	return out
}

// Poll reads one PSI sample and reclassifies state, tuning swappiness on
// any transition. A no-op returning (StateCalm, nil) when unsupported.
func (c *Controller) Poll() (State, error) {
	if !c.Supported() {
		return StateCalm, nil
	}
	sample, ok, err := c.read()
	if err != nil {
		return c.State(), err
	}
	if !ok {
		c.mu.Lock()
		c.supported = false
		c.mu.Unlock()
		return StateCalm, nil
	}
	sample.At = time.Now()
	return c.recordSample(sample), nil
}

func (c *Controller) recordSample(sample Sample) State {
	c.mu.Lock()
	c.ring = append(c.ring, sample)
	if len(c.ring) > ringCapacity {
		c.ring = c.ring[len(c.ring)-ringCapacity:]
	}

	prev := c.state
	next := classify(sample.FullAvg10, c.warningPct, c.criticalPct)
	c.state = next
	metrics.MemoryPressureAvg10.Set(sample.FullAvg10)
	c.mu.Unlock()

	if next != prev {
		c.onTransition(next)
	}
	return next
}

func classify(fullAvg10, warningPct, criticalPct float64) State {
	switch {
	case fullAvg10 >= criticalPct:
		return StateCritical
	case fullAvg10 >= warningPct:
		return StateWarning
	default:
		return StateCalm
	}
}

func (c *Controller) onTransition(next State) {
	var target int
	switch next {
	case StateCritical:
		target = 80
	case StateWarning:
		target = 70
	default:
		target = 40
	}
	if err := c.tuner.Set(target, next.String()); err != nil {
		c.logger.Warn().Err(err).Int("target", target).Msg("swappiness write failed, degrading to warning-only")
	}
	c.logger.Info().Str("state", next.String()).Int("swappiness", target).Msg("memory pressure transition")
}

// Start runs Poll on a fixed interval until Stop is called. A no-op if
// PSI isn't supported.
func (c *Controller) Start() {
	if !c.Supported() {
		return
	}
	go c.loop()
}

func (c *Controller) Stop() { close(c.stopCh) }

func (c *Controller) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Poll(); err != nil {
				c.logger.Warn().Err(err).Msg("psi poll failed")
			}
		case <-c.stopCh:
			return
		}
	}
}
