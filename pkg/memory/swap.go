package memory

import (
	"os"
	"strconv"

	"github.com/hyperbox/hyperboxd/pkg/metrics"
)

const swappinessPath = "/proc/sys/vm/swappiness"

// SwapTuner writes vm.swappiness. Writes are a no-op (not an error) when
// the controller isn't privileged, since an unprivileged daemon has no
// realistic path to adjusting host-wide swap behaviour.
type SwapTuner struct {
	privileged bool
	path       string
}

// NewSwapTuner returns a tuner that only performs writes when privileged
// is true.
func NewSwapTuner(privileged bool) *SwapTuner {
	return &SwapTuner{privileged: privileged, path: swappinessPath}
}

// Set writes value to /proc/sys/vm/swappiness, recorded under tier (e.g.
// "calm", "warning", "critical") for metrics. Returns nil without writing
// when not privileged; callers treat a returned error as "degrade to
// reporting state only", never as fatal.
func (t *SwapTuner) Set(value int, tier string) error {
	if !t.privileged {
		return nil
	}
	err := os.WriteFile(t.path, []byte(strconv.Itoa(value)), 0644)
	if err != nil {
		return err
	}
	metrics.SwappinessAdjustmentsTotal.WithLabelValues(tier).Inc()
	return nil
}
