// Package memory reads kernel Pressure Stall Information to track system
// memory pressure, tunes vm.swappiness on state transitions, and runs a
// per-container memory balloon loop against cgroup accounting files.
package memory

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

const psiPath = "/proc/pressure/memory"

// State is the controller's classification of current memory pressure.
type State int

const (
	StateCalm State = iota
	StateWarning
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	default:
		return "calm"
	}
}

// Sample is one read of /proc/pressure/memory's avg10 fields.
type Sample struct {
	SomeAvg10 float64
	FullAvg10 float64
	At        time.Time
}

// readPSIFile parses the kernel's "some"/"full" PSI lines. Each line looks
// like "full avg10=12.34 avg60=5.00 avg300=1.00 total=123456". Absence of
// the file (pre-5.2 kernels, or PSI compiled out) is reported via ok=false
// rather than an error so callers can degrade to "not supported".
func readPSIFile(path string) (Sample, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Sample{}, false, nil
		}
		return Sample{}, false, err
	}
	defer f.Close()

	var s Sample
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		kind := fields[0]
		avg10, ok := avg10Field(fields[1:])
		if !ok {
			continue
		}
		switch kind {
		case "some":
			s.SomeAvg10 = avg10
		case "full":
			s.FullAvg10 = avg10
		}
	}
	if err := scanner.Err(); err != nil {
		return Sample{}, false, err
	}
	return s, true, nil
}

func avg10Field(fields []string) (float64, bool) {
	for _, f := range fields {
		k, v, found := strings.Cut(f, "=")
		if !found || k != "avg10" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
