package metrics

import (
	"time"
)

// Snapshotter is implemented by the daemon core and supplies the point-in-time
// counts a Collector samples on each tick. It exists so this package never
// imports the daemon's container/image maps directly.
type Snapshotter interface {
	ContainersByLifecycle() map[string]int
	ImageCount() int
	PrewarmPoolSizes() map[string]int
}

// Collector periodically samples gauge-shaped state from a Snapshotter.
// Counters and histograms are updated inline by their owning components and
// are not touched here.
type Collector struct {
	snap   Snapshotter
	stopCh chan struct{}
}

// NewCollector creates a Collector over snap.
func NewCollector(snap Snapshotter) *Collector {
	return &Collector{
		snap:   snap,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sampling loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for lifecycle, count := range c.snap.ContainersByLifecycle() {
		ContainersTotal.WithLabelValues(lifecycle).Set(float64(count))
	}
	ImagesTotal.Set(float64(c.snap.ImageCount()))
	for fingerprint, count := range c.snap.PrewarmPoolSizes() {
		PrewarmPoolSize.WithLabelValues(fingerprint).Set(float64(count))
	}
}
