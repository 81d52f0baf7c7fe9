package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

var (
	// Lifecycle gauges

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hyperboxd_containers_total",
			Help: "Current number of containers by lifecycle state",
		},
		[]string{"lifecycle"},
	)

	ImagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperboxd_images_total",
			Help: "Total number of locally cached images",
		},
	)

	PrewarmPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hyperboxd_prewarm_pool_size",
			Help: "Current number of idle pre-warmed instances by fingerprint",
		},
		[]string{"fingerprint"},
	)

	// Start-path counters

	ColdStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_cold_starts_total",
			Help: "Total containers started via the cold path",
		},
	)

	WarmStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_warm_starts_total",
			Help: "Total containers started via checkpoint restore or pre-warm claim",
		},
	)

	PrewarmHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_prewarm_hits_total",
			Help: "Total starts satisfied by claiming a pre-warmed instance",
		},
	)

	PrewarmMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_prewarm_misses_total",
			Help: "Total starts that found no matching pre-warmed instance",
		},
	)

	// Checkpoint/restore counters

	CheckpointsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_checkpoints_created_total",
			Help: "Total checkpoints successfully created",
		},
	)

	RestoresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_restores_total",
			Help: "Total successful checkpoint restores",
		},
	)

	RestoresFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperboxd_restores_failed_total",
			Help: "Total restore attempts that failed, by reason",
		},
		[]string{"reason"},
	)

	CheckpointsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_checkpoints_expired_total",
			Help: "Total checkpoints removed by the TTL sweeper",
		},
	)

	// Image pull / layer cache counters

	LazyLoadHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_lazy_load_hits_total",
			Help: "Total layer fetches satisfied from the local blob cache",
		},
	)

	LazyLoadMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hyperboxd_lazy_load_misses_total",
			Help: "Total layer fetches that required a registry pull",
		},
	)

	// Memory controller gauges

	MemoryPressureAvg10 = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperboxd_memory_pressure_avg10",
			Help: "Most recent PSI memory full avg10 reading, percent",
		},
	)

	BalloonAdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperboxd_balloon_adjustments_total",
			Help: "Total per-container memory balloon adjustments, by direction",
		},
		[]string{"direction"},
	)

	SwappinessAdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperboxd_swappiness_adjustments_total",
			Help: "Total vm.swappiness adjustments, by target tier",
		},
		[]string{"tier"},
	)

	// Operation latency histograms

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_container_create_duration_seconds",
			Help:    "Time to take a container from spec to Created",
			Buckets: prometheus.DefBuckets,
		},
	)

	ColdStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_cold_start_duration_seconds",
			Help:    "Time to take a container from spec to Running via the cold path",
			Buckets: prometheus.DefBuckets,
		},
	)

	WarmStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_warm_start_duration_seconds",
			Help:    "Time to take a container from request to Running via restore or pre-warm claim",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_container_stop_duration_seconds",
			Help:    "Time to stop a running container",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_checkpoint_duration_seconds",
			Help:    "Time to checkpoint a running container",
			Buckets: prometheus.DefBuckets,
		},
	)

	RestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_restore_duration_seconds",
			Help:    "Time to restore a container from a checkpoint image",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImagePullDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_image_pull_duration_seconds",
			Help:    "Time to resolve and pull an image's manifest and layers",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"registry"},
	)

	LayerExtractDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_layer_extract_duration_seconds",
			Help:    "Time to decompress and extract one layer to the diff store",
			Buckets: prometheus.DefBuckets,
		},
	)

	PortAllocDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_port_alloc_duration_seconds",
			Help:    "Time to allocate a host port for a container",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	PredictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperboxd_prediction_duration_seconds",
			Help:    "Time to produce a ranked prediction set for pre-warm top-up",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ImagesTotal)
	prometheus.MustRegister(PrewarmPoolSize)

	prometheus.MustRegister(ColdStartsTotal)
	prometheus.MustRegister(WarmStartsTotal)
	prometheus.MustRegister(PrewarmHitsTotal)
	prometheus.MustRegister(PrewarmMissesTotal)

	prometheus.MustRegister(CheckpointsCreatedTotal)
	prometheus.MustRegister(RestoresTotal)
	prometheus.MustRegister(RestoresFailedTotal)
	prometheus.MustRegister(CheckpointsExpiredTotal)

	prometheus.MustRegister(LazyLoadHitsTotal)
	prometheus.MustRegister(LazyLoadMissesTotal)

	prometheus.MustRegister(MemoryPressureAvg10)
	prometheus.MustRegister(BalloonAdjustmentsTotal)
	prometheus.MustRegister(SwappinessAdjustmentsTotal)

	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ColdStartDuration)
	prometheus.MustRegister(WarmStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(CheckpointDuration)
	prometheus.MustRegister(RestoreDuration)
	prometheus.MustRegister(ImagePullDuration)
	prometheus.MustRegister(LayerExtractDuration)
	prometheus.MustRegister(PortAllocDuration)
	prometheus.MustRegister(PredictionDuration)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// counterValue reads a counter's current value back out through the
// Metric.Write protocol every prometheus.Collector implements, rather than
// keeping a second, easily-drifting tally alongside the registered metric.
func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// histogramAvgMS reads a histogram's sample count and sum back out and
// returns the mean observation in milliseconds, or 0 if it has never
// observed anything.
func histogramAvgMS(h prometheus.Histogram) float64 {
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		return 0
	}
	hist := m.GetHistogram()
	if hist.GetSampleCount() == 0 {
		return 0
	}
	return (hist.GetSampleSum() / float64(hist.GetSampleCount())) * 1000
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Snapshot reads every registered counter and histogram back into the
// point-in-time struct the operational API hands out.
func Snapshot() types.Metrics {
	return types.Metrics{
		ColdStarts:         counterValue(ColdStartsTotal),
		WarmStarts:         counterValue(WarmStartsTotal),
		CheckpointsCreated: counterValue(CheckpointsCreatedTotal),
		Restores:           counterValue(RestoresTotal),
		LazyLoadHits:       counterValue(LazyLoadHitsTotal),
		LazyLoadMisses:     counterValue(LazyLoadMissesTotal),
		PrewarmHits:        counterValue(PrewarmHitsTotal),
		PrewarmMisses:      counterValue(PrewarmMissesTotal),
		AvgColdStartMS:     histogramAvgMS(ColdStartDuration),
		AvgWarmStartMS:     histogramAvgMS(WarmStartDuration),
	}
}
