/*
Package metrics defines and registers all Prometheus metrics exposed by the
daemon, and the handlers that serve /metrics, /health and /ready.

# Metrics Catalog

Lifecycle gauges:

	hyperboxd_containers_total{lifecycle}   current containers by lifecycle state
	hyperboxd_images_total                  locally cached images
	hyperboxd_prewarm_pool_size{fingerprint} idle pre-warmed instances per fingerprint

Start-path counters:

	hyperboxd_cold_starts_total
	hyperboxd_warm_starts_total
	hyperboxd_prewarm_hits_total
	hyperboxd_prewarm_misses_total

Checkpoint/restore counters:

	hyperboxd_checkpoints_created_total
	hyperboxd_restores_total
	hyperboxd_restores_failed_total{reason}
	hyperboxd_checkpoints_expired_total

Image and layer cache counters:

	hyperboxd_lazy_load_hits_total
	hyperboxd_lazy_load_misses_total

Memory controller gauges:

	hyperboxd_memory_pressure_avg10
	hyperboxd_balloon_adjustments_total{direction}
	hyperboxd_swappiness_adjustments_total{tier}

Operation latency histograms:

	hyperboxd_container_create_duration_seconds
	hyperboxd_cold_start_duration_seconds
	hyperboxd_warm_start_duration_seconds
	hyperboxd_container_stop_duration_seconds
	hyperboxd_checkpoint_duration_seconds
	hyperboxd_restore_duration_seconds
	hyperboxd_image_pull_duration_seconds{registry}
	hyperboxd_layer_extract_duration_seconds
	hyperboxd_port_alloc_duration_seconds
	hyperboxd_prediction_duration_seconds

# Usage

Counters and gauges are package-level variables, registered once in init():

	metrics.ColdStartsTotal.Inc()
	metrics.ContainersTotal.WithLabelValues("running").Set(12)

The Timer helper wraps the start/observe pattern for histograms:

	timer := metrics.NewTimer()
	err := coldStart(ctx, spec)
	timer.ObserveDuration(metrics.ColdStartDuration)

Gauges that require periodic sampling rather than inline updates (container
counts by lifecycle, pre-warm pool sizes) are driven by a Collector, which
polls a Snapshotter supplied by the daemon every 15 seconds.

# Health and Readiness

RegisterComponent and UpdateComponent record per-component health used by
the /health and /ready HTTP handlers. Readiness additionally requires the
containerd, storage and network components to have reported healthy at
least once.
*/
package metrics
