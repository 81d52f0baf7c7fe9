package api

import (
	"encoding/json"
	"net/http"

	"github.com/hyperbox/hyperboxd/pkg/metrics"
)

// NewOperationalMux returns the ambient liveness/observability surface:
// /health, /ready, /api/v1/ping and /metrics. This is the only HTTP route
// tree this package serves directly; everything container/image/project
// shaped is left to an out-of-scope front-end driving the Service
// interfaces in api.go.
func NewOperationalMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/api/v1/ping", pingHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Ok("pong"))
}
