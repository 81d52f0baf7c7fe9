/*
Package api declares the boundary the daemon core is reached through: a
handful of service interfaces, a generic response envelope, and the SSE
framing helpers a front-end surface needs to speak the log-streaming wire
format. It does not implement an HTTP or gRPC route tree — an external
front-end (out of scope for this module) implements the routes and calls
through these interfaces, which pkg/daemon implements with adapter types
its Daemon hands out.

The one thing this package does serve directly is the ambient operational
surface: a minimal mux exposing /health, /ready and /metrics, since those
are liveness/observability endpoints rather than front-end API surface.
*/
package api
