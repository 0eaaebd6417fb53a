// Package api hosts the operator HTTP listener. Notable routes:
//   - GET / and /test for liveness pings from uptime checkers.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the completion counters.
package api
