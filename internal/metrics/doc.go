// Package metrics defines the Prometheus metrics exported by the service.
//
// All metrics are created through promauto against an explicit registerer so
// that tests can use a private registry and the server can expose the default
// one on /metrics.
package metrics
