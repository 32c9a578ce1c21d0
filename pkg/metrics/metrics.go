// Package metrics exposes the Prometheus series this module emits for
// request traffic, protocol exceptions, transport faults, and polled-device
// scheduling.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_requests_total",
		Help: "Total requests issued by a client endpoint, by function and status",
	}, []string{"endpoint", "function", "status"})

	ExceptionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_exceptions_total",
		Help: "Total exception responses received, by function and exception code",
	}, []string{"endpoint", "function", "code"})

	CRCErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_crc_errors_total",
		Help: "Total RTU frames discarded for a CRC mismatch",
	}, []string{"endpoint"})

	TimeoutCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_timeouts_total",
		Help: "Total requests that did not receive a response in time",
	}, []string{"endpoint"})

	ConnectedServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modbus_connected_servers",
		Help: "Number of client connections currently open on a TCP server",
	})

	PollTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modbus_poll_tick_duration_seconds",
		Help:    "Wall-clock duration of one polled-device poll tick",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})
)

// Status label values for RequestCount.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// IncRequest increments the request counter for endpoint/function/status.
func IncRequest(endpoint, function, status string) {
	RequestCount.WithLabelValues(endpoint, function, status).Inc()
}

// IncException increments the exception counter for endpoint/function/code.
func IncException(endpoint, function, code string) {
	ExceptionCount.WithLabelValues(endpoint, function, code).Inc()
}

// IncCRCError increments the CRC-error counter for endpoint.
func IncCRCError(endpoint string) {
	CRCErrorCount.WithLabelValues(endpoint).Inc()
}

// IncTimeout increments the timeout counter for endpoint.
func IncTimeout(endpoint string) {
	TimeoutCount.WithLabelValues(endpoint).Inc()
}

// SetConnectedServers sets the current count of client connections open on
// a TCP server.
func SetConnectedServers(count int) {
	ConnectedServers.Set(float64(count))
}

// ObservePollTick records how long one device's poll tick took.
func ObservePollTick(device string, seconds float64) {
	PollTickDuration.WithLabelValues(device).Observe(seconds)
}
