// Package metrics declares the prometheus collectors vtsd exposes,
// grounded on runZeroInc-sockstats's use of prometheus/client_golang
// for long-running daemon instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ReactorScheduledCallsTotal counts every call handed to the
	// reactor's scheduler, successful or cancelled.
	ReactorScheduledCallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_scheduled_calls_total",
		Help: "Total scheduled calls accepted by the reactor.",
	})

	// ReactorPendingCalls tracks the current timer-heap size.
	ReactorPendingCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_pending_calls",
		Help: "Number of scheduled calls currently pending in the reactor's timer heap.",
	})

	// VTSHandshakes counts completed VTS handshakes by result
	// ("ok", "aborted").
	VTSHandshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vts_handshakes_total",
		Help: "VTS channel handshakes by outcome.",
	}, []string{"result"})

	// VTSFrames counts framed messages by direction ("in"/"out").
	VTSFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vts_frames_total",
		Help: "Framed VTS messages processed by direction.",
	}, []string{"direction"})

	// FlowBytes counts plaintext bytes moved through the
	// producer/consumer fabric by direction ("in"/"out").
	FlowBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_bytes_total",
		Help: "Bytes moved through the producer/consumer fabric by direction.",
	}, []string{"direction"})
)

// Registry returns a fresh registry with all vtsd collectors
// registered, suitable for promhttp.HandlerFor in cmd/vtsd.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		ReactorScheduledCallsTotal,
		ReactorPendingCalls,
		VTSHandshakes,
		VTSFrames,
		FlowBytes,
	)
	return r
}
