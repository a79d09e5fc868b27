// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of a measurement run.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: bytes, datagrams, runs.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BytesTotal counts the test payload bytes moved on the data channel,
	// labeled by transport and by whether this side sent or received them.
	//
	// Provides metrics:
	//   iperf3_bytes_total
	// Example usage:
	//   metrics.BytesTotal.WithLabelValues("udp", "send").Add(float64(n))
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iperf3_bytes_total",
			Help: "Test payload bytes moved on the data channel.",
		}, []string{"proto", "direction"})

	// PacketsTotal counts data-channel accounting events: one per UDP
	// datagram, one per TCP send or full-buffer receive.
	//
	// Provides metrics:
	//   iperf3_packets_total
	// Example usage:
	//   metrics.PacketsTotal.WithLabelValues("tcp", "recv").Inc()
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iperf3_packets_total",
			Help: "Data channel accounting events (datagrams, or TCP buffer transfers).",
		}, []string{"proto", "direction"})

	// LostPacketsTotal counts the datagrams a receiver inferred as lost
	// from gaps in the sender's sequence ids.
	LostPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iperf3_lost_packets_total",
			Help: "Datagrams inferred lost from sequence id gaps.",
		},
	)

	// RunsTotal counts completed runs by role and outcome.
	//
	// Provides metrics:
	//   iperf3_runs_total
	// Example usage:
	//   metrics.RunsTotal.WithLabelValues("server", "ok").Inc()
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iperf3_runs_total",
			Help: "Completed test runs.",
		}, []string{"role", "outcome"})

	// PollWakeHistogram tracks the interval between data-pump poll wakes.
	// The pacing timer bounds this from above, so most observations should
	// fall at or below one pacing interval.
	PollWakeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iperf3_poll_wake_interval_histogram",
			Help:    "data pump poll wake interval distribution (seconds)",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	// IntervalBytesHistogram tracks the bytes moved per stats interval.
	IntervalBytesHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "iperf3_interval_bytes_histogram",
			Help: "bytes per stats interval histogram",
			Buckets: []float64{
				0, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000,
			},
		})

	// ErrorCount measures the number of errors
	//
	// Provides metrics:
	//    iperf3_error_total
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "protocol"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iperf3_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in iperf3/metrics are registered.")
}
