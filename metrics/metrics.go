// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the netlink transport.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: queries, datagrams, replies.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryTimeHistogram tracks the latency of a full query: send plus
	// every reply read up to the terminating datagram.
	QueryTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gnl_query_time_histogram",
			Help: "generic netlink query latency distribution",
			Buckets: []float64{
				0.001, 0.00125, 0.0016, 0.002, 0.0025, 0.0032, 0.004, 0.005, 0.0063, 0.0079,
				0.01, 0.0125, 0.016, 0.02, 0.025, 0.032, 0.04, 0.05, 0.063, 0.079,
				0.1, 0.125, 0.16, 0.2,
			},
		},
		[]string{"schema"})

	// ReplyCountHistogram tracks the number of reply messages per query.
	// Dump queries can return many; plain requests return zero or one.
	ReplyCountHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gnl_reply_count_histogram",
			Help: "reply messages per query",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000, 10000,
			},
		},
		[]string{"schema"})

	// ErrorCount measures the number of failed queries, by error kind.
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "kernel"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gnl_error_total",
			Help: "The total number of query errors encountered.",
		}, []string{"type"})

	// FamilyResolutionCount counts controller round trips.  Cache hits do
	// not increment it, so a growing count against a fixed set of families
	// means the cache is not doing its job.
	FamilyResolutionCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gnl_family_resolution_total",
			Help: "Number of family name resolutions sent to the kernel.",
		})

	// DiscardCount counts datagrams dropped without being decoded.
	DiscardCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gnl_discarded_datagram_total",
			Help: "Datagrams discarded without decoding.",
		}, []string{"reason"})
)
