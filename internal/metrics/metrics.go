// Package metrics declares the process-wide Prometheus collectors the
// worker runtime and coordinator update, in the style of the
// teacher's own cmd/coordinated/metrics.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesHandled counts Handle calls labeled by disposition
	// (ack/nack) and outcome: acks for success, already_succeeded and
	// redundant, and nacks from a render or upload failure ("failed").
	// Nacks for a malformed message or a record-store error on read,
	// claim or finalize are not counted.
	MessagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenshotworker",
			Name:      "messages_handled_total",
			Help:      "Number of queue messages processed by the coordinator",
		},
		[]string{"disposition", "outcome"},
	)

	// RenderSeconds observes wall-clock time spent inside a single
	// Renderer.Render call, successful or not.
	RenderSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "screenshotworker",
			Name:      "render_seconds",
			Help:      "Seconds spent rendering a single screenshot",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	// EngineRelaunches counts how many times the renderer has had to
	// tear down and recreate its browser engine handle.
	EngineRelaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "screenshotworker",
			Name:      "engine_relaunches_total",
			Help:      "Number of times the headless browser engine was relaunched",
		},
	)

	// StaleTakeovers counts consumerProcessing records reclaimed from
	// a presumed-dead owner.
	StaleTakeovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "screenshotworker",
			Name:      "stale_takeovers_total",
			Help:      "Number of stale consumerProcessing records taken over by a new worker",
		},
	)

	// RecordStoreThrottles counts ErrThrottled responses from the
	// record store, before any retry succeeds or the call is given up.
	RecordStoreThrottles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "screenshotworker",
			Name:      "record_store_throttles_total",
			Help:      "Number of record store calls that returned a throttling error",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesHandled,
		RenderSeconds,
		EngineRelaunches,
		StaleTakeovers,
		RecordStoreThrottles,
	)
}

// ObserveRender records the duration of a render call measured from
// start.
func ObserveRender(start time.Time) {
	RenderSeconds.Observe(time.Since(start).Seconds())
}
