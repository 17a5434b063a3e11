// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 预留路径与事件处理路径的核心指标。
// 命名遵循 prometheus 惯例: <subsystem>_<name>_<unit>。
var (
	ReservationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservation_requests_total",
		Help: "Total reservation requests by outcome.",
	}, []string{"outcome"}) // success / validation_error / insufficient_stock / not_found / conflict / timeout

	ReservationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reservation_duration_seconds",
		Help:    "Latency of the synchronous Reserve operation.",
		Buckets: prometheus.DefBuckets,
	})

	StockVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_version_conflicts_total",
		Help: "Optimistic lock conflicts observed while mutating stock.",
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_events_processed_total",
		Help: "Inbound events by type and outcome.",
	}, []string{"type", "outcome"}) // processed / duplicate / error

	ResultEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_result_events_emitted_total",
		Help: "Outbound StockDebited events by outcome.",
	}, []string{"outcome"}) // ok / error
)
