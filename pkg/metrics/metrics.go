package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OperationLatency records latency distribution per exposed operation
// (create_and_match, cancel_order, update_order, get_validated_price, ...)
var OperationLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "swapmatch_operation_latency_seconds",
		Help:    "Latency in seconds per core operation",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// OrdersCreated counts accepted orders by side (BUY/SELL)
var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swapmatch_orders_created_total",
		Help: "Total number of orders accepted by the validation gate",
	},
	[]string{"type"},
)

// FillsTotal counts fills by settlement outcome (SETTLED/FAILED)
var FillsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swapmatch_fills_total",
		Help: "Total number of fills produced by the matching engine",
	},
	[]string{"status"},
)

// Oracle feed metrics
var (
	OracleSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapmatch_oracle_samples_total",
			Help: "Price samples returned by each feed",
		},
		[]string{"source"},
	)

	OracleFeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapmatch_oracle_feed_errors_total",
			Help: "Feed failures after local retries were exhausted",
		},
		[]string{"source"},
	)
)

// OrderEvents counts published lifecycle events by type
var OrderEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swapmatch_order_events_total",
		Help: "Order lifecycle events published",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(OperationLatency, OrdersCreated, FillsTotal)
	prometheus.MustRegister(OracleSamples, OracleFeedErrors, OrderEvents)
}
