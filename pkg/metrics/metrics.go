package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CyclesTotal counts trade queue cycles by outcome (ok/with_errors)
var CyclesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxarena_trade_queue_cycles_total",
		Help: "Total number of trade queue cycles run",
	},
	[]string{"outcome"},
)

// CycleDuration records the wall time of a full trade queue cycle
var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fxarena_trade_queue_cycle_duration_seconds",
		Help:    "Duration in seconds of a trade queue cycle",
		Buckets: prometheus.DefBuckets,
	},
)

// Order and position transitions driven by the engine
var (
	OrdersExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxarena_orders_executed_total",
			Help: "Orders filled by the engine",
		},
		[]string{"side", "type"},
	)

	OrdersTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxarena_orders_terminated_total",
			Help: "Orders moved to cancelled, expired or rejected",
		},
		[]string{"status"},
	)

	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxarena_positions_closed_total",
			Help: "Positions closed by reason",
		},
		[]string{"reason"},
	)

	LiquidationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxarena_liquidation_requests_total",
			Help: "Liquidation requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Price feed health
var (
	QuoteFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxarena_quote_fetch_failures_total",
			Help: "Failed batch quote fetches by cause",
		},
		[]string{"cause"},
	)

	QuoteCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxarena_quote_cache_hits_total",
			Help: "Quotes served from cache by freshness",
		},
		[]string{"freshness"},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxarena_price_feed_breaker_state",
			Help: "Price feed circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)

// EventsDropped counts domain events discarded because the outbound buffer was full
var EventsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fxarena_events_dropped_total",
		Help: "Domain events dropped by the outbound bus",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(CyclesTotal, CycleDuration)
	prometheus.MustRegister(OrdersExecuted, OrdersTerminated, PositionsClosed, LiquidationRequests)
	prometheus.MustRegister(QuoteFetchFailures, QuoteCacheHits, BreakerState)
	prometheus.MustRegister(EventsDropped)
}
