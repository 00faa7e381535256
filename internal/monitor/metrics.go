package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts submitted orders by final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_orders_total",
		Help: "Orders submitted, partitioned by outcome",
	}, []string{"account", "exchange", "side", "status"})

	// CallRetries counts retried connector calls.
	CallRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_call_retries_total",
		Help: "Connector calls retried after a retryable error",
	}, []string{"account", "exchange", "op"})

	// BreakerTrips counts local circuit breaker trips.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_breaker_trips_total",
		Help: "Local circuit breaker trips",
	}, []string{"account", "exchange"})

	// CycleAborts counts scan cycles cut short by the global breaker.
	CycleAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_cycle_aborts_total",
		Help: "Scan cycles aborted by the per-cycle failure threshold",
	}, []string{"account", "exchange"})

	PartialFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_partial_fills_total",
		Help: "Orders that filled short of the tolerance",
	}, []string{"account", "exchange"})

	Positions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_positions",
		Help: "Open positions per account and exchange",
	}, []string{"account", "exchange"})

	PositionsOverCap = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_positions_over_cap",
		Help: "Open positions minus the position cap",
	}, []string{"account", "exchange"})

	// ManagementState is 1 for the account's current state and 0 otherwise.
	ManagementState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_management_state",
		Help: "Current position management state",
	}, []string{"account", "exchange", "state"})

	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_health_score",
		Help: "Exchange health score (0-100)",
	}, []string{"account", "exchange"})

	AccountDisabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_account_disabled",
		Help: "1 when the account was disabled after an auth or permission failure",
	}, []string{"account", "exchange"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execcore_cycle_duration_seconds",
		Help:    "Trading loop cycle duration",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"account", "exchange"})
)

// SetState marks state as the active one among states for the account's
// loop on exchange.
func SetState(account, exchange, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		ManagementState.WithLabelValues(account, exchange, s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
