// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the number of running trading sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spreadbot_active_sessions",
		Help: "Number of currently running trading sessions",
	})

	// AvailableCapital tracks the base-currency capital not committed to any session.
	AvailableCapital = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spreadbot_available_capital",
		Help: "Base currency capital available for new sessions",
	})

	// SessionsStarted counts sessions started, partitioned by risk profile.
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadbot_sessions_started_total",
		Help: "Total trading sessions started",
	}, []string{"profile"})

	// SessionsFinished counts sessions that reached the terminal state, partitioned by risk profile.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadbot_sessions_finished_total",
		Help: "Total trading sessions finished",
	}, []string{"profile"})

	// OrdersSubmitted counts order intents accepted by the exchange, partitioned by action.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadbot_orders_submitted_total",
		Help: "Total order intents accepted by the exchange",
	}, []string{"action"})

	// ExchangeErrors counts classified exchange errors seen by sessions.
	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadbot_exchange_errors_total",
		Help: "Exchange errors by kind",
	}, []string{"kind"})

	// RegistryCallbackErrors counts subscriber callbacks that failed or panicked.
	RegistryCallbackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadbot_registry_callback_errors_total",
		Help: "Subscriber callbacks that returned an error or panicked",
	}, []string{"registry"})

	// DroppedBatches counts feed batches discarded because their sequence was stale.
	DroppedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadbot_dropped_batches_total",
		Help: "Feed batches dropped because of a stale sequence number",
	}, []string{"feed"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
