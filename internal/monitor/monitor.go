// Package monitor tracks order-flow statistics and exposes them for
// Prometheus scraping.
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddiefleurent/signal_bridge/internal/engine"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

const historyLimit = 256

// Monitor satisfies the trading core's metrics hook.
var _ engine.Metrics = (*Monitor)(nil)

// HistoryEntry is one recorded order-flow event for the status surface.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Monitor implements the trading core's metrics hook on a private Prometheus
// registry and keeps a bounded in-memory event history.
type Monitor struct {
	registry *prometheus.Registry

	signalsTotal     *prometheus.CounterVec
	ordersPlaced     *prometheus.CounterVec
	ordersFilled     prometheus.Counter
	ordersCancelled  prometheus.Counter
	ordersRejected   prometheus.Counter
	ordersResubmit   prometheus.Counter
	ordersAbandoned  prometheus.Counter
	pendingOrders    prometheus.Gauge
	connectionStatus prometheus.Gauge

	mu      sync.Mutex
	history []HistoryEntry
}

// New creates a monitor with all collectors registered.
func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "signals_total",
			Help:      "Signals received, labelled by outcome.",
		}, []string{"outcome"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "orders_placed_total",
			Help:      "Orders placed, labelled by order type.",
		}, []string{"type"}),
		ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "orders_filled_total",
			Help:      "Orders that reached a fill.",
		}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled, including sweep cancels.",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by the broker.",
		}),
		ordersResubmit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "orders_resubmitted_total",
			Help:      "Timed-out limit orders replaced at a fresh price.",
		}),
		ordersAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "orders_abandoned_total",
			Help:      "Pending orders dropped after exhausting resubmissions.",
		}),
		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "pending_orders",
			Help:      "Limit orders currently awaiting fill.",
		}),
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "broker_connection_up",
			Help:      "1 when the broker link is established.",
		}),
	}

	m.registry.MustRegister(
		m.signalsTotal,
		m.ordersPlaced,
		m.ordersFilled,
		m.ordersCancelled,
		m.ordersRejected,
		m.ordersResubmit,
		m.ordersAbandoned,
		m.pendingOrders,
		m.connectionStatus,
	)
	return m
}

// Handler returns the scrape endpoint for this monitor's registry.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SignalReceived counts one inbound signal by outcome.
func (m *Monitor) SignalReceived(accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.signalsTotal.WithLabelValues(outcome).Inc()
	m.record("signal", outcome)
}

// OrderPlaced counts one placed order by type.
func (m *Monitor) OrderPlaced(orderType models.OrderType) {
	m.ordersPlaced.WithLabelValues(string(orderType)).Inc()
	m.record("placed", string(orderType))
}

// OrderFilled counts one filled order.
func (m *Monitor) OrderFilled() {
	m.ordersFilled.Inc()
	m.record("filled", "")
}

// OrderCancelled counts one cancelled order.
func (m *Monitor) OrderCancelled() {
	m.ordersCancelled.Inc()
	m.record("cancelled", "")
}

// OrderRejected counts one broker-rejected order.
func (m *Monitor) OrderRejected() {
	m.ordersRejected.Inc()
	m.record("rejected", "")
}

// OrderResubmitted counts one cancel-and-replace.
func (m *Monitor) OrderResubmitted() {
	m.ordersResubmit.Inc()
	m.record("resubmitted", "")
}

// OrderAbandoned counts one abandoned intent.
func (m *Monitor) OrderAbandoned() {
	m.ordersAbandoned.Inc()
	m.record("abandoned", "")
}

// SetPendingCount updates the pending-order gauge.
func (m *Monitor) SetPendingCount(n int) {
	m.pendingOrders.Set(float64(n))
}

// SetConnectionUp updates the broker link gauge.
func (m *Monitor) SetConnectionUp(up bool) {
	if up {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
	m.record("connection", map[bool]string{true: "up", false: "down"}[up])
}

// History returns a copy of the recent event log, newest last.
func (m *Monitor) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) record(kind, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, HistoryEntry{At: time.Now(), Kind: kind, Detail: detail})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}
