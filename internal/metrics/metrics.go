// Package metrics exposes the engine's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grid_engine"

// Metrics groups every collector the engine updates.
type Metrics struct {
	ticks          *prometheus.CounterVec
	feedDegraded   *prometheus.GaugeVec
	ordersSent     *prometheus.CounterVec
	ordersDone     *prometheus.CounterVec
	ackLatency     prometheus.Histogram
	exchangeErrors *prometheus.CounterVec
	riskDenials    *prometheus.CounterVec
	positionSize   *prometheus.GaugeVec
	unrealizedPnL  *prometheus.GaugeVec
	realizedPnL    *prometheus.GaugeVec
	dailyPnL       prometheus.Gauge
	multiplier     prometheus.Gauge
	emergency      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Price ticks delivered to trading loops.",
		}, []string{"symbol", "source"}),
		feedDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "feed_degraded", Help: "1 while a symbol's feed is on the polling fallback.",
		}, []string{"symbol"}),
		ordersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_submitted_total", Help: "Orders handed to the exchange.",
		}, []string{"symbol", "purpose"}),
		ordersDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_terminal_total", Help: "Orders that reached a terminal state.",
		}, []string{"symbol", "state"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_ack_seconds", Help: "Time from submission to exchange acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		exchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exchange_errors_total", Help: "Classified exchange call failures.",
		}, []string{"op", "kind"}),
		riskDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_denials_total", Help: "Orders denied by the risk gate.",
		}, []string{"symbol", "reason"}),
		positionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "position_size", Help: "Signed position size.",
		}, []string{"symbol"}),
		unrealizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unrealized_pnl", Help: "Unrealized PnL in quote currency.",
		}, []string{"symbol"}),
		realizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "realized_pnl", Help: "Session realized PnL in quote currency.",
		}, []string{"symbol"}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_pnl", Help: "Realized PnL since the last daily boundary.",
		}),
		multiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cover_loss_multiplier", Help: "Current cover-loss order size multiplier.",
		}),
		emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "emergency_stopped", Help: "1 while the emergency stop is engaged.",
		}),
	}
	reg.MustRegister(
		m.ticks, m.feedDegraded, m.ordersSent, m.ordersDone, m.ackLatency, m.exchangeErrors,
		m.riskDenials, m.positionSize, m.unrealizedPnL, m.realizedPnL, m.dailyPnL, m.multiplier, m.emergency,
	)
	return m
}

func (m *Metrics) Tick(symbol, source string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(symbol, source).Inc()
}

func (m *Metrics) FeedDegraded(symbol string, degraded bool) {
	if m == nil {
		return
	}
	m.feedDegraded.WithLabelValues(symbol).Set(boolValue(degraded))
}

func (m *Metrics) OrderSubmitted(symbol, purpose string) {
	if m == nil {
		return
	}
	m.ordersSent.WithLabelValues(symbol, purpose).Inc()
}

func (m *Metrics) OrderTerminal(symbol, state string) {
	if m == nil {
		return
	}
	m.ordersDone.WithLabelValues(symbol, state).Inc()
}

func (m *Metrics) AckLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(d.Seconds())
}

func (m *Metrics) ExchangeError(op, kind string) {
	if m == nil {
		return
	}
	m.exchangeErrors.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) RiskDenied(symbol, reason string) {
	if m == nil {
		return
	}
	m.riskDenials.WithLabelValues(symbol, reason).Inc()
}

// Position records the signed size and PnL of one symbol.
func (m *Metrics) Position(symbol string, size, unrealized, realized float64) {
	if m == nil {
		return
	}
	m.positionSize.WithLabelValues(symbol).Set(size)
	m.unrealizedPnL.WithLabelValues(symbol).Set(unrealized)
	m.realizedPnL.WithLabelValues(symbol).Set(realized)
}

// Session records the process-wide risk and cover-loss gauges.
func (m *Metrics) Session(dailyPnL, multiplier float64, emergency bool) {
	if m == nil {
		return
	}
	m.dailyPnL.Set(dailyPnL)
	m.multiplier.Set(multiplier)
	m.emergency.Set(boolValue(emergency))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
