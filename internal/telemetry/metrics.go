// Package telemetry exposes operational metrics in Prometheus text format.
//
// Metrics live on an engine-scoped struct rather than package globals so a
// test (or a second engine) gets its own registry. Serving failures never
// affect trading.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the agent's metric set.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced    *prometheus.CounterVec // side
	OrdersCancelled prometheus.Counter
	Fills           *prometheus.CounterVec // model, side
	RiskRejections  *prometheus.CounterVec // reason
	FeedEvents      *prometheus.CounterVec // kind
	ScanCycles      prometheus.Counter
	TotalPnL        prometheus.Gauge
	RealizedPnL     prometheus.Gauge
	OpenPositions   prometheus.Gauge
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_orders_placed_total",
			Help: "Orders placed, by side",
		}, []string{"side"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_orders_cancelled_total",
			Help: "Orders cancelled",
		}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_fills_total",
			Help: "Simulated fills, by fill model and side",
		}, []string{"model", "side"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_risk_rejections_total",
			Help: "Pre-trade rejections, by reason",
		}, []string{"reason"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_feed_events_total",
			Help: "Normalized feed events consumed, by kind",
		}, []string{"kind"}),
		ScanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_scan_cycles_total",
			Help: "Completed market discovery cycles",
		}),
		TotalPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_total_pnl",
			Help: "Realized plus mark-to-market unrealized P&L",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_realized_pnl",
			Help: "Realized P&L",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_open_positions",
			Help: "Markets with a non-zero position",
		}),
	}
	reg.MustRegister(
		m.OrdersPlaced, m.OrdersCancelled, m.Fills, m.RiskRejections,
		m.FeedEvents, m.ScanCycles,
		m.TotalPnL, m.RealizedPnL, m.OpenPositions,
	)
	return m
}

// Serve runs the /metrics endpoint until ctx is cancelled. Always returns
// nil after a clean shutdown; a listener failure is logged, not fatal —
// telemetry must never stop trading.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
		return nil
	}
}
