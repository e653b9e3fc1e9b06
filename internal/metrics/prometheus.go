package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/cellshot/internal/rpc"
)

// PrometheusMetrics holds all Prometheus metrics for the harness. Methods on a
// nil *PrometheusMetrics are no-ops.
type PrometheusMetrics struct {
	TxsTotal       *prometheus.CounterVec
	HarvestsTotal  *prometheus.CounterVec
	BlocksSynced   prometheus.Counter
	LedgerErrors   *prometheus.CounterVec
	RPCRequests    *prometheus.CounterVec
	RPCDuration    *prometheus.HistogramVec
	SendLatency    prometheus.Histogram
	CursorHeight   *prometheus.GaugeVec
	UnspentOutputs prometheus.Gauge
	TPS            *prometheus.GaugeVec
	AvgLatency     *prometheus.GaugeVec
	InFlight       prometheus.Gauge
	Saturated      prometheus.Counter
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shot_txs_sent_total",
				Help: "Load transactions dispatched, by result",
			},
			[]string{"result"},
		),

		HarvestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shot_harvests_total",
				Help: "Harvest attempts per block, by result",
			},
			[]string{"result"},
		),

		BlocksSynced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shot_blocks_synced_total",
				Help: "Blocks whose facts were recorded",
			},
		),

		LedgerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shot_ledger_errors_total",
				Help: "Ledger operation failures, by operation",
			},
			[]string{"op"},
		),

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shot_rpc_requests_total",
				Help: "RPC requests by method and status",
			},
			[]string{"method", "status"},
		),

		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shot_rpc_duration_seconds",
				Help:    "RPC latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),

		SendLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shot_send_latency_seconds",
				Help:    "Round trip of send_transaction for load transactions",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),

		CursorHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shot_cursor_height",
				Help: "Ledger cursor heights",
			},
			[]string{"name"},
		),

		UnspentOutputs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shot_unspent_outputs",
				Help: "Owned outputs not yet submitted",
			},
		),

		TPS: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shot_tps",
				Help: "Confirmed transactions per second, by window",
			},
			[]string{"window"},
		),

		AvgLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shot_inclusion_latency_avg_seconds",
				Help: "Average inclusion latency, by window",
			},
			[]string{"window"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shot_in_flight",
				Help: "Load transactions currently being sent",
			},
		),

		Saturated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shot_dispatch_saturated_total",
				Help: "Sends that waited because every in-flight slot was taken",
			},
		),
	}
}

// knownRPCMethods bounds the method label cardinality.
var knownRPCMethods = map[string]bool{
	"get_tip_block_number":   true,
	"get_block_by_number":    true,
	"send_transaction":       true,
	"get_cells_by_lock_hash": true,
}

// ObserveRPC records one RPC call.
func (m *PrometheusMetrics) ObserveRPC(method string, err error, started time.Time) {
	if m == nil {
		return
	}
	if !knownRPCMethods[method] {
		method = "other"
	}
	m.RPCRequests.WithLabelValues(method, rpc.StatusLabel(err)).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

// RecordSend records the outcome of one load transaction.
func (m *PrometheusMetrics) RecordSend(passed bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	m.TxsTotal.WithLabelValues(result).Inc()
	m.SendLatency.Observe(latency.Seconds())
}

// RecordHarvest records a harvest attempt result: sent, poor, failed or error.
func (m *PrometheusMetrics) RecordHarvest(result string) {
	if m == nil {
		return
	}
	m.HarvestsTotal.WithLabelValues(result).Inc()
}

// RecordBlockSynced counts one recorded block.
func (m *PrometheusMetrics) RecordBlockSynced() {
	if m == nil {
		return
	}
	m.BlocksSynced.Inc()
}

// RecordLedgerError counts a failed ledger operation.
func (m *PrometheusMetrics) RecordLedgerError(op string) {
	if m == nil {
		return
	}
	m.LedgerErrors.WithLabelValues(op).Inc()
}

// SetCursor updates a cursor gauge.
func (m *PrometheusMetrics) SetCursor(name string, height uint64) {
	if m == nil {
		return
	}
	m.CursorHeight.WithLabelValues(name).Set(float64(height))
}

// SetUnspent updates the owned inventory gauge.
func (m *PrometheusMetrics) SetUnspent(n uint64) {
	if m == nil {
		return
	}
	m.UnspentOutputs.Set(float64(n))
}

// SetWindow updates throughput and latency gauges for a statistics window.
func (m *PrometheusMetrics) SetWindow(window string, tps, avgLatencySeconds float64) {
	if m == nil {
		return
	}
	m.TPS.WithLabelValues(window).Set(tps)
	m.AvgLatency.WithLabelValues(window).Set(avgLatencySeconds)
}

// SetInFlight updates the in-flight gauge.
func (m *PrometheusMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// RecordSaturated counts a send that waited for an in-flight slot.
func (m *PrometheusMetrics) RecordSaturated() {
	if m == nil {
		return
	}
	m.Saturated.Inc()
}
