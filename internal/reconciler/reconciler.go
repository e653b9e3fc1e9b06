// Package reconciler periodically turns ledger contents into throughput and
// latency reports. It never writes to the ledger.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/cellshot/internal/clock"
	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/storage"
)

const (
	// DefaultWindow is the number of trailing blocks in the last-window stats.
	DefaultWindow uint64 = 50

	defaultInterval = 5 * time.Second
)

// reportedCursors are read into every report.
var reportedCursors = []string{
	storage.CursorTip,
	storage.CursorChain,
	storage.CursorTurn,
	storage.CursorHarvested,
	storage.CursorHarvestChecked,
}

// Stats describes confirmed load transactions over a range of turn heights.
type Stats struct {
	From         uint64  `json:"from"`
	Count        uint64  `json:"count"`
	ElapsedMs    int64   `json:"elapsedMs"`
	TPS          float64 `json:"tps"`
	MinLatencyMs int64   `json:"minLatencyMs"`
	MaxLatencyMs int64   `json:"maxLatencyMs"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// NewStats derives rates from raw ledger statistics.
func NewStats(from uint64, s storage.Statistics) Stats {
	st := Stats{
		From:         from,
		Count:        s.Count,
		ElapsedMs:    s.LastTimestamp - s.FirstTimestamp,
		MinLatencyMs: s.MinLatency,
		MaxLatencyMs: s.MaxLatency,
	}
	if st.ElapsedMs > 0 {
		st.TPS = float64(s.Count) / (float64(st.ElapsedMs) / 1000)
	}
	if s.Count > 0 {
		st.AvgLatencyMs = float64(s.SumLatency) / float64(s.Count)
	}
	return st
}

// Report is one reconciliation pass.
type Report struct {
	Time    time.Time                `json:"time"`
	Cursors map[string]uint64        `json:"cursors"`
	Totals  storage.SubmissionCounts `json:"totals"`
	Unspent uint64                   `json:"unspent"`
	Turn    Stats                    `json:"turn"`
	Window  Stats                    `json:"window"`
}

// Config for creating a Reconciler.
type Config struct {
	Store    storage.StatsReader
	Interval time.Duration
	// Window defaults to DefaultWindow.
	Window uint64

	Metrics  *metrics.PrometheusMetrics
	Progress progress.Reporter
	Logger   *slog.Logger
}

// Reconciler computes reports on an interval and keeps the latest one.
type Reconciler struct {
	store    storage.StatsReader
	interval time.Duration
	window   uint64

	metrics *metrics.PrometheusMetrics
	tracker *progress.Tracker
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	nowFn   func() time.Time

	mu   sync.RWMutex
	last *Report
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:    cfg.Store,
		interval: cfg.Interval,
		window:   cfg.Window,
		metrics:  cfg.Metrics,
		tracker:  progress.NewTracker(cfg.Progress, "reconciler"),
		logger:   logger.With(slog.String("worker", "reconciler")),
		sleep:    clock.SleepWithContext,
		nowFn:    time.Now,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.window == 0 {
		r.window = DefaultWindow
	}
	return r
}

// Compute builds a report from the current ledger state.
func (r *Reconciler) Compute(ctx context.Context) (Report, error) {
	rep := Report{Time: r.nowFn(), Cursors: make(map[string]uint64, len(reportedCursors))}

	for _, name := range reportedCursors {
		h, ok, err := r.store.Cursor(ctx, name)
		if err != nil {
			return Report{}, fmt.Errorf("cursor %s: %w", name, err)
		}
		if ok {
			rep.Cursors[name] = h
		}
	}

	totals, err := r.store.SubmissionCounts(ctx)
	if err != nil {
		return Report{}, err
	}
	rep.Totals = totals

	if rep.Unspent, err = r.store.UnspentCount(ctx); err != nil {
		return Report{}, err
	}

	turn := rep.Cursors[storage.CursorTurn]
	st, err := r.store.Statistics(ctx, turn)
	if err != nil {
		return Report{}, err
	}
	rep.Turn = NewStats(turn, st)

	var from uint64
	if chain := rep.Cursors[storage.CursorChain]; chain > r.window {
		from = chain - r.window
	}
	if st, err = r.store.Statistics(ctx, from); err != nil {
		return Report{}, err
	}
	rep.Window = NewStats(from, st)

	return rep, nil
}

// Last returns the most recent report computed by Run.
func (r *Reconciler) Last() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Run computes a report every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		rep, err := r.Compute(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.metrics.RecordLedgerError("reconcile")
			r.logger.Warn("reconcile failed", slog.String("error", err.Error()))
		} else {
			r.publish(rep)
		}

		if r.sleep(ctx, r.interval) != nil {
			break
		}
	}
	return nil
}

func (r *Reconciler) publish(rep Report) {
	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()

	for name, h := range rep.Cursors {
		r.metrics.SetCursor(name, h)
	}
	r.metrics.SetUnspent(rep.Unspent)
	r.metrics.SetWindow("turn", rep.Turn.TPS, rep.Turn.AvgLatencyMs/1000)
	r.metrics.SetWindow("last", rep.Window.TPS, rep.Window.AvgLatencyMs/1000)

	r.tracker.Update(rep.Totals.ConfirmedOnChain, rep.Totals.Submitted,
		"Turn: %s | Last %d: %s | Unspent: %d",
		rep.Turn, r.window, rep.Window, rep.Unspent)

	r.logger.Info("reconciled",
		slog.Uint64("submitted", rep.Totals.Submitted),
		slog.Uint64("confirmed", rep.Totals.ConfirmedOnChain),
		slog.Uint64("unspent", rep.Unspent),
		slog.Float64("turn_tps", rep.Turn.TPS),
		slog.Float64("window_tps", rep.Window.TPS))
}

// String renders the stats the way the status line shows them.
func (s Stats) String() string {
	return fmt.Sprintf("%d txs, cost %.2fs, %.2f tps, min %.2fs, max %.2fs, avg %.2fs",
		s.Count,
		float64(s.ElapsedMs)/1000,
		s.TPS,
		float64(s.MinLatencyMs)/1000,
		float64(s.MaxLatencyMs)/1000,
		s.AvgLatencyMs/1000)
}
