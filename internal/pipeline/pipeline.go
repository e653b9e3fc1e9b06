// Package pipeline spends owned outputs back to the owned lock as fast as the
// dispatcher allows, and records every accepted spend.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/oklog/ulid/v2"

	"github.com/gateway-fm/cellshot/internal/account"
	"github.com/gateway-fm/cellshot/internal/clock"
	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/sender"
	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

const (
	defaultBatchSize = 1000
	defaultInterval  = 500 * time.Millisecond
	defaultIdleDelay = 5 * time.Second
)

// Config for creating a Pipeline.
type Config struct {
	Store      storage.SubmissionStore
	Dispatcher *sender.Dispatcher
	Owned      *account.Account

	BatchSize int
	Interval  time.Duration
	IdleDelay time.Duration

	// Outcomes is shared with status reporting. A fresh one is used when nil.
	Outcomes *metrics.Outcomes

	Metrics  *metrics.PrometheusMetrics
	Progress progress.Reporter
	Logger   *slog.Logger
}

// Status is a point-in-time view of the load sender.
type Status struct {
	Batch         string                   `json:"batch,omitempty"`
	Outcomes      metrics.OutcomesSnapshot `json:"outcomes"`
	InFlight      int                      `json:"inFlight"`
	PeakInFlight  int                      `json:"peakInFlight"`
	Saturated     uint64                   `json:"saturated"`
	PendingWrites int                      `json:"pendingWrites"`
	SendLatency   *metrics.LatencySummary  `json:"sendLatency,omitempty"`
}

type submission struct {
	spent  txbuilder.OutPoint
	result common.Hash
}

type outcome struct {
	passed  bool
	latency time.Duration
}

// Pipeline runs load cycles: fetch owned-unspent outputs, build a
// self-transfer for each and dispatch them.
type Pipeline struct {
	store      storage.SubmissionStore
	dispatcher *sender.Dispatcher
	owned      *account.Account
	batchSize  int
	interval   time.Duration
	idleDelay  time.Duration

	outcomes *metrics.Outcomes
	latency  *metrics.StreamingLatencyStats
	metrics  *metrics.PrometheusMetrics
	tracker  *progress.Tracker
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error

	// Single-worker pools with unbounded queues. Send callbacks only enqueue,
	// so a slow ledger never holds a dispatcher slot.
	writes  pond.Pool
	records pond.Pool

	mu       sync.Mutex
	inFlight map[txbuilder.OutPoint]struct{}
	batch    string
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		owned:      cfg.Owned,
		batchSize:  cfg.BatchSize,
		interval:   cfg.Interval,
		idleDelay:  cfg.IdleDelay,
		outcomes:   cfg.Outcomes,
		latency:    metrics.NewStreamingLatencyStats(),
		metrics:    cfg.Metrics,
		tracker:    progress.NewTracker(cfg.Progress, "sender"),
		logger:     logger.With(slog.String("worker", "sender")),
		sleep:      clock.SleepWithContext,
		writes:     pond.NewPool(1),
		records:    pond.NewPool(1),
		inFlight:   make(map[txbuilder.OutPoint]struct{}),
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.idleDelay <= 0 {
		p.idleDelay = defaultIdleDelay
	}
	if p.outcomes == nil {
		p.outcomes = &metrics.Outcomes{}
	}
	return p
}

// Status returns the current counters.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	batch := p.batch
	p.mu.Unlock()

	return Status{
		Batch:         batch,
		Outcomes:      p.outcomes.Snapshot(),
		InFlight:      p.dispatcher.InFlight(),
		PeakInFlight:  p.dispatcher.Peak(),
		Saturated:     p.dispatcher.Saturated(),
		PendingWrites: int(p.writes.WaitingTasks()),
		SendLatency:   p.latency.Summary(),
	}
}

// Run cycles until ctx is cancelled, then waits for in-flight sends and for
// their results to be recorded. It must be called at most once.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("load sender started",
		slog.Int("batch_size", p.batchSize),
		slog.Int("max_in_flight", p.dispatcher.Capacity()),
		slog.Duration("interval", p.interval))

	for ctx.Err() == nil {
		n, err := p.cycle(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("load cycle failed", slog.String("error", err.Error()))
			p.tracker.Messagef("Error: %v", err)
		}

		delay := p.interval
		if n == 0 {
			delay = p.idleDelay
		}
		if p.sleep(ctx, delay) != nil {
			break
		}
	}

	p.dispatcher.Wait()
	p.writes.StopAndWait()
	p.records.StopAndWait()

	snap := p.outcomes.Snapshot()
	p.logger.Info("load sender stopped",
		slog.Uint64("sent", snap.Sent),
		slog.Uint64("passed", snap.Passed),
		slog.Uint64("failed", snap.Failed))
	return nil
}

// cycle dispatches one batch and returns how many sends it started.
func (p *Pipeline) cycle(ctx context.Context) (int, error) {
	batch := ulid.MustNewDefault(time.Now()).String()

	// Only this goroutine adds to the in-flight set, so its size now bounds
	// how many rows the query can skip.
	outputs, err := p.store.UnspentOutputsExcluding(ctx, p.batchSize, p.inFlightLen(), p.isInFlight)
	if err != nil {
		p.metrics.RecordLedgerError("unspent_outputs")
		return 0, fmt.Errorf("fetch unspent outputs: %w", err)
	}
	if len(outputs) == 0 {
		p.tracker.Messagef("Waiting for owned outputs")
		return 0, nil
	}

	p.mu.Lock()
	p.batch = batch
	p.mu.Unlock()
	p.tracker.Update(0, uint64(len(outputs)), "Sending batch %s", batch)

	// Results are written after ctx ends so that shutdown keeps every accepted
	// spend.
	wctx := context.WithoutCancel(ctx)

	started := 0
	for _, out := range outputs {
		op := txbuilder.OutPoint{TxHash: out.TxHash, Index: hexutil.Uint64(out.Index)}
		tx := txbuilder.BuildSelfTransfer(txbuilder.Cell{OutPoint: op, Capacity: out.Capacity}, p.owned.Lock)

		p.markInFlight(op)
		err := p.dispatcher.Send(ctx, tx, func(res sender.Result) {
			o := outcome{passed: res.Err == nil, latency: res.Latency}
			p.records.Submit(func() { p.aggregate(o) })
			if res.Err != nil {
				p.clearInFlight(op)
				return
			}
			s := submission{spent: op, result: res.Hash}
			p.writes.Submit(func() { p.write(wctx, s) })
		})
		if err != nil {
			p.clearInFlight(op)
			return started, fmt.Errorf("dispatch batch %s: %w", batch, err)
		}
		started++
	}

	p.logger.Debug("batch dispatched", slog.String("batch", batch), slog.Int("txs", started))
	return started, nil
}

// write persists an accepted spend. A spent output leaves the in-flight set
// only once its submission is stored.
func (p *Pipeline) write(ctx context.Context, s submission) {
	_, err := p.store.InsertSubmission(ctx, s.spent.TxHash, uint32(s.spent.Index), s.result)
	if err != nil {
		p.metrics.RecordLedgerError("insert_submission")
		p.logger.Error("failed to record submission",
			slog.String("tx_hash", s.spent.TxHash.Hex()),
			slog.Uint64("index", uint64(s.spent.Index)),
			slog.String("result", s.result.Hex()),
			slog.String("error", err.Error()))
	}
	p.clearInFlight(s.spent)
}

func (p *Pipeline) aggregate(o outcome) {
	p.outcomes.Record(o.passed)
	p.latency.Add(float64(o.latency.Microseconds()) / 1000)
	p.metrics.RecordSend(o.passed, o.latency)

	snap := p.outcomes.Snapshot()
	p.tracker.Advance(1, "Sent %d, passed %d, failed %d", snap.Sent, snap.Passed, snap.Failed)
}

func (p *Pipeline) isInFlight(o storage.Output) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[txbuilder.OutPoint{TxHash: o.TxHash, Index: hexutil.Uint64(o.Index)}]
	return ok
}

func (p *Pipeline) inFlightLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Pipeline) markInFlight(op txbuilder.OutPoint) {
	p.mu.Lock()
	p.inFlight[op] = struct{}{}
	p.mu.Unlock()
}

func (p *Pipeline) clearInFlight(op txbuilder.OutPoint) {
	p.mu.Lock()
	delete(p.inFlight, op)
	p.mu.Unlock()
}
