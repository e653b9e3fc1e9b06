// Package sender dispatches transactions concurrently with a bounded number
// in flight.
package sender

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/ratelimit"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// DefaultConcurrency is the in-flight cap when none is configured.
const DefaultConcurrency = 500

// TxSender submits a transaction and returns the hash the node assigned.
type TxSender interface {
	SendTransaction(ctx context.Context, tx *txbuilder.Transaction) (common.Hash, error)
}

// Result is the outcome of one dispatched send.
type Result struct {
	Hash    common.Hash
	Err     error
	Latency time.Duration
}

// Callback receives a send result on the sending goroutine.
type Callback func(Result)

// Config for creating a Dispatcher.
type Config struct {
	Target      TxSender
	Concurrency int                // default DefaultConcurrency
	Limiter     *ratelimit.Limiter // optional
	Metrics     *metrics.PrometheusMetrics
	Logger      *slog.Logger
}

// Dispatcher runs sends on their own goroutines, holding a semaphore slot for
// the duration of each.
type Dispatcher struct {
	target    TxSender
	semaphore chan struct{}
	limiter   *ratelimit.Limiter
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger

	wg        sync.WaitGroup
	peak      metrics.Counter
	saturated metrics.UCounter
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		target:    cfg.Target,
		semaphore: make(chan struct{}, concurrency),
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Send waits for a rate permit and a free slot, then sends tx in the
// background. It returns an error only when ctx ends before the send starts.
// The send itself runs with ctx, and cb is always called once it started.
func (d *Dispatcher) Send(ctx context.Context, tx *txbuilder.Transaction, cb Callback) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if !d.tryAcquire() {
		d.saturated.Inc()
		d.metrics.RecordSaturated()
		select {
		case d.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.start(ctx, tx, cb)
	return nil
}

func (d *Dispatcher) tryAcquire() bool {
	select {
	case d.semaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) start(ctx context.Context, tx *txbuilder.Transaction, cb Callback) {
	d.wg.Add(1)
	inFlight := len(d.semaphore)
	d.peak.Max(int64(inFlight))
	d.metrics.SetInFlight(inFlight)

	go func() {
		defer d.wg.Done()
		defer func() {
			<-d.semaphore
			d.metrics.SetInFlight(len(d.semaphore))
		}()

		started := time.Now()
		hash, err := d.target.SendTransaction(ctx, tx)
		res := Result{Hash: hash, Err: err, Latency: time.Since(started)}
		if err != nil {
			d.logger.Debug("send failed", slog.String("error", err.Error()))
		}
		if cb != nil {
			cb(res)
		}
	}()
}

// Wait blocks until every started send has completed and its callback
// returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Capacity returns the in-flight cap.
func (d *Dispatcher) Capacity() int {
	return cap(d.semaphore)
}

// InFlight returns the number of sends in progress.
func (d *Dispatcher) InFlight() int {
	return len(d.semaphore)
}

// Peak returns the highest in-flight count observed.
func (d *Dispatcher) Peak() int {
	return int(d.peak.Load())
}

// Saturated returns how many sends found every slot taken and had to wait.
func (d *Dispatcher) Saturated() uint64 {
	return d.saturated.Load()
}
