// Package follower records the facts of every block below the safe height.
package follower

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/cellshot/internal/clock"
	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/rpc"
	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

const (
	defaultBatchSize    = 5
	defaultIdleDelay    = time.Second
	defaultErrorBackoff = time.Second
	defaultMaxBackoff   = 30 * time.Second
)

// ChainClient is the part of the node API the follower reads.
type ChainClient interface {
	TipHeight(ctx context.Context) (uint64, error)
	BlockByHeight(ctx context.Context, height uint64) (*rpc.Block, error)
}

// Config for creating a Follower.
type Config struct {
	Client ChainClient
	Store  storage.BlockWriter

	// Margin is the number of blocks below the tip treated as unsafe.
	Margin uint64
	// Start is the first height recorded when the chain cursor is unset.
	Start uint64

	BatchSize    int
	IdleDelay    time.Duration
	ErrorBackoff time.Duration
	MaxBackoff   time.Duration

	Metrics  *metrics.PrometheusMetrics
	Progress progress.Reporter
	Logger   *slog.Logger
}

// Follower walks the chain from the chain cursor up to the safe height.
type Follower struct {
	client       ChainClient
	store        storage.BlockWriter
	margin       uint64
	start        uint64
	batchSize    int
	idleDelay    time.Duration
	errorBackoff time.Duration
	maxBackoff   time.Duration

	metrics *metrics.PrometheusMetrics
	tracker *progress.Tracker
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error

	lastTip uint64
	ready   atomic.Bool
}

// New creates a Follower.
func New(cfg Config) *Follower {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Follower{
		client:       cfg.Client,
		store:        cfg.Store,
		margin:       cfg.Margin,
		start:        cfg.Start,
		batchSize:    cfg.BatchSize,
		idleDelay:    cfg.IdleDelay,
		errorBackoff: cfg.ErrorBackoff,
		maxBackoff:   cfg.MaxBackoff,
		metrics:      cfg.Metrics,
		tracker:      progress.NewTracker(cfg.Progress, "follower"),
		logger:       logger.With(slog.String("worker", "follower")),
		sleep:        clock.SleepWithContext,
	}
	if f.batchSize <= 0 {
		f.batchSize = defaultBatchSize
	}
	if f.idleDelay <= 0 {
		f.idleDelay = defaultIdleDelay
	}
	if f.errorBackoff <= 0 {
		f.errorBackoff = defaultErrorBackoff
	}
	if f.maxBackoff < f.errorBackoff {
		f.maxBackoff = max(defaultMaxBackoff, f.errorBackoff)
	}
	return f
}

// Ready reports whether at least one iteration completed without error.
func (f *Follower) Ready() bool {
	return f.ready.Load()
}

// Run follows the chain until ctx is cancelled. Iteration errors are logged
// and retried with exponential backoff.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("follower started", slog.Uint64("margin", f.margin), slog.Int("batch", f.batchSize))

	backoff := f.errorBackoff
	for ctx.Err() == nil {
		n, err := f.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			f.logger.Warn("sync iteration failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("sleep", backoff))
			f.tracker.Messagef("Error: %v", err)
			if f.sleep(ctx, backoff) != nil {
				break
			}
			backoff = min(backoff*2, f.maxBackoff)
			continue
		}

		backoff = f.errorBackoff
		f.ready.Store(true)
		if n == 0 && f.sleep(ctx, f.idleDelay) != nil {
			break
		}
	}

	f.logger.Info("follower stopped")
	return nil
}

// Step runs one iteration and returns the number of blocks recorded. Zero
// means there was nothing safe to record.
func (f *Follower) Step(ctx context.Context) (int, error) {
	tip, err := f.client.TipHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("tip height: %w", err)
	}
	if tip != f.lastTip {
		if err := f.store.SetCursor(ctx, storage.CursorTip, tip); err != nil {
			f.metrics.RecordLedgerError("set_cursor")
			return 0, fmt.Errorf("store tip: %w", err)
		}
		f.lastTip = tip
		f.metrics.SetCursor(storage.CursorTip, tip)
	}

	chain, ok, err := f.store.Cursor(ctx, storage.CursorChain)
	if err != nil {
		return 0, fmt.Errorf("chain cursor: %w", err)
	}
	next := f.start
	if ok {
		next = chain + 1
	}

	safe, ok := txbuilder.CalculateSafeHeight(tip, f.margin)
	if !ok || safe == 0 || safe < next {
		f.tracker.Update(next, safe, "Waiting for blocks (tip #%d)", tip)
		return 0, nil
	}

	last := min(safe, next+uint64(f.batchSize)-1)
	synced := 0
	for h := next; h <= last; h++ {
		if err := f.record(ctx, h); err != nil {
			return synced, err
		}
		synced++
		f.tracker.Update(h, safe, "Synced #%d", h)
	}
	return synced, nil
}

func (f *Follower) record(ctx context.Context, height uint64) error {
	block, err := f.client.BlockByHeight(ctx, height)
	if err != nil {
		return fmt.Errorf("block %d: %w", height, err)
	}

	facts, err := blockFacts(height, block)
	if err != nil {
		return err
	}

	if err := f.store.InsertBlockFacts(ctx, facts); err != nil {
		f.metrics.RecordLedgerError("insert_block_facts")
		return fmt.Errorf("record block %d: %w", height, err)
	}
	if err := f.store.SetCursor(ctx, storage.CursorChain, height); err != nil {
		f.metrics.RecordLedgerError("set_cursor")
		return fmt.Errorf("advance chain cursor to %d: %w", height, err)
	}

	f.metrics.RecordBlockSynced()
	f.metrics.SetCursor(storage.CursorChain, height)
	f.logger.Debug("block recorded",
		slog.Uint64("height", height),
		slog.Int("txs", len(facts.TxHashes)),
		slog.Int("outputs", len(facts.Outputs)))
	return nil
}

func blockFacts(height uint64, block *rpc.Block) (storage.BlockFacts, error) {
	ts, err := hexutil.DecodeUint64(block.Header.Timestamp)
	if err != nil {
		return storage.BlockFacts{}, fmt.Errorf("block %d timestamp %q: %w", height, block.Header.Timestamp, err)
	}

	facts := storage.BlockFacts{
		Height:    height,
		Timestamp: ts,
		TxHashes:  make([]common.Hash, 0, len(block.Transactions)),
	}
	for _, tx := range block.Transactions {
		facts.TxHashes = append(facts.TxHashes, tx.Hash)
		for i, out := range tx.Outputs {
			capacity, err := txbuilder.ParseCapacity(out.Capacity)
			if err != nil {
				return storage.BlockFacts{}, fmt.Errorf("block %d tx %s output %d: %w", height, tx.Hash.Hex(), i, err)
			}
			facts.Outputs = append(facts.Outputs, storage.Output{
				TxHash:   tx.Hash,
				Index:    uint32(i),
				Capacity: capacity,
			})
		}
	}
	return facts, nil
}
