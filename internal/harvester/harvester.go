// Package harvester consolidates source-locked capacity into owned outputs,
// one block at a time.
package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/gateway-fm/cellshot/internal/account"
	"github.com/gateway-fm/cellshot/internal/clock"
	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/rpc"
	"github.com/gateway-fm/cellshot/internal/sender"
	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

const (
	// DefaultHighWater is the owned inventory above which harvesting pauses.
	DefaultHighWater uint64 = 50_000

	defaultIdleDelay    = 10 * time.Second
	defaultErrorBackoff = 10 * time.Second
	defaultMaxBackoff   = time.Minute
)

// CellIndex finds live cells by lock hash within a block range.
type CellIndex interface {
	OutputsByLockHash(ctx context.Context, lockHash common.Hash, from, to uint64) ([]rpc.LiveCell, error)
}

// Config for creating a Harvester.
type Config struct {
	Index  CellIndex
	Target sender.TxSender
	Store  storage.HarvestStore

	Source *account.Account
	Owned  *account.Account

	Margin uint64
	// Start is the first height scanned when the harvested cursor is unset.
	Start uint64
	// HighWater defaults to DefaultHighWater.
	HighWater uint64
	// MaxOutputs caps owned outputs per harvest. Zero or negative means no cap.
	MaxOutputs int
	// Limiter paces harvest sends. Nil means unpaced.
	Limiter *rate.Limiter

	IdleDelay    time.Duration
	ErrorBackoff time.Duration
	MaxBackoff   time.Duration

	Metrics  *metrics.PrometheusMetrics
	Progress progress.Reporter
	Logger   *slog.Logger
}

// Harvester scans recorded blocks for source cells and turns each block's
// cells into one harvest transaction.
type Harvester struct {
	index  CellIndex
	target sender.TxSender
	store  storage.HarvestStore
	source *account.Account
	owned  *account.Account

	margin       uint64
	start        uint64
	highWater    uint64
	maxOutputs   int
	limiter      *rate.Limiter
	idleDelay    time.Duration
	errorBackoff time.Duration
	maxBackoff   time.Duration

	metrics *metrics.PrometheusMetrics
	tracker *progress.Tracker
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// New creates a Harvester.
func New(cfg Config) *Harvester {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Harvester{
		index:        cfg.Index,
		target:       cfg.Target,
		store:        cfg.Store,
		source:       cfg.Source,
		owned:        cfg.Owned,
		margin:       cfg.Margin,
		start:        cfg.Start,
		highWater:    cfg.HighWater,
		maxOutputs:   cfg.MaxOutputs,
		limiter:      cfg.Limiter,
		idleDelay:    cfg.IdleDelay,
		errorBackoff: cfg.ErrorBackoff,
		maxBackoff:   cfg.MaxBackoff,
		metrics:      cfg.Metrics,
		tracker:      progress.NewTracker(cfg.Progress, "harvester"),
		logger:       logger.With(slog.String("worker", "harvester")),
		sleep:        clock.SleepWithContext,
	}
	if h.highWater == 0 {
		h.highWater = DefaultHighWater
	}
	if h.maxOutputs <= 0 {
		h.maxOutputs = -1
	}
	if h.idleDelay <= 0 {
		h.idleDelay = defaultIdleDelay
	}
	if h.errorBackoff <= 0 {
		h.errorBackoff = defaultErrorBackoff
	}
	if h.maxBackoff < h.errorBackoff {
		h.maxBackoff = max(defaultMaxBackoff, h.errorBackoff)
	}
	return h
}

// Run harvests until ctx is cancelled.
func (h *Harvester) Run(ctx context.Context) error {
	h.logger.Info("harvester started",
		slog.String("source", h.source.LockHash().Hex()),
		slog.String("owned", h.owned.LockHash().Hex()),
		slog.Uint64("high_water", h.highWater))

	backoff := h.errorBackoff
	for ctx.Err() == nil {
		n, err := h.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			h.logger.Warn("harvest iteration failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("sleep", backoff))
			if h.sleep(ctx, backoff) != nil {
				break
			}
			backoff = min(backoff*2, h.maxBackoff)
			continue
		}

		backoff = h.errorBackoff
		if n == 0 && h.sleep(ctx, h.idleDelay) != nil {
			break
		}
	}

	h.logger.Info("harvester stopped")
	return nil
}

// Step scans every recorded safe block past the harvested cursor and returns
// how many blocks it moved the cursor over. It stops early on backpressure or
// on the first error; the failed block is retried by the next Step.
func (h *Harvester) Step(ctx context.Context) (int, error) {
	limit, ok, err := h.scanLimit(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	if ok {
		next := h.start
		harvested, set, err := h.store.Cursor(ctx, storage.CursorHarvested)
		if err != nil {
			return 0, fmt.Errorf("harvested cursor: %w", err)
		}
		if set {
			next = harvested + 1
		}

		for height := next; height <= limit && ctx.Err() == nil; height++ {
			paused, err := h.backpressure(ctx, height, limit)
			if err != nil || paused {
				return done, err
			}
			if err := h.harvestBlock(ctx, height, limit); err != nil {
				return done, err
			}
			done++
		}
	} else {
		h.tracker.Messagef("Blocking ...")
	}

	if err := h.advanceChecked(ctx); err != nil {
		return done, err
	}
	return done, nil
}

// scanLimit returns min(safe, chain), or ok=false when either is unknown.
func (h *Harvester) scanLimit(ctx context.Context) (uint64, bool, error) {
	tip, ok, err := h.store.Cursor(ctx, storage.CursorTip)
	if err != nil || !ok {
		return 0, false, err
	}
	safe, ok := txbuilder.CalculateSafeHeight(tip, h.margin)
	if !ok {
		return 0, false, nil
	}
	chain, ok, err := h.store.Cursor(ctx, storage.CursorChain)
	if err != nil || !ok {
		return 0, false, err
	}
	return min(safe, chain), true, nil
}

func (h *Harvester) backpressure(ctx context.Context, height, limit uint64) (bool, error) {
	unspent, err := h.store.UnspentCount(ctx)
	if err != nil {
		h.metrics.RecordLedgerError("unspent_count")
		return false, fmt.Errorf("count unspent: %w", err)
	}
	h.metrics.SetUnspent(unspent)
	if unspent > h.highWater {
		h.tracker.Update(height, limit, "Pausing (rich enough, %d unspent)", unspent)
		return true, nil
	}
	return false, nil
}

func (h *Harvester) harvestBlock(ctx context.Context, height, limit uint64) error {
	h.tracker.Update(height, limit, "Harvesting #%d", height)

	live, err := h.index.OutputsByLockHash(ctx, h.source.LockHash(), height, height)
	if err != nil {
		h.metrics.RecordHarvest("error")
		h.tracker.Messagef("Failed to harvest #%d (preparing)", height)
		return fmt.Errorf("source cells at %d: %w", height, err)
	}

	cells := make([]txbuilder.Cell, 0, len(live))
	for _, c := range live {
		capacity, err := txbuilder.ParseCapacity(c.Capacity)
		if err != nil {
			h.metrics.RecordHarvest("error")
			return fmt.Errorf("source cell %s:%d: %w", c.OutPoint.TxHash.Hex(), c.OutPoint.Index, err)
		}
		cells = append(cells, txbuilder.Cell{OutPoint: c.OutPoint, Capacity: capacity})
	}

	hv, err := txbuilder.BuildHarvest(cells, h.source.Lock, h.owned.Lock, h.maxOutputs)
	if err != nil {
		h.metrics.RecordHarvest("error")
		h.tracker.Messagef("Failed to harvest #%d (preparing)", height)
		return fmt.Errorf("build harvest at %d: %w", height, err)
	}

	if hv == nil {
		if err := h.advance(ctx, height); err != nil {
			return err
		}
		h.metrics.RecordHarvest("poor")
		h.tracker.Update(height, limit, "Skip harvesting #%d (poor)", height)
		return nil
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	hash, err := h.target.SendTransaction(ctx, hv.Tx)
	if err != nil {
		h.metrics.RecordHarvest("failed")
		h.tracker.Messagef("Failed to harvest #%d (sending)", height)
		return fmt.Errorf("send harvest at %d: %w", height, err)
	}

	if err := h.store.InsertHarvest(ctx, hash, height, txbuilder.ChangeIndex); err != nil {
		h.metrics.RecordLedgerError("insert_harvest")
		return fmt.Errorf("record harvest %s: %w", hash.Hex(), err)
	}
	if err := h.advance(ctx, height); err != nil {
		return err
	}

	h.metrics.RecordHarvest("sent")
	h.tracker.Update(height, limit, "Harvested #%d (%d outputs)", height, hv.Outputs)
	h.logger.Debug("harvest sent",
		slog.Uint64("height", height),
		slog.String("hash", hash.Hex()),
		slog.Int("inputs", len(cells)),
		slog.Int("outputs", hv.Outputs),
		slog.Uint64("change", hv.Change))
	return nil
}

func (h *Harvester) advance(ctx context.Context, height uint64) error {
	if err := h.store.SetCursor(ctx, storage.CursorHarvested, height); err != nil {
		h.metrics.RecordLedgerError("set_cursor")
		return fmt.Errorf("advance harvested cursor to %d: %w", height, err)
	}
	h.metrics.SetCursor(storage.CursorHarvested, height)
	return nil
}

// advanceChecked moves harvest_checked over every harvested block whose
// harvest is on chain or that had nothing to harvest, stopping at the first
// harvest still unconfirmed.
func (h *Harvester) advanceChecked(ctx context.Context) error {
	harvested, ok, err := h.store.Cursor(ctx, storage.CursorHarvested)
	if err != nil || !ok {
		return err
	}
	from := h.start
	checked, ok, err := h.store.Cursor(ctx, storage.CursorHarvestChecked)
	if err != nil {
		return fmt.Errorf("checked cursor: %w", err)
	}
	if ok {
		from = checked + 1
	}

	last, moved := uint64(0), false
	for height := from; height <= harvested; height++ {
		hash, found, err := h.store.HarvestAt(ctx, height)
		if err != nil {
			return err
		}
		if found {
			onChain, err := h.store.HasBlockTxn(ctx, hash)
			if err != nil {
				return err
			}
			if !onChain {
				break
			}
		}
		last, moved = height, true
	}
	if !moved {
		return nil
	}

	if err := h.store.SetCursor(ctx, storage.CursorHarvestChecked, last); err != nil {
		h.metrics.RecordLedgerError("set_cursor")
		return fmt.Errorf("advance checked cursor to %d: %w", last, err)
	}
	h.metrics.SetCursor(storage.CursorHarvestChecked, last)
	return nil
}
