package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// CursorStore reads and advances named progress cursors.
type CursorStore interface {
	// Cursor returns the height of a cursor. ok is false if it was never set.
	Cursor(ctx context.Context, name string) (height uint64, ok bool, err error)

	// SetCursor advances a cursor. A lower height than the stored one is ignored.
	SetCursor(ctx context.Context, name string, height uint64) error
}

// BlockWriter records block facts.
type BlockWriter interface {
	CursorStore
	InsertBlockFacts(ctx context.Context, facts BlockFacts) error
}

// HarvestStore records harvest transactions and reports owned inventory.
type HarvestStore interface {
	CursorStore
	InsertHarvest(ctx context.Context, hash common.Hash, height uint64, changeIndex uint32) error
	HasBlockTxn(ctx context.Context, hash common.Hash) (bool, error)
	HarvestAt(ctx context.Context, height uint64) (common.Hash, bool, error)
	UnspentCount(ctx context.Context) (uint64, error)
}

// SubmissionStore hands out owned-unspent outputs and records their spends.
type SubmissionStore interface {
	UnspentOutputs(ctx context.Context, limit int) ([]Output, error)
	UnspentOutputsExcluding(ctx context.Context, limit, maxSkipped int, skip func(Output) bool) ([]Output, error)
	InsertSubmission(ctx context.Context, txHash common.Hash, index uint32, resultHash common.Hash) (bool, error)
}

// StatsReader answers the reconciliation queries.
type StatsReader interface {
	CursorStore
	UnspentCount(ctx context.Context) (uint64, error)
	SubmissionCounts(ctx context.Context) (SubmissionCounts, error)
	Statistics(ctx context.Context, fromHeight uint64) (Statistics, error)
}

// Storage is the full ledger.
type Storage interface {
	BlockWriter
	HarvestStore
	SubmissionStore
	StatsReader

	// Lifecycle
	Close() error
}
