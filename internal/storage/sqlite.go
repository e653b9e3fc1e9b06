package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultBusyTimeout is how long a connection waits on a locked database
// before failing.
const DefaultBusyTimeout = 30 * time.Second

// SQLiteStorage implements Storage using SQLite in WAL mode. All writes go
// through a single connection; reads use a separate pool.
type SQLiteStorage struct {
	wdb *sql.DB
	rdb *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the ledger at dbPath and applies
// pending migrations.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busy := DefaultBusyTimeout.Milliseconds()

	wdsn := fmt.Sprintf("file:%s?_journal=WAL&_sync=NORMAL&_busy_timeout=%d&_txlock=immediate", dbPath, busy)
	wdb, err := sql.Open("sqlite3", wdsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	wdb.SetMaxOpenConns(1)

	if err := wdb.Ping(); err != nil {
		wdb.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{wdb: wdb}

	if err := s.migrate(); err != nil {
		wdb.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	rdsn := fmt.Sprintf("file:%s?_busy_timeout=%d", dbPath, busy)
	rdb, err := sql.Open("sqlite3", rdsn)
	if err != nil {
		wdb.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	rdb.SetMaxOpenConns(8)
	s.rdb = rdb

	return s, nil
}

// migrate applies the embedded schema. Running it on an up-to-date database is
// a no-op.
func (s *SQLiteStorage) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer src.Close()

	drv, err := migratesqlite.WithInstance(s.wdb, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	// m.Close would close wdb, so the migrator is dropped instead.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLiteStorage) Close() error {
	return errors.Join(s.rdb.Close(), s.wdb.Close())
}

// Cursor returns the height stored under name.
func (s *SQLiteStorage) Cursor(ctx context.Context, name string) (uint64, bool, error) {
	var height int64
	err := s.rdb.QueryRowContext(ctx, `SELECT height FROM cursors WHERE name = ?`, name).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor %s: %w", name, err)
	}
	return uint64(height), true, nil
}

// SetCursor stores max(current, height) under name.
func (s *SQLiteStorage) SetCursor(ctx context.Context, name string, height uint64) error {
	h, err := toInt64(height)
	if err != nil {
		return fmt.Errorf("cursor %s: %w", name, err)
	}
	_, err = s.wdb.ExecContext(ctx, `
		INSERT INTO cursors (name, height) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET height = max(height, excluded.height)
	`, name, h)
	if err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", name, err)
	}
	return nil
}

// InsertBlockFacts records a block, its transaction hashes and outputs in one
// transaction. Rows that already exist are left untouched.
func (s *SQLiteStorage) InsertBlockFacts(ctx context.Context, facts BlockFacts) (err error) {
	height, err := toInt64(facts.Height)
	if err != nil {
		return fmt.Errorf("block height: %w", err)
	}
	ts, err := toInt64(facts.Timestamp)
	if err != nil {
		return fmt.Errorf("block %d timestamp: %w", facts.Height, err)
	}

	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (height, timestamp) VALUES (?, ?)`, height, ts); err != nil {
		return fmt.Errorf("failed to insert block %d: %w", facts.Height, err)
	}

	txStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO block_txns (hash, height) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare block_txns insert: %w", err)
	}
	defer txStmt.Close()

	for _, h := range facts.TxHashes {
		if _, err = txStmt.ExecContext(ctx, h.Hex(), height); err != nil {
			return fmt.Errorf("failed to insert block txn %s: %w", h.Hex(), err)
		}
	}

	outStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO outputs (tx_hash, idx, capacity) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare outputs insert: %w", err)
	}
	defer outStmt.Close()

	for _, o := range facts.Outputs {
		capacity, cerr := toInt64(o.Capacity)
		if cerr != nil {
			err = fmt.Errorf("output %s:%d capacity: %w", o.TxHash.Hex(), o.Index, cerr)
			return err
		}
		if _, err = outStmt.ExecContext(ctx, o.TxHash.Hex(), o.Index, capacity); err != nil {
			return fmt.Errorf("failed to insert output %s:%d: %w", o.TxHash.Hex(), o.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", facts.Height, err)
	}
	return nil
}

// InsertHarvest records a harvest transaction accepted for the block at height.
func (s *SQLiteStorage) InsertHarvest(ctx context.Context, hash common.Hash, height uint64, changeIndex uint32) error {
	h, err := toInt64(height)
	if err != nil {
		return fmt.Errorf("harvest height: %w", err)
	}
	_, err = s.wdb.ExecContext(ctx,
		`INSERT OR IGNORE INTO harvested_txns (hash, height, change_index) VALUES (?, ?, ?)`,
		hash.Hex(), h, changeIndex)
	if err != nil {
		return fmt.Errorf("failed to insert harvest %s: %w", hash.Hex(), err)
	}
	return nil
}

// HarvestAt returns the harvest recorded for the block at height.
func (s *SQLiteStorage) HarvestAt(ctx context.Context, height uint64) (common.Hash, bool, error) {
	h, err := toInt64(height)
	if err != nil {
		return common.Hash{}, false, err
	}
	var hash string
	err = s.rdb.QueryRowContext(ctx,
		`SELECT hash FROM harvested_txns WHERE height = ? LIMIT 1`, h).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to get harvest at %d: %w", height, err)
	}
	return common.HexToHash(hash), true, nil
}

// HasBlockTxn reports whether a transaction hash appears in a recorded block.
func (s *SQLiteStorage) HasBlockTxn(ctx context.Context, hash common.Hash) (bool, error) {
	var n int
	err := s.rdb.QueryRowContext(ctx,
		`SELECT count(1) FROM block_txns WHERE hash = ?`, hash.Hex()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up block txn %s: %w", hash.Hex(), err)
	}
	return n > 0, nil
}

// InsertSubmission records that the owned output (txHash, index) was spent by
// resultHash, stamped with the current tip cursor. It reports false if the
// output already had a submission.
func (s *SQLiteStorage) InsertSubmission(ctx context.Context, txHash common.Hash, index uint32, resultHash common.Hash) (bool, error) {
	res, err := s.wdb.ExecContext(ctx, `
		INSERT OR IGNORE INTO submissions (tx_hash, idx, result_hash, turn_height)
		SELECT ?, ?, ?, ifnull((SELECT height FROM cursors WHERE name = ?), 0)
	`, txHash.Hex(), index, resultHash.Hex(), CursorTip)
	if err != nil {
		return false, fmt.Errorf("failed to insert submission %s:%d: %w", txHash.Hex(), index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

const unspentFrom = `
	  FROM harvested_txns h
	  JOIN outputs o
	    ON o.tx_hash = h.hash
	   AND o.idx != h.change_index
	 WHERE NOT EXISTS (
		SELECT 1
		  FROM submissions s
		 WHERE s.tx_hash = o.tx_hash
		   AND s.idx = o.idx)`

// UnspentOutputs returns up to limit owned outputs with no submission.
func (s *SQLiteStorage) UnspentOutputs(ctx context.Context, limit int) ([]Output, error) {
	return s.UnspentOutputsExcluding(ctx, limit, 0, nil)
}

// UnspentOutputsExcluding is UnspentOutputs but drops rows for which skip
// returns true without counting them against limit. maxSkipped bounds how many
// rows skip can reject.
func (s *SQLiteStorage) UnspentOutputsExcluding(ctx context.Context, limit, maxSkipped int, skip func(Output) bool) ([]Output, error) {
	if limit <= 0 {
		return nil, nil
	}
	if skip == nil || maxSkipped < 0 {
		maxSkipped = 0
	}

	rows, err := s.rdb.QueryContext(ctx, `SELECT o.tx_hash, o.idx, o.capacity`+unspentFrom+`
		 ORDER BY h.height, o.tx_hash, o.idx
		 LIMIT ?`, limit+maxSkipped)
	if err != nil {
		return nil, fmt.Errorf("failed to query unspent outputs: %w", err)
	}
	defer rows.Close()

	outputs := make([]Output, 0, min(limit, 1024))
	for rows.Next() && len(outputs) < limit {
		var (
			hash     string
			o        Output
			capacity int64
		)
		if err := rows.Scan(&hash, &o.Index, &capacity); err != nil {
			return nil, fmt.Errorf("failed to scan unspent output: %w", err)
		}
		o.TxHash = common.HexToHash(hash)
		o.Capacity = uint64(capacity)
		if skip != nil && skip(o) {
			continue
		}
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unspent outputs: %w", err)
	}
	return outputs, nil
}

// UnspentCount counts owned outputs with no submission.
func (s *SQLiteStorage) UnspentCount(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.rdb.QueryRowContext(ctx, `SELECT count(1)`+unspentFrom).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unspent outputs: %w", err)
	}
	return uint64(n), nil
}

// SubmissionCounts returns submitted, confirmed-by-hash and confirmed-on-chain
// totals.
func (s *SQLiteStorage) SubmissionCounts(ctx context.Context) (SubmissionCounts, error) {
	var submitted, byHash, onChain int64
	err := s.rdb.QueryRowContext(ctx, `
		SELECT count(1), count(bt.hash), count(b.height)
		  FROM submissions s
		  LEFT JOIN block_txns bt
		    ON bt.hash = s.result_hash
		  LEFT JOIN blocks b
		    ON b.height = bt.height
	`).Scan(&submitted, &byHash, &onChain)
	if err != nil {
		return SubmissionCounts{}, fmt.Errorf("failed to count submissions: %w", err)
	}
	return SubmissionCounts{
		Submitted:        uint64(submitted),
		ConfirmedByHash:  uint64(byHash),
		ConfirmedOnChain: uint64(onChain),
	}, nil
}

// Statistics aggregates confirmed submissions whose turn height is at least
// fromHeight. Latency is confirming block timestamp minus the timestamp of the
// block at the submission's turn height.
func (s *SQLiteStorage) Statistics(ctx context.Context, fromHeight uint64) (Statistics, error) {
	from, err := toInt64(fromHeight)
	if err != nil {
		return Statistics{}, err
	}

	var st Statistics
	var count int64
	err = s.rdb.QueryRowContext(ctx, `
		SELECT count(1),
		       ifnull(min(origin.timestamp), 0),
		       ifnull(max(confirm.timestamp), 0),
		       ifnull(min(confirm.timestamp - origin.timestamp), 0),
		       ifnull(max(confirm.timestamp - origin.timestamp), 0),
		       ifnull(sum(confirm.timestamp - origin.timestamp), 0)
		  FROM submissions s
		  JOIN block_txns bt
		    ON bt.hash = s.result_hash
		  JOIN blocks confirm
		    ON confirm.height = bt.height
		  LEFT JOIN blocks origin
		    ON origin.height = s.turn_height
		 WHERE s.turn_height >= ?
	`, from).Scan(&count, &st.FirstTimestamp, &st.LastTimestamp, &st.MinLatency, &st.MaxLatency, &st.SumLatency)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to compute statistics from %d: %w", fromHeight, err)
	}
	st.Count = uint64(count)
	return st, nil
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d out of int64 range", v)
	}
	return int64(v), nil
}
