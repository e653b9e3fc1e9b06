package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err, "failed to create storage")

	return s, func() { s.Close() }
}

func hash(n byte) common.Hash {
	return common.BytesToHash([]byte{n})
}

func countRows(t *testing.T, s *SQLiteStorage, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.rdb.QueryRow("SELECT count(1) FROM "+table).Scan(&n))
	return n
}

// harvestBlock records a block containing a harvest transaction with one
// change output and n owned outputs.
func harvestBlock(t *testing.T, s *SQLiteStorage, height uint64, ts uint64, harvest common.Hash, n int) {
	t.Helper()
	ctx := context.Background()

	outputs := []Output{{TxHash: harvest, Index: 0, Capacity: 1_000_000}}
	for i := 1; i <= n; i++ {
		outputs = append(outputs, Output{TxHash: harvest, Index: uint32(i), Capacity: 6100})
	}
	require.NoError(t, s.InsertBlockFacts(ctx, BlockFacts{
		Height:    height,
		Timestamp: ts,
		TxHashes:  []common.Hash{harvest},
		Outputs:   outputs,
	}))
	require.NoError(t, s.InsertHarvest(ctx, harvest, height, 0))
}

func TestNewSQLiteStorageReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "shot.db")

	s, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.SetCursor(context.Background(), CursorChain, 42))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(dbPath)
	require.NoError(t, err, "reopening an initialized database must succeed")
	defer s.Close()

	h, ok, err := s.Cursor(context.Background(), CursorChain)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), h)
}

func TestCursorNeverDecreases(t *testing.T) {
	s, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, ok, err := s.Cursor(ctx, CursorHarvested)
	require.NoError(t, err)
	assert.False(t, ok, "unset cursor")

	steps := []struct {
		set  uint64
		want uint64
	}{
		{set: 5, want: 5},
		{set: 3, want: 5},
		{set: 5, want: 5},
		{set: 9, want: 9},
	}
	for _, st := range steps {
		require.NoError(t, s.SetCursor(ctx, CursorHarvested, st.set))
		got, ok, err := s.Cursor(ctx, CursorHarvested)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, st.want, got, "after SetCursor(%d)", st.set)
	}

	_, ok, err = s.Cursor(ctx, CursorTip)
	require.NoError(t, err)
	assert.False(t, ok, "cursors are independent")
}

func TestInsertBlockFactsIdempotent(t *testing.T) {
	s, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	facts := BlockFacts{
		Height:    7,
		Timestamp: 1_700_000_000_000,
		TxHashes:  []common.Hash{hash(1), hash(2)},
		Outputs: []Output{
			{TxHash: hash(1), Index: 0, Capacity: 100},
			{TxHash: hash(1), Index: 1, Capacity: 200},
			{TxHash: hash(2), Index: 0, Capacity: 300},
		},
	}

	require.NoError(t, s.InsertBlockFacts(ctx, facts))
	require.NoError(t, s.InsertBlockFacts(ctx, facts))

	assert.Equal(t, 1, countRows(t, s, "blocks"))
	assert.Equal(t, 2, countRows(t, s, "block_txns"))
	assert.Equal(t, 3, countRows(t, s, "outputs"))

	var capacity int64
	require.NoError(t, s.rdb.QueryRow(
		"SELECT capacity FROM outputs WHERE tx_hash = ? AND idx = 1", hash(1).Hex()).Scan(&capacity))
	assert.Equal(t, int64(200), capacity)

	ok, err := s.HasBlockTxn(ctx, hash(2))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasBlockTxn(ctx, hash(3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnspentOutputsAntiJoin(t *testing.T) {
	s, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	harvestBlock(t, s, 1, 1000, hash(0xa1), 3)
	harvestBlock(t, s, 2, 2000, hash(0xa2), 2)

	// Outputs of a transaction that is not a harvest are never owned.
	require.NoError(t, s.InsertBlockFacts(ctx, BlockFacts{
		Height:    3,
		Timestamp: 3000,
		TxHashes:  []common.Hash{hash(0xee)},
		Outputs:   []Output{{TxHash: hash(0xee), Index: 0, Capacity: 6100}},
	}))

	n, err := s.UnspentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n, "change outputs are excluded")

	outs, err := s.UnspentOutputs(ctx, 100)
	require.NoError(t, err)
	require.Len(t, outs, 5)
	for _, o := range outs {
		assert.NotZero(t, o.Index, "change output must not be handed out")
		assert.Equal(t, uint64(6100), o.Capacity)
	}

	inserted, err := s.InsertSubmission(ctx, hash(0xa1), 1, hash(0xb1))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertSubmission(ctx, hash(0xa1), 1, hash(0xb9))
	require.NoError(t, err)
	assert.False(t, inserted, "an output is submitted at most once")

	n, err = s.UnspentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	outs, err = s.UnspentOutputs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, outs, 2)

	skipFirstHarvest := func(o Output) bool { return o.TxHash == hash(0xa1) }
	outs, err = s.UnspentOutputsExcluding(ctx, 10, 2, skipFirstHarvest)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	for _, o := range outs {
		assert.Equal(t, hash(0xa2), o.TxHash)
	}

	outs, err = s.UnspentOutputsExcluding(ctx, 1, 2, skipFirstHarvest)
	require.NoError(t, err)
	require.Len(t, outs, 1, "skipped rows do not count against the limit")
	assert.Equal(t, hash(0xa2), outs[0].TxHash)

	outs, err = s.UnspentOutputsExcluding(ctx, 1, 1, skipFirstHarvest)
	require.NoError(t, err)
	assert.Empty(t, outs, "the query reads at most limit+maxSkipped rows")

	outs, err = s.UnspentOutputs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestHarvestAt(t *testing.T) {
	s, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, ok, err := s.HarvestAt(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InsertHarvest(ctx, hash(0x44), 4, 0))
	require.NoError(t, s.InsertHarvest(ctx, hash(0x44), 4, 0))

	h, ok, err := s.HarvestAt(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, hash(0x44), h)
	assert.Equal(t, 1, countRows(t, s, "harvested_txns"))
}

func TestSubmissionCountsAndStatistics(t *testing.T) {
	s, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	harvestBlock(t, s, 100, 1000, hash(0xa1), 3)
	require.NoError(t, s.SetCursor(ctx, CursorTip, 100))

	for i, result := range []common.Hash{hash(0xb1), hash(0xb2), hash(0xb3)} {
		_, err := s.InsertSubmission(ctx, hash(0xa1), uint32(i+1), result)
		require.NoError(t, err)
	}

	require.NoError(t, s.InsertBlockFacts(ctx, BlockFacts{Height: 101, Timestamp: 3000, TxHashes: []common.Hash{hash(0xb1)}}))
	require.NoError(t, s.InsertBlockFacts(ctx, BlockFacts{Height: 102, Timestamp: 4000, TxHashes: []common.Hash{hash(0xb2)}}))

	counts, err := s.SubmissionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, SubmissionCounts{Submitted: 3, ConfirmedByHash: 2, ConfirmedOnChain: 2}, counts)

	st, err := s.Statistics(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, Statistics{
		Count:          2,
		FirstTimestamp: 1000,
		LastTimestamp:  4000,
		MinLatency:     2000,
		MaxLatency:     3000,
		SumLatency:     5000,
	}, st)

	st, err = s.Statistics(ctx, 101)
	require.NoError(t, err)
	assert.Zero(t, st.Count, "submissions stamped before the window are excluded")

	var turn int64
	require.NoError(t, s.rdb.QueryRow("SELECT turn_height FROM submissions LIMIT 1").Scan(&turn))
	assert.Equal(t, int64(100), turn, "submissions are stamped with the tip cursor")
}

func TestInsertSubmissionWithoutTip(t *testing.T) {
	s, cleanup := createTestStorage(t)
	defer cleanup()

	inserted, err := s.InsertSubmission(context.Background(), hash(1), 0, hash(2))
	require.NoError(t, err)
	assert.True(t, inserted)

	var turn int64
	require.NoError(t, s.rdb.QueryRow("SELECT turn_height FROM submissions").Scan(&turn))
	assert.Zero(t, turn)
}
