package harvester

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cellshot/internal/account"
	"github.com/gateway-fm/cellshot/internal/rpc"
	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

const (
	rich uint64 = 100_000_000_000
	poor uint64 = 100
)

type fakeIndex struct {
	cells   map[uint64][]uint64
	err     error
	queried []uint64
}

func (f *fakeIndex) OutputsByLockHash(_ context.Context, _ common.Hash, from, to uint64) ([]rpc.LiveCell, error) {
	f.queried = append(f.queried, from)
	if f.err != nil {
		return nil, f.err
	}
	var out []rpc.LiveCell
	for i, c := range f.cells[from] {
		out = append(out, rpc.LiveCell{
			OutPoint: txbuilder.OutPoint{TxHash: common.BigToHash(common.Big1), Index: hexutil.Uint64(i)},
			Capacity: hexutil.EncodeUint64(c),
		})
	}
	return out, nil
}

type fakeTarget struct {
	mu   sync.Mutex
	err  error
	sent []*txbuilder.Transaction
}

func (f *fakeTarget) SendTransaction(_ context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.sent = append(f.sent, tx)
	return common.BytesToHash([]byte{0xaa, byte(len(f.sent))}), nil
}

type fixture struct {
	store  *storage.SQLiteStorage
	index  *fakeIndex
	target *fakeTarget
	h      *Harvester
}

func newFixture(t *testing.T, cells map[uint64][]uint64, mutate func(*Config)) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "harvest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	owned, err := account.Owned("run1")
	require.NoError(t, err)

	fx := &fixture{store: store, index: &fakeIndex{cells: cells}, target: &fakeTarget{}}
	cfg := Config{
		Index:  fx.index,
		Target: fx.target,
		Store:  store,
		Source: account.Source(),
		Owned:  owned,
		Margin: 10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fx.h = New(cfg)
	return fx
}

func (fx *fixture) setCursors(t *testing.T, tip, chain uint64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.store.SetCursor(ctx, storage.CursorTip, tip))
	require.NoError(t, fx.store.SetCursor(ctx, storage.CursorChain, chain))
}

func (fx *fixture) cursor(t *testing.T, name string) (uint64, bool) {
	t.Helper()
	h, ok, err := fx.store.Cursor(context.Background(), name)
	require.NoError(t, err)
	return h, ok
}

func TestStepHarvestsAndSkipsPoorBlocks(t *testing.T) {
	fx := newFixture(t, map[uint64][]uint64{
		0: {rich},
		1: {poor},
		3: {rich / 2, rich / 2},
	}, nil)
	fx.setCursors(t, 30, 3)
	ctx := context.Background()

	n, err := fx.h.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []uint64{0, 1, 2, 3}, fx.index.queried)
	require.Len(t, fx.target.sent, 2)

	harvested, _ := fx.cursor(t, storage.CursorHarvested)
	assert.Equal(t, uint64(3), harvested)
	_, ok := fx.cursor(t, storage.CursorHarvestChecked)
	assert.False(t, ok, "first harvest is not on chain yet")

	first, found, err := fx.store.HarvestAt(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, fx.store.InsertBlockFacts(ctx, storage.BlockFacts{
		Height: 4, Timestamp: 4000, TxHashes: []common.Hash{first},
	}))

	n, err = fx.h.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new to scan")

	checked, ok := fx.cursor(t, storage.CursorHarvestChecked)
	require.True(t, ok)
	assert.Equal(t, uint64(2), checked, "checked stops before the unconfirmed harvest at #3")
}

func TestStepHarvestShape(t *testing.T) {
	fx := newFixture(t, map[uint64][]uint64{0: {rich}}, func(c *Config) { c.MaxOutputs = 10 })
	fx.setCursors(t, 20, 0)

	_, err := fx.h.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, fx.target.sent, 1)

	tx := fx.target.sent[0]
	require.Len(t, tx.Outputs, 11)
	assert.True(t, account.Source().Owns(tx.Outputs[0].Lock), "change returns to the source lock")

	total, err := tx.OutputCapacity()
	require.NoError(t, err)
	assert.Equal(t, rich, total, "capacity is conserved")
	for _, out := range tx.Outputs[1:] {
		assert.Equal(t, hexutil.Uint64(4_500_000_000), out.Capacity)
	}
}

func TestStepPoorAdvancesBothCursors(t *testing.T) {
	fx := newFixture(t, map[uint64][]uint64{0: {poor}}, nil)
	fx.setCursors(t, 20, 0)

	n, err := fx.h.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, fx.target.sent)

	harvested, _ := fx.cursor(t, storage.CursorHarvested)
	checked, _ := fx.cursor(t, storage.CursorHarvestChecked)
	assert.Equal(t, uint64(0), harvested)
	assert.Equal(t, uint64(0), checked)

	fx.setCursors(t, 20, 1)
	_, err = fx.h.Step(context.Background())
	require.NoError(t, err)
	harvested, _ = fx.cursor(t, storage.CursorHarvested)
	assert.Equal(t, uint64(1), harvested, "an empty block is poor as well")
	checked, _ = fx.cursor(t, storage.CursorHarvestChecked)
	assert.Equal(t, uint64(1), checked, "the checked walk carries over poor blocks")
}

func TestStepSendFailureKeepsCursor(t *testing.T) {
	fx := newFixture(t, map[uint64][]uint64{5: {rich}}, func(c *Config) { c.Start = 5 })
	fx.target.err = errors.New("rejected")
	fx.setCursors(t, 30, 10)

	n, err := fx.h.Step(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	_, ok := fx.cursor(t, storage.CursorHarvested)
	assert.False(t, ok)
	_, found, err := fx.store.HarvestAt(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, found)

	fx.target.err = nil
	_, err = fx.h.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 5, 6, 7, 8, 9, 10}, fx.index.queried)
}

func TestStepWaitsForSafeChain(t *testing.T) {
	tests := []struct {
		name  string
		tip   uint64
		chain uint64
		want  []uint64
	}{
		{"tip below margin", 5, 0, nil},
		{"chain behind safe", 30, 1, []uint64{0, 1}},
		{"safe behind chain", 12, 9, []uint64{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, nil, nil)
			fx.setCursors(t, tt.tip, tt.chain)

			_, err := fx.h.Step(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, fx.index.queried)
		})
	}
}

func TestStepBackpressure(t *testing.T) {
	fx := newFixture(t, map[uint64][]uint64{1: {rich}}, func(c *Config) { c.HighWater = 1 })
	ctx := context.Background()

	harvest := common.HexToHash("0xbeef")
	require.NoError(t, fx.store.InsertBlockFacts(ctx, storage.BlockFacts{
		Height:   0,
		TxHashes: []common.Hash{harvest},
		Outputs: []storage.Output{
			{TxHash: harvest, Index: 0, Capacity: 1},
			{TxHash: harvest, Index: 1, Capacity: 2},
			{TxHash: harvest, Index: 2, Capacity: 2},
		},
	}))
	require.NoError(t, fx.store.InsertHarvest(ctx, harvest, 0, 0))
	require.NoError(t, fx.store.SetCursor(ctx, storage.CursorHarvested, 0))
	fx.setCursors(t, 20, 5)

	n, err := fx.h.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fx.index.queried, "no scanning while rich enough")
	assert.Empty(t, fx.target.sent)
}

func TestStepIndexError(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.index.err = errors.New("timeout")
	fx.setCursors(t, 20, 3)

	_, err := fx.h.Step(context.Background())
	require.Error(t, err)
	_, ok := fx.cursor(t, storage.CursorHarvested)
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	fx := newFixture(t, map[uint64][]uint64{0: {rich}}, nil)
	fx.setCursors(t, 20, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.h.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.NoError(t, fx.h.Run(ctx))
	assert.Len(t, fx.target.sent, 1)
}

func TestDefaults(t *testing.T) {
	fx := newFixture(t, nil, nil)
	assert.Equal(t, DefaultHighWater, fx.h.highWater)
	assert.Equal(t, -1, fx.h.maxOutputs)
}
