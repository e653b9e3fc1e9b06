package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cellshot/internal/account"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/sender"
	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// fakeTarget accepts every transaction and answers with a hash derived from
// the spent outpoint.
type fakeTarget struct {
	mu   sync.Mutex
	err  error
	seen map[txbuilder.OutPoint]int
}

func (f *fakeTarget) SendTransaction(_ context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[txbuilder.OutPoint]int)
	}
	op := tx.Inputs[0].PreviousOutput
	f.seen[op]++
	if f.err != nil {
		return common.Hash{}, f.err
	}
	result := op.TxHash
	result[0] = 0xee
	result[1] = byte(op.Index)
	return result, nil
}

func (f *fakeTarget) sends() (total, distinct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.seen {
		total += n
	}
	return total, len(f.seen)
}

func seedStore(t *testing.T, outputs int) *storage.SQLiteStorage {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	harvest := common.HexToHash("0xa1")
	facts := storage.BlockFacts{Height: 1, Timestamp: 1000, TxHashes: []common.Hash{harvest}}
	for i := 0; i <= outputs; i++ {
		facts.Outputs = append(facts.Outputs, storage.Output{TxHash: harvest, Index: uint32(i), Capacity: 4_500_000_000})
	}
	require.NoError(t, store.InsertBlockFacts(ctx, facts))
	require.NoError(t, store.InsertHarvest(ctx, harvest, 1, txbuilder.ChangeIndex))
	return store
}

func newPipeline(t *testing.T, store storage.SubmissionStore, target sender.TxSender, batch int) *Pipeline {
	t.Helper()
	owned, err := account.Owned("run1")
	require.NoError(t, err)

	p := New(Config{
		Store:      store,
		Dispatcher: sender.New(sender.Config{Target: target, Concurrency: 4}),
		Owned:      owned,
		BatchSize:  batch,
		Progress:   progress.NewHub(8),
	})
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	return p
}

func runUntil(t *testing.T, p *Pipeline, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, done, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipelineSpendsEveryOutputOnce(t *testing.T) {
	store := seedStore(t, 25)
	target := &fakeTarget{}
	p := newPipeline(t, store, target, 10)
	ctx := context.Background()

	runUntil(t, p, func() bool {
		n, err := store.UnspentCount(ctx)
		return err == nil && n == 0
	})

	total, distinct := target.sends()
	assert.Equal(t, 25, distinct)
	assert.Equal(t, 25, total, "an in-flight or submitted output is never sent twice")

	counts, err := store.SubmissionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), counts.Submitted)

	st := p.Status()
	assert.Equal(t, uint64(25), st.Outcomes.Sent)
	assert.Equal(t, uint64(25), st.Outcomes.Passed)
	assert.Zero(t, st.Outcomes.Failed)
	assert.Zero(t, st.InFlight)
	assert.NotEmpty(t, st.Batch)
	require.NotNil(t, st.SendLatency)
	assert.Equal(t, 25, st.SendLatency.Count)
	assert.LessOrEqual(t, st.PeakInFlight, 4)
}

func TestPipelineFailedSendsStayUnspent(t *testing.T) {
	store := seedStore(t, 3)
	target := &fakeTarget{err: errors.New("pool full")}
	p := newPipeline(t, store, target, 10)
	ctx := context.Background()

	runUntil(t, p, func() bool {
		total, _ := target.sends()
		return total >= 6
	})

	n, err := store.UnspentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	counts, err := store.SubmissionCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Submitted)

	st := p.Status()
	assert.Zero(t, st.Outcomes.Passed)
	assert.Equal(t, st.Outcomes.Sent, st.Outcomes.Failed)
	assert.GreaterOrEqual(t, st.Outcomes.Failed, uint64(6), "failed outputs are retried in later cycles")
}

func TestPipelineIdleWithoutOutputs(t *testing.T) {
	store := seedStore(t, 0)
	target := &fakeTarget{}
	p := newPipeline(t, store, target, 10)

	var mu sync.Mutex
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return context.Canceled
	}

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []time.Duration{defaultIdleDelay}, delays)
	total, _ := target.sends()
	assert.Zero(t, total)
}

// stalledStore holds every submission write until release is closed.
type stalledStore struct {
	*storage.SQLiteStorage
	release chan struct{}
}

func (s *stalledStore) InsertSubmission(ctx context.Context, txHash common.Hash, index uint32, result common.Hash) (bool, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return s.SQLiteStorage.InsertSubmission(ctx, txHash, index, result)
}

func TestPipelineDispatchDoesNotWaitForWriter(t *testing.T) {
	const outputs = 1200
	store := &stalledStore{SQLiteStorage: seedStore(t, outputs), release: make(chan struct{})}
	target := &fakeTarget{}
	p := newPipeline(t, store, target, outputs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		total, _ := target.sends()
		return total == outputs
	}, 10*time.Second, 5*time.Millisecond, "every output is dispatched while the writer is stalled")

	n, err := store.UnspentCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(outputs), n, "nothing is recorded yet")
	require.Eventually(t, func() bool {
		return p.Status().PendingWrites == outputs-1
	}, 5*time.Second, 5*time.Millisecond, "accepted spends queue behind the held write")

	close(store.release)
	require.Eventually(t, func() bool {
		n, err := store.UnspentCount(context.Background())
		return err == nil && n == 0
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	total, distinct := target.sends()
	assert.Equal(t, outputs, total, "held outputs stay in flight until stored")
	assert.Equal(t, outputs, distinct)
	assert.Zero(t, p.Status().PendingWrites)
}
