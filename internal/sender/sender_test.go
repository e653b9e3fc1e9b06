package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/ratelimit"
	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// fakeTarget implements TxSender for testing.
type fakeTarget struct {
	delay     time.Duration
	err       error
	sendCount atomic.Int32
	release   chan struct{}
}

func (f *fakeTarget) SendTransaction(ctx context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	f.sendCount.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0xabc"), nil
}

func testTx() *txbuilder.Transaction {
	lock := txbuilder.Script{CodeHash: common.HexToHash("0x1"), HashType: txbuilder.HashTypeData, Args: []byte{1}}
	return txbuilder.BuildSelfTransfer(txbuilder.Cell{
		OutPoint: txbuilder.OutPoint{TxHash: common.HexToHash("0x10")},
		Capacity: 6_100_000_000,
	}, lock)
}

func TestDispatcherSend(t *testing.T) {
	target := &fakeTarget{}
	d := New(Config{Target: target, Concurrency: 10})

	var got Result
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, d.Send(context.Background(), testTx(), func(r Result) {
		got = r
		wg.Done()
	}))
	wg.Wait()

	assert.NoError(t, got.Err)
	assert.Equal(t, common.HexToHash("0xabc"), got.Hash)
	assert.Equal(t, int32(1), target.sendCount.Load())
}

func TestDispatcherErrorCallback(t *testing.T) {
	boom := errors.New("boom")
	d := New(Config{Target: &fakeTarget{err: boom}})

	var got Result
	require.NoError(t, d.Send(context.Background(), testTx(), func(r Result) { got = r }))
	d.Wait()

	assert.ErrorIs(t, got.Err, boom)
}

func TestDispatcherAtCapacity(t *testing.T) {
	target := &fakeTarget{release: make(chan struct{})}
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	d := New(Config{Target: target, Concurrency: 2, Metrics: m})

	for i := 0; i < 2; i++ {
		require.NoError(t, d.Send(context.Background(), testTx(), nil))
	}
	assert.Equal(t, 2, d.InFlight())
	assert.Equal(t, 2, d.Capacity())
	assert.Zero(t, d.Saturated())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Send(ctx, testTx(), nil), context.DeadlineExceeded)
	assert.Equal(t, uint64(1), d.Saturated())

	sent := make(chan error, 1)
	go func() { sent <- d.Send(context.Background(), testTx(), nil) }()
	require.Eventually(t, func() bool { return d.Saturated() == 2 }, time.Second, time.Millisecond)

	close(target.release)
	require.NoError(t, <-sent)
	d.Wait()
	assert.Equal(t, 0, d.InFlight())
	assert.Equal(t, 2, d.Peak())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Saturated))
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	target := &fakeTarget{delay: time.Millisecond}
	d := New(Config{Target: target, Concurrency: 8})

	const n = 200
	var done atomic.Int32
	for i := 0; i < n; i++ {
		require.NoError(t, d.Send(context.Background(), testTx(), func(Result) { done.Add(1) }))
	}
	d.Wait()

	assert.Equal(t, int32(n), done.Load())
	assert.Equal(t, int32(n), target.sendCount.Load())
	assert.LessOrEqual(t, d.Peak(), 8)
}

func TestDispatcherDefaults(t *testing.T) {
	d := New(Config{Target: &fakeTarget{}})
	assert.Equal(t, DefaultConcurrency, d.Capacity())
}

func TestDispatcherRateLimited(t *testing.T) {
	d := New(Config{Target: &fakeTarget{}, Limiter: ratelimit.New(100)})

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Send(context.Background(), testTx(), nil))
	}
	d.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
