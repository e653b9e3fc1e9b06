package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRPC(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.ObserveRPC("send_transaction", nil, time.Now())
	m.ObserveRPC("send_transaction", errors.New("boom"), time.Now())
	m.ObserveRPC("get_tip_block_number", context.DeadlineExceeded, time.Now())
	m.ObserveRPC("dry_run_transaction", nil, time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("send_transaction", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("send_transaction", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("get_tip_block_number", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("other", "ok")), "unknown methods are bucketed")
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordSend(true, 10*time.Millisecond)
	m.RecordSend(false, time.Second)
	m.RecordHarvest("poor")
	m.RecordBlockSynced()
	m.SetCursor("chain", 15)
	m.SetUnspent(42)
	m.SetWindow("turn", 12.5, 3)
	m.RecordSaturated()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HarvestsTotal.WithLabelValues("poor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksSynced))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.CursorHeight.WithLabelValues("chain")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.UnspentOutputs))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.TPS.WithLabelValues("turn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Saturated))

	n, err := testutil.GatherAndCount(reg, "shot_send_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *PrometheusMetrics

	assert.NotPanics(t, func() {
		m.ObserveRPC("send_transaction", nil, time.Now())
		m.RecordSend(true, time.Millisecond)
		m.RecordHarvest("sent")
		m.RecordBlockSynced()
		m.RecordLedgerError("insert_submission")
		m.SetCursor("tip", 1)
		m.SetUnspent(1)
		m.SetWindow("last", 1, 1)
		m.SetInFlight(1)
		m.RecordSaturated()
	})
}
