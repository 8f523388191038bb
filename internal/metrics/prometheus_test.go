package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCall("counter", "incr", "local", "ok", time.Millisecond)
		m.SetPendingCalls(3)
		m.AddReaped(1)
		m.IncDuplicateResponse()
		m.RecordRingPublish(true, 1, 1, 4)
		m.SetMembers(3)
		m.RecordLeadership(2, true)
		m.IncStaleMessage("ring.update")
		m.IncSuppressedFlap()
		m.RecordPlan("completed")
		m.RecordMove("acked", time.Second)
		m.RecordMessage("shard.call", "out")
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "node-a")

	m.RecordCall("counter", "incr", "remote", "ok", 5*time.Millisecond)
	m.RecordRingPublish(true, 2, 7, 16)
	m.RecordRingPublish(false, 0, 0, 0)
	m.RecordLeadership(2, true)
	m.RecordLeadership(3, false)
	m.AddReaped(0)
	m.RecordMove("acked", 10*time.Millisecond)
	m.RecordMove("timeout", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("counter", "incr", "remote", "ok")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RingSeq))
	assert.Equal(t, 16.0, testutil.ToFloat64(m.OwnedVNodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RingPublishes.WithLabelValues("rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LeaderTerm))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IsLeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ElectionsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReapedCallsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HandoffDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var nodeID string
			for _, label := range metric.GetLabel() {
				if label.GetName() == "node_id" {
					nodeID = label.GetValue()
				}
			}
			assert.Equal(t, "node-a", nodeID, family.GetName())
		}
	}
}
