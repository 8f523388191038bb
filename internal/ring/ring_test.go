package ring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/devrev/shardroute/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func snapshot(term, seq uint64, owners ...model.NodeID) *model.RingSnapshot {
	return &model.RingSnapshot{Version: model.RingVersion{Term: term, Seq: seq}, Owners: owners}
}

func TestVNodeForKey(t *testing.T) {
	assert.Equal(t, VNodeForKey("user-42", 64), VNodeForKey("user-42", 64))
	assert.Equal(t, model.VNode(0), VNodeForKey("user-42", 0))
	assert.Equal(t, model.VNode(0), VNodeForKey("user-42", -3))

	seen := make(map[model.VNode]bool)
	for i := 0; i < 1000; i++ {
		v := VNodeForKey(fmt.Sprintf("key-%d", i), 8)
		require.GreaterOrEqual(t, int(v), 0)
		require.Less(t, int(v), 8)
		seen[v] = true
	}
	assert.Len(t, seen, 8)
}

func TestRing_ResolveBeforePublish(t *testing.T) {
	r := New("a", 4, nil, zap.NewNop())
	assert.Nil(t, r.Snapshot())
	assert.True(t, r.CurrentVersion().IsZero())
	assert.Equal(t, model.NoOwner, r.Resolve("anything"))
}

func TestRing_Publish(t *testing.T) {
	r := New("a", 2, nil, zap.NewNop())

	require.True(t, r.Publish(snapshot(1, 1, "a", "b")))
	assert.Equal(t, model.NodeID("b"), r.ResolveVNode(1))

	// same and older versions are ignored
	assert.False(t, r.Publish(snapshot(1, 1, "b", "b")))
	assert.False(t, r.Publish(snapshot(0, 9, "b", "b")))
	assert.Equal(t, model.NodeID("a"), r.ResolveVNode(0))

	// a higher term wins over a higher seq
	require.True(t, r.Publish(snapshot(2, 0, "b", "b")))
	assert.Equal(t, model.RingVersion{Term: 2, Seq: 0}, r.CurrentVersion())
	assert.Equal(t, model.NodeID("b"), r.Resolve("anything"))
}

func TestRing_PublishRejectsMalformed(t *testing.T) {
	r := New("a", 2, nil, zap.NewNop())
	assert.False(t, r.Publish(nil))
	assert.False(t, r.Publish(snapshot(1, 1, "a")))
	assert.Nil(t, r.Snapshot())
}

func TestRing_OnPublish(t *testing.T) {
	r := New("a", 1, nil, zap.NewNop())

	var calls [][2]*model.RingSnapshot
	r.OnPublish(func(prev, next *model.RingSnapshot) {
		calls = append(calls, [2]*model.RingSnapshot{prev, next})
	})

	first := snapshot(1, 1, "a")
	second := snapshot(1, 2, "b")
	require.True(t, r.Publish(first))
	require.False(t, r.Publish(first))
	require.True(t, r.Publish(second))

	require.Len(t, calls, 2)
	assert.Nil(t, calls[0][0])
	assert.Same(t, first, calls[0][1])
	assert.Same(t, first, calls[1][0])
	assert.Same(t, second, calls[1][1])
}

func TestRing_ConcurrentPublishIsMonotonic(t *testing.T) {
	r := New("a", 1, nil, zap.NewNop())

	var wg sync.WaitGroup
	for seq := uint64(1); seq <= 50; seq++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			r.Publish(snapshot(1, seq, "a"))
		}(seq)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		var last model.RingVersion
		for {
			select {
			case <-stop:
				return
			default:
			}
			v := r.CurrentVersion()
			assert.False(t, v.Less(last), "version went backwards")
			last = v
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone
	assert.Equal(t, model.RingVersion{Term: 1, Seq: 50}, r.CurrentVersion())
}
