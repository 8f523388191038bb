package pending

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock Clock) *Registry {
	return NewRegistry(&Config{GCWindow: 10 * time.Second, Clock: clock}, nil, zap.NewNop())
}

func TestRegistry_RegisterAssignsIncreasingIDs(t *testing.T) {
	r := newTestRegistry(nil)
	first := r.Register("b", "counter.incr")
	second := r.Register("c", "counter.incr")

	assert.Less(t, first.ID, second.ID)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ResolveExactlyOnce(t *testing.T) {
	r := newTestRegistry(nil)
	call := r.Register("b", "counter.get")

	assert.True(t, r.Resolve(call.ID, []byte("7"), nil))
	assert.False(t, r.Resolve(call.ID, []byte("8"), nil))
	assert.False(t, r.Cancel(call.ID, routeerr.Cancelled(nil)))
	assert.Equal(t, 0, r.Len())

	value, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), value)
}

func TestRegistry_ResolveUnknownID(t *testing.T) {
	r := newTestRegistry(nil)
	assert.False(t, r.Resolve(999, nil, nil))
}

func TestRegistry_ResolveFromChecksSender(t *testing.T) {
	r := newTestRegistry(nil)
	call := r.Register("b", "counter.get")

	assert.False(t, r.ResolveFrom(call.ID, "c", []byte("forged"), nil))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.ResolveFrom(call.ID, "b", []byte("7"), nil))
	value, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), value)

	assert.False(t, r.ResolveFrom(call.ID, "b", []byte("again"), nil))
}

func TestRegistry_Reap(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	old := r.Register("b", "counter.incr")
	clock.Advance(6 * time.Second)
	fresh := r.Register("b", "counter.incr")

	assert.Equal(t, 0, r.Reap(clock.Now()))

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, r.Reap(clock.Now()))
	assert.Equal(t, 1, r.Len())

	_, err := old.Wait(context.Background())
	assert.ErrorIs(t, err, routeerr.ErrRequestTimedOut)

	// a late response for a reaped call is dropped
	assert.False(t, r.Resolve(old.ID, []byte("late"), nil))

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, r.Reap(clock.Now()))
	_, err = fresh.Wait(context.Background())
	assert.ErrorIs(t, err, routeerr.ErrRequestTimedOut)
}

func TestRegistry_StartRunsReaper(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	r := NewRegistry(&Config{GCWindow: time.Second, ReapInterval: 10 * time.Millisecond, Clock: clock}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Close()

	call := r.Register("b", "counter.incr")
	clock.Advance(2 * time.Second)

	select {
	case res := <-call.Done():
		assert.ErrorIs(t, res.Err, routeerr.ErrRequestTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("call was not reaped")
	}
}

func TestRegistry_FailTarget(t *testing.T) {
	r := newTestRegistry(nil)
	toB := r.Register("b", "counter.incr")
	toC := r.Register("c", "counter.incr")

	failed := r.FailTarget("b", func(id uint64) error {
		return routeerr.RequestTimedOut(id, "target left")
	})
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, r.Len())

	_, err := toB.Wait(context.Background())
	assert.ErrorIs(t, err, routeerr.ErrRequestTimedOut)

	assert.True(t, r.Resolve(toC.ID, []byte("ok"), nil))
}

func TestCall_WaitCancelled(t *testing.T) {
	r := newTestRegistry(nil)
	call := r.Register("b", "slow.wait")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, routeerr.ErrCancelled)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Resolve(call.ID, []byte("late"), nil))
}

func TestRegistry_CloseCancelsOutstanding(t *testing.T) {
	r := newTestRegistry(nil)
	calls := []*Call{r.Register("b", "x.y"), r.Register("c", "x.y")}

	r.Close()
	r.Close()

	for _, call := range calls {
		_, err := call.Wait(context.Background())
		assert.ErrorIs(t, err, routeerr.ErrCancelled)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentResolutionDeliversOnce(t *testing.T) {
	r := newTestRegistry(nil)
	call := r.Register(model.NodeID("b"), "counter.incr")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = r.Resolve(call.ID, []byte("v"), nil)
			} else {
				ok = r.Cancel(call.ID, routeerr.Cancelled(nil))
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	<-call.Done()
	select {
	case <-call.Done():
		t.Fatal("second result delivered")
	default:
	}
}
