package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/module"
	"github.com/devrev/shardroute/internal/pending"
	"github.com/devrev/shardroute/internal/ring"
	"github.com/devrev/shardroute/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testVNodes = 8

// MockTransport is a mock implementation of transport.Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, to model.NodeID, env *model.Envelope, ack transport.AckLevel) error {
	args := m.Called(ctx, to, env, ack)
	return args.Error(0)
}

func (m *MockTransport) Handle(event string, h transport.Handler) {
	m.Called(event, h)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

type testNode struct {
	id       model.NodeID
	ring     *ring.Ring
	calls    *pending.Registry
	router   *Router
	handled  atomic.Int32
	release  chan struct{}
	endpoint *transport.MemoryTransport
}

func ownedBy(owner model.NodeID) *model.RingSnapshot {
	snap := model.NewRingSnapshot(testVNodes)
	snap.Version = model.RingVersion{Term: 1, Seq: 1}
	for i := range snap.Owners {
		snap.Owners[i] = owner
	}
	return snap
}

func newKVModule(t *testing.T, node *testNode) *module.Registry {
	t.Helper()
	kv := module.New("kv")
	require.NoError(t, kv.Handle("get", func(_ context.Context, args [][]byte) ([]byte, error) {
		node.handled.Add(1)
		return []byte(string(node.id) + ":" + string(args[0])), nil
	}))
	require.NoError(t, kv.Handle("fail", func(_ context.Context, _ [][]byte) ([]byte, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, kv.Handle("block", func(ctx context.Context, _ [][]byte) ([]byte, error) {
		select {
		case <-node.release:
		case <-ctx.Done():
		}
		return []byte("late"), nil
	}))
	require.NoError(t, kv.HandleLocal("whoami", func(_ context.Context, _ [][]byte) ([]byte, error) {
		return []byte(node.id), nil
	}))

	registry := module.NewRegistry()
	require.NoError(t, registry.Register(kv))
	return registry
}

// newTestCluster builds routers for ids on one memory network, with every
// vnode owned by owner
func newTestCluster(t *testing.T, owner model.NodeID, cfg *pending.Config, ids ...model.NodeID) (*transport.MemoryNetwork, map[model.NodeID]*testNode) {
	t.Helper()
	network := transport.NewMemoryNetwork(zap.NewNop())
	nodes := make(map[model.NodeID]*testNode)

	for _, id := range ids {
		node := &testNode{id: id, release: make(chan struct{})}
		node.ring = ring.New(id, testVNodes, nil, zap.NewNop())
		require.True(t, node.ring.Publish(ownedBy(owner)))

		callCfg := *cfg
		node.calls = pending.NewRegistry(&callCfg, nil, zap.NewNop())
		node.endpoint = network.Join(id, nil)
		node.router = New(&Config{NodeID: id, SendTimeout: time.Second}, node.ring, newKVModule(t, node), node.calls, node.endpoint, nil, zap.NewNop())
		nodes[id] = node
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			close(node.release)
			node.calls.Close()
			node.endpoint.Close()
		}
	})
	return network, nodes
}

func args(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func TestRouter_Invoke_LocalOwner(t *testing.T) {
	mockTransport := new(MockTransport)
	mockTransport.On("Handle", model.EventCall, mock.Anything).Return()
	mockTransport.On("Handle", model.EventReply, mock.Anything).Return()

	node := &testNode{id: "a", release: make(chan struct{})}
	node.ring = ring.New("a", testVNodes, nil, zap.NewNop())
	require.True(t, node.ring.Publish(ownedBy("a")))
	node.calls = pending.NewRegistry(&pending.Config{}, nil, zap.NewNop())
	defer node.calls.Close()

	r := New(&Config{NodeID: "a"}, node.ring, newKVModule(t, node), node.calls, mockTransport, nil, zap.NewNop())

	value, err := r.Invoke(context.Background(), "kv", "get", args("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "a:user-1", string(value))
	assert.Equal(t, int32(1), node.handled.Load())
	assert.Equal(t, 0, node.calls.Len())

	mockTransport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mockTransport.AssertExpectations(t)
}

func TestRouter_Invoke_LocalMethod(t *testing.T) {
	_, nodes := newTestCluster(t, model.NoOwner, &pending.Config{}, "a")

	value, err := nodes["a"].router.Invoke(context.Background(), "kv", "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", string(value))
}

func TestRouter_Invoke_UnknownMethod(t *testing.T) {
	_, nodes := newTestCluster(t, "a", &pending.Config{}, "a")

	_, err := nodes["a"].router.Invoke(context.Background(), "kv", "missing", args("k"))
	assert.ErrorIs(t, err, routeerr.ErrUnknownMethod)

	_, err = nodes["a"].router.Invoke(context.Background(), "nope", "get", args("k"))
	assert.ErrorIs(t, err, routeerr.ErrUnknownMethod)
}

func TestRouter_Invoke_NoOwner(t *testing.T) {
	_, nodes := newTestCluster(t, model.NoOwner, &pending.Config{}, "a")

	_, err := nodes["a"].router.Invoke(context.Background(), "kv", "get", args("user-1"))
	assert.ErrorIs(t, err, routeerr.ErrNoOwnerAvailable)
}

func TestRouter_Invoke_Remote(t *testing.T) {
	_, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b")

	value, err := nodes["a"].router.Invoke(context.Background(), "kv", "get", args("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "b:user-1", string(value))
	assert.Equal(t, int32(1), nodes["b"].handled.Load())
	assert.Equal(t, 0, nodes["a"].calls.Len())
}

func TestRouter_Invoke_RemoteExecutionError(t *testing.T) {
	_, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b")

	_, err := nodes["a"].router.Invoke(context.Background(), "kv", "fail", args("user-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, routeerr.ErrRemoteExecutionError)
	assert.Equal(t, "boom", err.Error())
	assert.False(t, routeerr.IsRoutingFault(err))
}

func TestRouter_Invoke_DispatchFailed(t *testing.T) {
	network, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b")
	network.Disconnect("b")

	_, err := nodes["a"].router.Invoke(context.Background(), "kv", "get", args("user-1"))
	assert.ErrorIs(t, err, routeerr.ErrDispatchFailed)
	assert.True(t, routeerr.IsRoutingFault(err))
	assert.Equal(t, 0, nodes["a"].calls.Len())
}

func TestRouter_Invoke_TimedOut(t *testing.T) {
	network, nodes := newTestCluster(t, "b", &pending.Config{
		GCWindow:     50 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	}, "a", "b")
	network.DropEvent(model.EventReply, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes["a"].calls.Start(ctx)

	start := time.Now()
	_, err := nodes["a"].router.Invoke(context.Background(), "kv", "get", args("user-1"))
	assert.ErrorIs(t, err, routeerr.ErrRequestTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, nodes["a"].calls.Len())
}

func TestRouter_Invoke_DuplicateResponse(t *testing.T) {
	network, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b")
	network.SetDuplicate(true)

	value, err := nodes["a"].router.Invoke(context.Background(), "kv", "get", args("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "b:user-1", string(value))

	// The duplicated request runs twice and produces two replies; the
	// second reply finds no pending entry
	assert.Eventually(t, func() bool {
		return nodes["b"].handled.Load() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, nodes["a"].calls.Len())
}

func TestRouter_Invoke_Cancelled(t *testing.T) {
	_, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := nodes["a"].router.Invoke(ctx, "kv", "block", args("user-1"))
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return nodes["a"].calls.Len() == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, routeerr.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled call did not resolve")
	}
	assert.Equal(t, 0, nodes["a"].calls.Len())
}

func TestRouter_FailTarget(t *testing.T) {
	_, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b")

	errCh := make(chan error, 1)
	go func() {
		_, err := nodes["a"].router.Invoke(context.Background(), "kv", "block", args("user-1"))
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return nodes["a"].calls.Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, nodes["a"].router.FailTarget("b"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, routeerr.ErrRequestTimedOut)
	case <-time.After(time.Second):
		t.Fatal("call to departed node did not resolve")
	}
}

func TestRouter_ReplyFromOtherNodeIgnored(t *testing.T) {
	_, nodes := newTestCluster(t, "b", &pending.Config{}, "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := nodes["a"].router.Invoke(ctx, "kv", "block", args("user-1"))
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return nodes["a"].calls.Len() == 1
	}, time.Second, 5*time.Millisecond)

	// "c" answers the call that was sent to "b"; the registry is fresh, so
	// the call holds correlation id 1
	forged, err := model.NewEnvelope(model.EventReply, "c", 0, model.CallResponse{
		CorrelationID: 1,
		Value:         []byte("forged"),
	})
	require.NoError(t, err)
	require.NoError(t, nodes["c"].endpoint.Send(context.Background(), "a", forged, transport.AckDelivered))

	assert.Never(t, func() bool { return len(errCh) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, nodes["a"].calls.Len())

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, routeerr.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("call did not resolve")
	}
}
