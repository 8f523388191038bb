package module

import (
	"context"
	"errors"
	"testing"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, args [][]byte) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func TestModule_Handle(t *testing.T) {
	m := New("counter")

	require.NoError(t, m.Handle("incr", echo))
	require.NoError(t, m.HandleLocal("stats", echo))

	t.Run("duplicate name", func(t *testing.T) {
		assert.Error(t, m.Handle("incr", echo))
		assert.Error(t, m.HandleLocal("incr", echo))
	})

	t.Run("invalid name", func(t *testing.T) {
		assert.Error(t, m.Handle("", echo))
		assert.Error(t, m.Handle("a.b", echo))
	})

	t.Run("missing handler", func(t *testing.T) {
		assert.Error(t, m.Handle("nil", nil))
	})

	method, ok := m.Method("incr")
	require.True(t, ok)
	assert.False(t, method.Local)

	method, ok = m.Method("stats")
	require.True(t, ok)
	assert.True(t, method.Local)
}

func TestModule_VNodeFor(t *testing.T) {
	byTenant := func(args [][]byte) (string, error) {
		if len(args) < 2 {
			return "", errors.New("missing tenant")
		}
		return string(args[1]), nil
	}

	m := New("counter")
	require.NoError(t, m.Handle("incr", echo))
	require.NoError(t, m.Handle("tenant", echo, WithShardKey(byTenant)))

	incr, _ := m.Method("incr")
	key, vnode, err := m.VNodeFor(incr, [][]byte{[]byte("user-1")}, 64)
	require.NoError(t, err)
	assert.Equal(t, "user-1", key)
	assert.Equal(t, ring.VNodeForKey("user-1", 64), vnode)

	_, _, err = m.VNodeFor(incr, nil, 64)
	assert.Error(t, err)

	tenant, _ := m.Method("tenant")
	key, vnode, err = m.VNodeFor(tenant, [][]byte{[]byte("user-1"), []byte("acme")}, 64)
	require.NoError(t, err)
	assert.Equal(t, "acme", key)
	assert.Equal(t, ring.VNodeForKey("acme", 64), vnode)
}

func TestModule_SingleInstance(t *testing.T) {
	m := New("scheduler", SingleInstance())
	require.NoError(t, m.Handle("tick", echo))
	method, _ := m.Method("tick")

	for _, key := range []string{"a", "b", "c", "d"} {
		_, vnode, err := m.VNodeFor(method, [][]byte{[]byte(key)}, 64)
		require.NoError(t, err)
		assert.Equal(t, model.VNode(0), vnode)
	}
	assert.True(t, m.IsSingleInstance())
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	m := New("counter")
	require.NoError(t, m.Handle("incr", echo))
	require.NoError(t, r.Register(m))

	assert.Error(t, r.Register(New("counter")))
	assert.Error(t, r.Register(New("")))

	gotModule, gotMethod, err := r.Lookup("counter", "incr")
	require.NoError(t, err)
	assert.Same(t, m, gotModule)
	assert.Equal(t, "incr", gotMethod.Name)

	_, _, err = r.Lookup("counter", "decr")
	assert.ErrorIs(t, err, routeerr.ErrUnknownMethod)

	_, _, err = r.Lookup("missing", "incr")
	assert.ErrorIs(t, err, routeerr.ErrUnknownMethod)
}

func TestRegistry_Modules(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("zeta")))
	require.NoError(t, r.Register(New("alpha")))

	modules := r.Modules()
	require.Len(t, modules, 2)
	assert.Equal(t, "alpha", modules[0].Name())
	assert.Equal(t, "zeta", modules[1].Name())
}
