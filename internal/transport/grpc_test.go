package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newBufconnPair(t *testing.T) (client, server *GRPCTransport) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	server = NewGRPCTransport(&GRPCConfig{NodeID: "b"}, nil, zap.NewNop())
	go func() {
		_ = server.Serve(lis)
	}()

	client = NewGRPCTransport(&GRPCConfig{
		NodeID:      "a",
		SendTimeout: time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil, zap.NewNop())
	client.SetPeer("b", "passthrough:///bufnet")

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestGRPCTransport_Send_Delivers(t *testing.T) {
	client, server := newBufconnPair(t)
	received := make(chan *model.Envelope, 1)
	server.Handle("test.event", func(_ context.Context, env *model.Envelope) {
		received <- env
	})

	env := testEnvelope(t, "test.event", "a")
	require.NoError(t, client.Send(context.Background(), "b", env, AckDelivered))

	select {
	case got := <-received:
		assert.Equal(t, model.NodeID("a"), got.From)
		assert.JSONEq(t, string(env.Payload), string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestGRPCTransport_Send_NoHandler(t *testing.T) {
	client, _ := newBufconnPair(t)

	err := client.Send(context.Background(), "b", testEnvelope(t, "missing", "a"), AckDelivered)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGRPCTransport_Send_UnknownPeer(t *testing.T) {
	client, _ := newBufconnPair(t)

	err := client.Send(context.Background(), "c", testEnvelope(t, "test.event", "a"), AckDelivered)
	assert.Error(t, err)

	client.RemovePeer("b")
	err = client.Send(context.Background(), "b", testEnvelope(t, "test.event", "a"), AckDelivered)
	assert.Error(t, err)
}

func TestGRPCTransport_Send_Self(t *testing.T) {
	client, _ := newBufconnPair(t)
	received := make(chan *model.Envelope, 1)
	client.Handle("test.event", func(_ context.Context, env *model.Envelope) {
		received <- env
	})

	require.NoError(t, client.Send(context.Background(), "a", testEnvelope(t, "test.event", "a"), AckNone))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("local envelope not dispatched")
	}
}

func TestGRPCTransport_Send_AfterClose(t *testing.T) {
	client, _ := newBufconnPair(t)
	require.NoError(t, client.Close())

	err := client.Send(context.Background(), "b", testEnvelope(t, "test.event", "a"), AckDelivered)
	assert.Error(t, err)
}
