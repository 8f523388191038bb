package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/util/workerpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	codecName     = "json"
	deliverMethod = "/shardroute.Transport/Deliver"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries envelopes as JSON so no generated protobuf types are needed
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// deliverAck is the empty reply of Deliver
type deliverAck struct{}

type deliverServer interface {
	Deliver(ctx context.Context, env *model.Envelope) (*deliverAck, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(model.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*model.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "shardroute.Transport",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shardroute/transport",
}

// GRPCConfig holds gRPC transport configuration
type GRPCConfig struct {
	NodeID      model.NodeID
	SendTimeout time.Duration
	Workers     int
	QueueSize   int
	DialOptions []grpc.DialOption
}

// GRPCTransport delivers envelopes over a unary gRPC method
type GRPCTransport struct {
	self        model.NodeID
	disp        *dispatcher
	server      *grpc.Server
	sendTimeout time.Duration
	dialOptions []grpc.DialOption

	mu    sync.RWMutex
	peers map[model.NodeID]string     // nodeID -> address
	conns map[string]*grpc.ClientConn // address -> connection

	closed  atomic.Bool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewGRPCTransport creates a transport; call Serve to accept inbound envelopes
func NewGRPCTransport(cfg *GRPCConfig, m *metrics.Metrics, logger *zap.Logger) *GRPCTransport {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOptions := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	dialOptions = append(dialOptions, cfg.DialOptions...)

	t := &GRPCTransport{
		self:        cfg.NodeID,
		disp:        newDispatcher("grpc-inbound", cfg.Workers, cfg.QueueSize, m, logger),
		sendTimeout: cfg.SendTimeout,
		dialOptions: dialOptions,
		peers:       make(map[model.NodeID]string),
		conns:       make(map[string]*grpc.ClientConn),
		metrics:     m,
		logger:      logger,
	}
	t.server = grpc.NewServer()
	t.server.RegisterService(&transportServiceDesc, &grpcServer{transport: t})
	return t
}

// Serve accepts inbound envelopes on lis until Close
func (t *GRPCTransport) Serve(lis net.Listener) error {
	t.logger.Info("Transport listening", zap.String("address", lis.Addr().String()))
	if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("transport server failed: %w", err)
	}
	return nil
}

// SetPeer implements PeerBook
func (t *GRPCTransport) SetPeer(id model.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// RemovePeer implements PeerBook. The cached connection is closed.
func (t *GRPCTransport) RemovePeer(id model.NodeID) {
	t.mu.Lock()
	addr, ok := t.peers[id]
	delete(t.peers, id)
	conn := t.conns[addr]
	if ok {
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.Debug("Failed to close peer connection",
				zap.String("node_id", string(id)),
				zap.Error(err))
		}
	}
}

// Send implements Transport
func (t *GRPCTransport) Send(ctx context.Context, to model.NodeID, env *model.Envelope, ack AckLevel) error {
	if t.closed.Load() {
		return fmt.Errorf("transport is closed")
	}
	if to == t.self {
		t.metrics.RecordMessage(env.Event, "out")
		return t.disp.dispatch(env)
	}
	if ack == AckNone {
		return t.disp.async(env.Event, func(ctx context.Context) {
			if err := t.deliver(ctx, to, env); err != nil {
				t.logger.Debug("Async delivery failed",
					zap.String("to", string(to)),
					zap.String("event", env.Event),
					zap.Error(err))
			}
		})
	}
	return t.deliver(ctx, to, env)
}

func (t *GRPCTransport) deliver(ctx context.Context, to model.NodeID, env *model.Envelope) error {
	conn, err := t.getConn(to)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	if err := conn.Invoke(callCtx, deliverMethod, env, &deliverAck{}, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("deliver %s to %s failed: %w", env.Event, to, err)
	}
	t.metrics.RecordMessage(env.Event, "out")
	return nil
}

// getConn retrieves or creates the client connection for a peer
func (t *GRPCTransport) getConn(to model.NodeID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	addr, ok := t.peers[to]
	conn := t.conns[addr]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", to)
	}
	if conn != nil {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, exists := t.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, t.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	t.conns[addr] = conn

	t.logger.Info("Created transport client",
		zap.String("node_id", string(to)),
		zap.String("target", addr))
	return conn, nil
}

// Handle implements Transport
func (t *GRPCTransport) Handle(event string, h Handler) {
	t.disp.handle(event, h)
}

// Close stops the server, closes every peer connection and drains the pool
func (t *GRPCTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.server.GracefulStop()

	t.mu.Lock()
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.logger.Warn("Failed to close connection",
				zap.String("target", addr),
				zap.Error(err))
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	t.mu.Unlock()

	t.disp.stop()
	return nil
}

type grpcServer struct {
	transport *GRPCTransport
}

// Deliver hands an inbound envelope to the dispatcher
func (s *grpcServer) Deliver(ctx context.Context, env *model.Envelope) (*deliverAck, error) {
	if env.Event == "" {
		return nil, status.Error(codes.InvalidArgument, "envelope has no event")
	}
	err := s.transport.disp.dispatch(env)
	switch {
	case err == nil:
		return &deliverAck{}, nil
	case errors.Is(err, ErrNoHandler):
		return nil, status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, workerpool.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	default:
		return nil, status.Error(codes.Unavailable, err.Error())
	}
}
