// Package router executes shard module calls on the node owning their shard
// key.
//
// A call whose owner is the local node runs in-process without touching the
// transport or the pending call registry. Remote calls are registered, sent
// as shard.call envelopes, and resolved by the matching shard.reply, by the
// registry's reaper, by caller cancellation, or by the target leaving the
// cluster, whichever happens first.
//
// Calls in flight to a node that loses a vnode are not redirected. They fail
// with RequestTimedOut (or DispatchFailed) and a retry resolves against the
// newest ring.
package router

import (
	"context"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/module"
	"github.com/devrev/shardroute/internal/pending"
	"github.com/devrev/shardroute/internal/ring"
	"github.com/devrev/shardroute/internal/transport"
	"go.uber.org/zap"
)

// Route labels used in metrics
const (
	routeInline = "inline"
	routeLocal  = "local"
	routeRemote = "remote"
)

// Config holds router configuration
type Config struct {
	NodeID      model.NodeID
	SendTimeout time.Duration
}

// Router is the call router of one node
type Router struct {
	self        model.NodeID
	sendTimeout time.Duration
	ring        *ring.Ring
	modules     *module.Registry
	calls       *pending.Registry
	transport   transport.Transport
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates a router and registers its inbound handlers on t
func New(
	cfg *Config,
	r *ring.Ring,
	modules *module.Registry,
	calls *pending.Registry,
	t transport.Transport,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Router {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &Router{
		self:        cfg.NodeID,
		sendTimeout: cfg.SendTimeout,
		ring:        r,
		modules:     modules,
		calls:       calls,
		transport:   t,
		metrics:     m,
		logger:      logger,
	}
	t.Handle(model.EventCall, rt.handleCall)
	t.Handle(model.EventReply, rt.handleReply)
	return rt
}

// Invoke runs moduleName.methodName with args on the owner of the call's
// shard key and blocks until it resolves or ctx ends
func (r *Router) Invoke(ctx context.Context, moduleName, methodName string, args [][]byte) ([]byte, error) {
	start := time.Now()

	mod, method, err := r.modules.Lookup(moduleName, methodName)
	if err != nil {
		r.metrics.RecordCall(moduleName, methodName, routeLocal, routeerr.GetCode(err).String(), time.Since(start))
		return nil, err
	}

	if method.Local {
		value, err := method.Handler(ctx, args)
		r.record(moduleName, methodName, routeInline, err, start)
		return value, err
	}

	key, vnode, err := mod.VNodeFor(method, args, r.ring.VNodeCount())
	if err != nil {
		err = routeerr.InternalError("failed to compute shard key", err)
		r.record(moduleName, methodName, routeLocal, err, start)
		return nil, err
	}

	owner := r.ring.ResolveVNode(vnode)
	if owner == model.NoOwner {
		err := routeerr.NoOwnerAvailable(key)
		r.record(moduleName, methodName, routeLocal, err, start)
		return nil, err
	}

	r.logger.Debug("Routed call",
		zap.String("module", moduleName),
		zap.String("method", methodName),
		zap.Int("vnode", int(vnode)),
		zap.String("owner", string(owner)))

	if owner == r.self {
		value, err := method.Handler(ctx, args)
		r.record(moduleName, methodName, routeLocal, err, start)
		return value, err
	}

	value, err := r.invokeRemote(ctx, owner, moduleName, methodName, args)
	r.record(moduleName, methodName, routeRemote, err, start)
	return value, err
}

func (r *Router) invokeRemote(ctx context.Context, owner model.NodeID, moduleName, methodName string, args [][]byte) ([]byte, error) {
	call := r.calls.Register(owner, moduleName+"."+methodName)

	env, err := model.NewEnvelope(model.EventCall, r.self, 0, model.CallRequest{
		CorrelationID: call.ID,
		Module:        moduleName,
		Method:        methodName,
		Args:          args,
	})
	if err != nil {
		err = routeerr.InternalError("failed to encode call", err)
		r.calls.Cancel(call.ID, err)
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	sendErr := r.transport.Send(sendCtx, owner, env, transport.AckDelivered)
	cancel()

	if sendErr != nil {
		dispatchErr := routeerr.DispatchFailed(string(owner), sendErr)
		// A reply can beat a failed acknowledgement; the winner is returned below
		if r.calls.Cancel(call.ID, dispatchErr) {
			r.logger.Warn("Dispatch failed",
				zap.String("target", string(owner)),
				zap.String("module", moduleName),
				zap.String("method", methodName),
				zap.Uint64("correlation_id", call.ID),
				zap.Error(sendErr))
		}
	}

	return call.Wait(ctx)
}

// FailTarget fails every outstanding call to a node that left the cluster
func (r *Router) FailTarget(node model.NodeID) int {
	return r.calls.FailTarget(node, func(id uint64) error {
		return routeerr.RequestTimedOut(id, "target_left")
	})
}

// handleCall executes an inbound call and replies to its return route
func (r *Router) handleCall(ctx context.Context, env *model.Envelope) {
	var req model.CallRequest
	if err := env.Decode(&req); err != nil {
		r.logger.Warn("Dropped malformed call",
			zap.String("from", string(env.From)),
			zap.Error(err))
		return
	}

	resp := model.CallResponse{CorrelationID: req.CorrelationID}
	_, method, err := r.modules.Lookup(req.Module, req.Method)
	if err == nil {
		resp.Value, err = method.Handler(ctx, req.Args)
	}
	if err != nil {
		resp.Error = &model.RemoteError{Message: err.Error()}
		resp.Value = nil
	}

	reply, err := model.NewEnvelope(model.EventReply, r.self, 0, resp)
	if err != nil {
		r.logger.Error("Failed to encode reply",
			zap.Uint64("correlation_id", req.CorrelationID),
			zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := r.transport.Send(sendCtx, env.From, reply, transport.AckNone); err != nil {
		r.logger.Warn("Failed to send reply",
			zap.String("to", string(env.From)),
			zap.Uint64("correlation_id", req.CorrelationID),
			zap.Error(err))
	}
}

// handleReply resolves the pending call a reply belongs to. Only the node
// the call was sent to can complete it.
func (r *Router) handleReply(_ context.Context, env *model.Envelope) {
	var resp model.CallResponse
	if err := env.Decode(&resp); err != nil {
		r.logger.Warn("Dropped malformed reply",
			zap.String("from", string(env.From)),
			zap.Error(err))
		return
	}

	var err error
	if resp.Error != nil {
		err = routeerr.RemoteExecution(resp.Error.Message)
	}
	r.calls.ResolveFrom(resp.CorrelationID, env.From, resp.Value, err)
}

func (r *Router) record(moduleName, methodName, route string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = routeerr.GetCode(err).String()
	}
	r.metrics.RecordCall(moduleName, methodName, route, outcome, time.Since(start))
}
