// Package pending tracks outstanding remote invocations by correlation id.
//
// Entries live in a concurrent skip list ordered by correlation id. Ids and
// submission timestamps are assigned together, so id order is submission
// order and the reaper's "oldest first, stop at the first fresh entry" walk
// is a prefix scan of the list. Every resolution path removes the entry with
// LoadAndDelete; only the goroutine that wins the delete delivers a result,
// which makes resolution exactly-once regardless of which of response,
// reaper, cancellation, or teardown gets there first.
package pending

import (
	"context"
	"sync"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

// Clock supplies the current time; tests substitute a manual clock
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds pending call registry configuration
type Config struct {
	GCWindow     time.Duration
	ReapInterval time.Duration
	Clock        Clock
}

// Result is the outcome delivered to a waiting caller
type Result struct {
	Value []byte
	Err   error
}

// Call is one outstanding remote invocation
type Call struct {
	ID          uint64
	Target      model.NodeID
	Method      string
	SubmittedAt time.Time

	done     chan Result
	registry *Registry
}

// Done returns a channel that receives exactly one Result
func (c *Call) Done() <-chan Result {
	return c.done
}

// Wait blocks until the call resolves. If ctx ends first the call is resolved
// early with Cancelled; should a response win that race, its result is
// returned instead.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case res := <-c.done:
		return res.Value, res.Err
	case <-ctx.Done():
	}

	if c.registry.complete(c.ID, Result{Err: routeerr.Cancelled(ctx.Err())}) {
		c.registry.logger.Debug("Pending call cancelled by caller",
			zap.Uint64("correlation_id", c.ID),
			zap.String("target", string(c.Target)))
	}
	res := <-c.done
	return res.Value, res.Err
}

// Registry is the pending call registry of one node
type Registry struct {
	calls *skipmap.FuncMap[uint64, *Call]

	seqMu sync.Mutex
	next  uint64

	gcWindow     time.Duration
	reapInterval time.Duration
	clock        Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates a new pending call registry
func NewRegistry(cfg *Config, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if cfg.GCWindow <= 0 {
		cfg.GCWindow = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		calls: skipmap.NewFunc[uint64, *Call](func(a, b uint64) bool {
			return a < b
		}),
		gcWindow:     cfg.GCWindow,
		reapInterval: cfg.ReapInterval,
		clock:        cfg.Clock,
		stopCh:       make(chan struct{}),
		metrics:      m,
		logger:       logger,
	}
}

// GCWindow returns the age after which a call is reaped
func (r *Registry) GCWindow() time.Duration {
	return r.gcWindow
}

// Register allocates a fresh correlation id and records the call
func (r *Registry) Register(target model.NodeID, method string) *Call {
	r.seqMu.Lock()
	r.next++
	call := &Call{
		ID:          r.next,
		Target:      target,
		Method:      method,
		SubmittedAt: r.clock.Now(),
		done:        make(chan Result, 1),
		registry:    r,
	}
	r.calls.Store(call.ID, call)
	r.seqMu.Unlock()

	r.metrics.SetPendingCalls(r.calls.Len())
	return call
}

// Resolve completes the call with the given outcome. Unknown ids (already
// resolved, reaped, or cancelled) are silently ignored and false is returned.
func (r *Registry) Resolve(correlationID uint64, value []byte, err error) bool {
	if r.complete(correlationID, Result{Value: value, Err: err}) {
		return true
	}
	r.metrics.IncDuplicateResponse()
	r.logger.Debug("Dropped response for unknown correlation id",
		zap.Uint64("correlation_id", correlationID))
	return false
}

// ResolveFrom is Resolve for replies that name their sender. A reply from a
// node other than the call's target leaves the call outstanding.
func (r *Registry) ResolveFrom(correlationID uint64, from model.NodeID, value []byte, err error) bool {
	call, ok := r.calls.Load(correlationID)
	if ok && call.Target != from {
		r.logger.Warn("Dropped response from unexpected sender",
			zap.Uint64("correlation_id", correlationID),
			zap.String("target", string(call.Target)),
			zap.String("from", string(from)))
		return false
	}
	return r.Resolve(correlationID, value, err)
}

// Cancel removes the call and delivers err to its waiter. It returns false
// when the call was already resolved.
func (r *Registry) Cancel(correlationID uint64, err error) bool {
	return r.complete(correlationID, Result{Err: err})
}

// Reap fails every call older than the GC window with RequestTimedOut. It
// walks oldest first and stops at the first call still within the window.
func (r *Registry) Reap(now time.Time) int {
	reaped := 0
	r.calls.Range(func(id uint64, call *Call) bool {
		if now.Sub(call.SubmittedAt) < r.gcWindow {
			return false
		}
		if r.complete(id, Result{Err: routeerr.RequestTimedOut(id, "no response within gc window")}) {
			reaped++
		}
		return true
	})

	if reaped > 0 {
		r.metrics.AddReaped(reaped)
		r.logger.Info("Reaped timed out calls",
			zap.Int("count", reaped),
			zap.Duration("gc_window", r.gcWindow))
	}
	return reaped
}

// FailTarget fails every outstanding call addressed to target with err.
// Used when the target leaves the membership.
func (r *Registry) FailTarget(target model.NodeID, err func(id uint64) error) int {
	failed := 0
	r.calls.Range(func(id uint64, call *Call) bool {
		if call.Target == target && r.complete(id, Result{Err: err(id)}) {
			failed++
		}
		return true
	})
	if failed > 0 {
		r.logger.Info("Failed calls to departed node",
			zap.String("target", string(target)),
			zap.Int("count", failed))
	}
	return failed
}

// Len returns the number of outstanding calls
func (r *Registry) Len() int {
	return r.calls.Len()
}

// Start runs the reaper on a fixed interval until ctx ends or Close is called
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Reap(r.clock.Now())
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Close stops the reaper and cancels every outstanding call
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		r.calls.Range(func(id uint64, _ *Call) bool {
			r.complete(id, Result{Err: routeerr.Cancelled(context.Canceled)})
			return true
		})
	})
}

// complete removes the entry and delivers res. It returns false when another
// path already resolved the call.
func (r *Registry) complete(id uint64, res Result) bool {
	call, ok := r.calls.LoadAndDelete(id)
	if !ok {
		return false
	}
	call.done <- res
	r.metrics.SetPendingCalls(r.calls.Len())
	return true
}
