package election

import (
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"golang.org/x/time/rate"
)

// FlapPolicy decides whether a node's membership churn should be ignored.
// A node reported as flapping is treated as down until Hold has passed
// without further events from it.
type FlapPolicy interface {
	// Observe records ev and reports whether its node is flapping
	Observe(ev model.MembershipEvent) bool
	// Hold returns how long a flapping node stays suppressed
	Hold() time.Duration
}

// NoSuppression applies every membership event as it arrives
type NoSuppression struct{}

// Observe implements FlapPolicy
func (NoSuppression) Observe(model.MembershipEvent) bool { return false }

// Hold implements FlapPolicy
func (NoSuppression) Hold() time.Duration { return 0 }

// RateLimitPolicy flags a node whose up/down events exceed a token bucket
type RateLimitPolicy struct {
	limit rate.Limit
	burst int
	hold  time.Duration

	mu       sync.Mutex
	limiters map[model.NodeID]*rate.Limiter
}

// NewRateLimitPolicy allows burst events per node, refilled every interval,
// and suppresses offenders for hold
func NewRateLimitPolicy(interval time.Duration, burst int, hold time.Duration) *RateLimitPolicy {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitPolicy{
		limit:    rate.Every(interval),
		burst:    burst,
		hold:     hold,
		limiters: make(map[model.NodeID]*rate.Limiter),
	}
}

// Observe implements FlapPolicy
func (p *RateLimitPolicy) Observe(ev model.MembershipEvent) bool {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.limiters[ev.Node.ID]
	if !ok {
		limiter = rate.NewLimiter(p.limit, p.burst)
		p.limiters[ev.Node.ID] = limiter
	}
	return !limiter.AllowN(at, 1)
}

// Hold implements FlapPolicy
func (p *RateLimitPolicy) Hold() time.Duration {
	return p.hold
}
