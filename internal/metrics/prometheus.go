package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a shard node. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Call routing metrics
	CallsTotal              *prometheus.CounterVec
	CallDuration            *prometheus.HistogramVec
	PendingCalls            prometheus.Gauge
	ReapedCallsTotal        prometheus.Counter
	DuplicateResponsesTotal prometheus.Counter

	// Ring metrics
	RingTerm       prometheus.Gauge
	RingSeq        prometheus.Gauge
	OwnedVNodes    prometheus.Gauge
	RingPublishes  *prometheus.CounterVec
	ClusterMembers prometheus.Gauge

	// Election metrics
	LeaderTerm          prometheus.Gauge
	IsLeader            prometheus.Gauge
	ElectionsTotal      prometheus.Counter
	StaleMessagesTotal  *prometheus.CounterVec
	SuppressedFlapTotal prometheus.Counter

	// Rebalance metrics
	PlansTotal      *prometheus.CounterVec
	MovesTotal      *prometheus.CounterVec
	HandoffDuration prometheus.Histogram

	// Transport metrics
	MessagesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "router",
			Name:        "calls_total",
			Help:        "Total number of shard method invocations by route and outcome",
			ConstLabels: labels,
		}, []string{"module", "method", "route", "outcome"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "shardroute",
			Subsystem:   "router",
			Name:        "call_duration_seconds",
			Help:        "Histogram of shard method invocation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"route"}),
		PendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "pending",
			Name:        "calls",
			Help:        "Number of outstanding remote calls",
			ConstLabels: labels,
		}),
		ReapedCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "pending",
			Name:        "reaped_total",
			Help:        "Total number of remote calls failed by the GC reaper",
			ConstLabels: labels,
		}),
		DuplicateResponsesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "pending",
			Name:        "duplicate_responses_total",
			Help:        "Total number of late or duplicate responses dropped",
			ConstLabels: labels,
		}),
		RingTerm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "ring",
			Name:        "version_term",
			Help:        "Term of the active ring version",
			ConstLabels: labels,
		}),
		RingSeq: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "ring",
			Name:        "version_seq",
			Help:        "Sequence of the active ring version within its term",
			ConstLabels: labels,
		}),
		OwnedVNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "ring",
			Name:        "owned_vnodes",
			Help:        "Number of vnodes owned by this node",
			ConstLabels: labels,
		}),
		RingPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "ring",
			Name:        "publishes_total",
			Help:        "Total number of ring publish attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ClusterMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "membership",
			Name:        "members",
			Help:        "Number of live members seen by the elector",
			ConstLabels: labels,
		}),
		LeaderTerm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "election",
			Name:        "term",
			Help:        "Highest leader term observed",
			ConstLabels: labels,
		}),
		IsLeader: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shardroute",
			Subsystem:   "election",
			Name:        "is_leader",
			Help:        "1 when this node holds the leader term",
			ConstLabels: labels,
		}),
		ElectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "election",
			Name:        "won_total",
			Help:        "Total number of leader terms started by this node",
			ConstLabels: labels,
		}),
		StaleMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "election",
			Name:        "stale_messages_total",
			Help:        "Total number of leader-only messages dropped for carrying an old term",
			ConstLabels: labels,
		}, []string{"event"}),
		SuppressedFlapTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "election",
			Name:        "suppressed_flaps_total",
			Help:        "Total number of membership events suppressed by the flap policy",
			ConstLabels: labels,
		}),
		PlansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "rebalance",
			Name:        "plans_total",
			Help:        "Total number of rebalance plans by final state",
			ConstLabels: labels,
		}, []string{"state"}),
		MovesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "rebalance",
			Name:        "moves_total",
			Help:        "Total number of move-order attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		HandoffDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "shardroute",
			Subsystem:   "rebalance",
			Name:        "handoff_duration_seconds",
			Help:        "Histogram of acknowledged vnode handoff durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shardroute",
			Subsystem:   "transport",
			Name:        "messages_total",
			Help:        "Total number of envelopes by event and direction",
			ConstLabels: labels,
		}, []string{"event", "direction"}),
	}
}

// RecordCall records one invocation outcome
func (m *Metrics) RecordCall(module, method, route, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(module, method, route, outcome).Inc()
	m.CallDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetPendingCalls updates the outstanding call gauge
func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// AddReaped counts calls failed by the reaper
func (m *Metrics) AddReaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReapedCallsTotal.Add(float64(n))
}

// IncDuplicateResponse counts a dropped late or duplicate response
func (m *Metrics) IncDuplicateResponse() {
	if m == nil {
		return
	}
	m.DuplicateResponsesTotal.Inc()
}

// RecordRingPublish records a publish attempt and the resulting version
func (m *Metrics) RecordRingPublish(applied bool, term, seq uint64, owned int) {
	if m == nil {
		return
	}
	if !applied {
		m.RingPublishes.WithLabelValues("rejected").Inc()
		return
	}
	m.RingPublishes.WithLabelValues("applied").Inc()
	m.RingTerm.Set(float64(term))
	m.RingSeq.Set(float64(seq))
	m.OwnedVNodes.Set(float64(owned))
}

// SetMembers updates the live member gauge
func (m *Metrics) SetMembers(n int) {
	if m == nil {
		return
	}
	m.ClusterMembers.Set(float64(n))
}

// RecordLeadership updates the election gauges
func (m *Metrics) RecordLeadership(term uint64, leader bool) {
	if m == nil {
		return
	}
	m.LeaderTerm.Set(float64(term))
	if leader {
		m.IsLeader.Set(1)
		m.ElectionsTotal.Inc()
	} else {
		m.IsLeader.Set(0)
	}
}

// IncStaleMessage counts a leader-only message dropped for its term
func (m *Metrics) IncStaleMessage(event string) {
	if m == nil {
		return
	}
	m.StaleMessagesTotal.WithLabelValues(event).Inc()
}

// IncSuppressedFlap counts a membership event swallowed by the flap policy
func (m *Metrics) IncSuppressedFlap() {
	if m == nil {
		return
	}
	m.SuppressedFlapTotal.Inc()
}

// RecordPlan counts a plan reaching a terminal state
func (m *Metrics) RecordPlan(state string) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(state).Inc()
}

// RecordMove counts a move-order attempt
func (m *Metrics) RecordMove(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MovesTotal.WithLabelValues(outcome).Inc()
	if outcome == "acked" {
		m.HandoffDuration.Observe(duration.Seconds())
	}
}

// RecordMessage counts an envelope crossing the transport
func (m *Metrics) RecordMessage(event, direction string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(event, direction).Inc()
}
