// Package election picks the node that holds rebalance authority.
//
// Every node applies the same pure function to the same membership snapshot:
// once the feed has been quiet for the configured period, the live node with
// the lowest id is the leader. The leader opens a new term one above the
// highest term it has observed and announces it. A candidate that finds
// another live leader's plan in progress holds back until that plan ends or
// its leader goes down.
//
// Leader-only messages pass through Admit. A message from an older term is
// dropped and answered with leader.stale; a message from a newer term makes
// the receiver adopt it, stepping down if it was leading. When two leaders
// claim the same term the lower id wins.
package election

import (
	"context"
	"sort"
	"sync"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/transport"
	"go.uber.org/zap"
)

// State is the election role of a node
type State string

const (
	StateFollower  State = "follower"
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
)

// Listener receives leadership changes in the order they happen. Calls come
// from one goroutine and must not block. SteppedDown always carries the term
// the node led, never the newer term that displaced it.
type Listener interface {
	// Elected is called when the node opens a new term
	Elected(term uint64, live []model.NodeID)
	// MembershipChanged is called when membership stabilizes while leading
	MembershipChanged(term uint64, live []model.NodeID)
	// SteppedDown is called when the node gives up a term
	SteppedDown(term uint64)
}

// Config holds election configuration
type Config struct {
	NodeID      model.NodeID
	QuietPeriod time.Duration
	FlapPolicy  FlapPolicy
}

type planObservation struct {
	leader model.NodeID
	term   uint64
}

// Elector runs the election on one node
type Elector struct {
	self      model.NodeID
	quiet     time.Duration
	flap      FlapPolicy
	transport transport.Transport
	notify    *notifier

	mu         sync.Mutex
	state      State
	status     model.TermStatus
	term       uint64       // highest term observed
	termLeader model.NodeID // leader of term
	led        uint64       // term this node leads, zero when not leading
	members    map[model.NodeID]model.NodeState
	suppressed map[model.NodeID]time.Time
	plans      map[string]planObservation
	timer      *time.Timer
	listener   Listener
	ctx        context.Context
	cancel     context.CancelFunc

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an elector and registers its handlers on t
func New(cfg *Config, t transport.Transport, m *metrics.Metrics, logger *zap.Logger) *Elector {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 2 * time.Second
	}
	if cfg.FlapPolicy == nil {
		cfg.FlapPolicy = NoSuppression{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Elector{
		self:       cfg.NodeID,
		quiet:      cfg.QuietPeriod,
		flap:       cfg.FlapPolicy,
		transport:  t,
		notify:     newNotifier(),
		state:      StateFollower,
		status:     model.TermStatusActive,
		members:    make(map[model.NodeID]model.NodeState),
		suppressed: make(map[model.NodeID]time.Time),
		plans:      make(map[string]planObservation),
		ctx:        ctx,
		cancel:     cancel,
		metrics:    m,
		logger:     logger,
	}

	t.Handle(model.EventLeaderAnnounce, e.handleAnnounce)
	t.Handle(model.EventLeaderStale, e.handleStale)
	t.Handle(model.EventRebalanceStart, e.handlePlanStart)
	t.Handle(model.EventRebalanceComplete, e.handlePlanEnd)
	t.Handle(model.EventRebalanceAbort, e.handlePlanEnd)
	return e
}

// SetListener installs the leadership listener; call before Start
func (e *Elector) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Start runs the notification loop until Stop
func (e *Elector) Start() {
	go e.notify.run(e.ctx.Done())
}

// Stop cancels the debounce timer and the notification loop
func (e *Elector) Stop() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	e.cancel()
}

// HandleMembership applies one feed event and restarts the debounce timer
func (e *Elector) HandleMembership(ev model.MembershipEvent) {
	if ev.Node.ID == e.self {
		// Self is always live, but its arrival starts the first election
		if ev.Type == model.MembershipUp {
			e.mu.Lock()
			e.armLocked(e.quiet)
			e.mu.Unlock()
		}
		return
	}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	id := ev.Node.ID
	if ev.Type == model.MembershipUp {
		e.members[id] = model.NodeStateUp
	} else {
		e.members[id] = model.NodeStateDown
		for planID, obs := range e.plans {
			if obs.leader == id {
				delete(e.plans, planID)
			}
		}
	}

	until, held := e.suppressed[id]
	if e.flap.Observe(ev) || (held && now.Before(until)) {
		e.suppressed[id] = now.Add(e.flap.Hold())
		e.metrics.IncSuppressedFlap()
		e.logger.Info("Suppressing flapping node",
			zap.String("node_id", string(id)),
			zap.Duration("hold", e.flap.Hold()))
	}

	e.logger.Debug("Membership event",
		zap.String("node_id", string(id)),
		zap.String("type", string(ev.Type)))
	e.armLocked(e.quiet)
}

func (e *Elector) armLocked(d time.Duration) {
	if e.ctx.Err() != nil {
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(d, e.fire)
		return
	}
	e.timer.Reset(d)
}

// fire runs when membership has been quiet for the debounce period
func (e *Elector) fire() {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var next time.Time
	for id, until := range e.suppressed {
		if !now.Before(until) {
			delete(e.suppressed, id)
			continue
		}
		if next.IsZero() || until.Before(next) {
			next = until
		}
	}

	e.evaluateLocked(now)
	if !next.IsZero() {
		e.armLocked(next.Sub(now))
	}
}

// liveLocked returns the sorted ids of live, unsuppressed nodes including self
func (e *Elector) liveLocked(now time.Time) []model.NodeID {
	live := []model.NodeID{e.self}
	for id, state := range e.members {
		if state != model.NodeStateUp {
			continue
		}
		if until, ok := e.suppressed[id]; ok && now.Before(until) {
			continue
		}
		live = append(live, id)
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	return live
}

func (e *Elector) evaluateLocked(now time.Time) {
	live := e.liveLocked(now)
	e.metrics.SetMembers(len(live))
	computed := live[0]

	switch {
	case computed != e.self:
		if e.state == StateLeader {
			if e.ownPlanActiveLocked() {
				e.status = model.TermStatusHandingOff
				e.logger.Info("Handing off leadership after current plan",
					zap.Uint64("term", e.term),
					zap.String("successor", string(computed)))
				return
			}
			e.stepDownLocked("lower id is live")
			return
		}
		e.state = StateFollower

	case e.state == StateLeader:
		e.status = model.TermStatusActive
		term := e.term
		e.notifyListener(func(l Listener) { l.MembershipChanged(term, live) })

	default:
		if blocker, ok := e.blockingPlanLocked(); ok {
			if e.state != StateCandidate {
				e.logger.Info("Holding back election while a plan is in progress",
					zap.String("plan_leader", string(blocker.leader)),
					zap.Uint64("plan_term", blocker.term))
			}
			e.state = StateCandidate
			return
		}
		e.becomeLeaderLocked(live)
	}
}

// blockingPlanLocked finds an in-progress plan of another live leader
func (e *Elector) blockingPlanLocked() (planObservation, bool) {
	for _, obs := range e.plans {
		if obs.leader != e.self && e.members[obs.leader] == model.NodeStateUp {
			return obs, true
		}
	}
	return planObservation{}, false
}

func (e *Elector) ownPlanActiveLocked() bool {
	for _, obs := range e.plans {
		if obs.leader == e.self {
			return true
		}
	}
	return false
}

func (e *Elector) becomeLeaderLocked(live []model.NodeID) {
	e.term++
	e.termLeader = e.self
	e.state = StateLeader
	e.status = model.TermStatusActive
	e.led = e.term
	term := e.term

	e.metrics.RecordLeadership(term, true)
	e.logger.Info("Became leader",
		zap.Uint64("term", term),
		zap.Int("live_nodes", len(live)))

	e.notify.push(func() { e.broadcastAnnounce(term, live) })
	e.notifyListener(func(l Listener) { l.Elected(term, live) })
}

func (e *Elector) stepDownLocked(reason string) {
	if e.state != StateLeader {
		e.state = StateFollower
		return
	}
	e.state = StateFollower
	e.status = model.TermStatusActive
	term := e.led
	e.led = 0

	e.metrics.RecordLeadership(term, false)
	e.logger.Info("Stepped down",
		zap.Uint64("term", term),
		zap.String("reason", reason))
	e.notifyListener(func(l Listener) { l.SteppedDown(term) })
}

func (e *Elector) notifyListener(fn func(Listener)) {
	l := e.listener
	if l == nil {
		return
	}
	e.notify.push(func() { fn(l) })
}

// reevaluate runs an election pass outside the debounce timer
func (e *Elector) reevaluate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluateLocked(time.Now())
}

func (e *Elector) broadcastAnnounce(term uint64, live []model.NodeID) {
	env, err := model.NewEnvelope(model.EventLeaderAnnounce, e.self, term, model.LeaderAnnounce{Term: term, Leader: e.self})
	if err != nil {
		e.logger.Error("Failed to encode announce", zap.Error(err))
		return
	}
	for _, id := range live {
		if id == e.self {
			continue
		}
		if err := e.transport.Send(e.ctx, id, env, transport.AckNone); err != nil {
			e.logger.Warn("Failed to announce leadership",
				zap.String("to", string(id)),
				zap.Error(err))
		}
	}
}

// Admit checks the term of a leader-only message. Stale messages are dropped
// with a leader.stale reply; newer terms are adopted.
func (e *Elector) Admit(env *model.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case env.Term < e.term:
		e.rejectLocked(env)
		return false
	case env.Term > e.term:
		e.adoptLocked(env.Term, env.From)
	case env.From == e.termLeader:
	case e.termLeader == "" || env.From < e.termLeader:
		e.adoptLocked(env.Term, env.From)
	default:
		e.rejectLocked(env)
		return false
	}
	return true
}

func (e *Elector) rejectLocked(env *model.Envelope) {
	observed := e.term
	e.metrics.IncStaleMessage(env.Event)
	e.logger.Debug("Dropped message from stale leader",
		zap.String("event", env.Event),
		zap.String("from", string(env.From)),
		zap.Error(routeerr.StaleLeader(env.Term, observed)))

	to := env.From
	e.notify.push(func() {
		notice, err := model.NewEnvelope(model.EventLeaderStale, e.self, 0, model.StaleNotice{ObservedTerm: observed})
		if err != nil {
			return
		}
		if err := e.transport.Send(e.ctx, to, notice, transport.AckNone); err != nil {
			e.logger.Debug("Failed to send stale notice",
				zap.String("to", string(to)),
				zap.Error(err))
		}
	})
}

// adoptLocked accepts leader as owner of term
func (e *Elector) adoptLocked(term uint64, leader model.NodeID) {
	if leader == e.self {
		return
	}
	if e.state == StateFollower {
		e.term = term
		e.termLeader = leader
		return
	}

	e.stepDownLocked("observed newer leader term")
	e.term = term
	e.termLeader = leader
	e.logger.Info("Adopted leader term",
		zap.Uint64("term", term),
		zap.String("leader", string(leader)))

	// A leader with a higher id than ours loses the contest once it sees
	// our claim; anything lower keeps the term
	if leader > e.self && e.liveLocked(time.Now())[0] == e.self {
		e.notify.push(e.reevaluate)
	}
}

func (e *Elector) handleAnnounce(_ context.Context, env *model.Envelope) {
	if !e.Admit(env) {
		return
	}
	e.logger.Debug("Leader announced",
		zap.String("leader", string(env.From)),
		zap.Uint64("term", env.Term))
}

func (e *Elector) handleStale(_ context.Context, env *model.Envelope) {
	var notice model.StaleNotice
	if err := env.Decode(&notice); err != nil {
		e.logger.Warn("Dropped malformed stale notice", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if notice.ObservedTerm < e.term || e.state != StateLeader {
		if notice.ObservedTerm > e.term {
			e.term = notice.ObservedTerm
			e.termLeader = ""
		}
		return
	}
	e.stepDownLocked("peer observed a newer term")
	e.term = notice.ObservedTerm
	e.termLeader = ""
	e.notify.push(e.reevaluate)
}

func (e *Elector) handlePlanStart(_ context.Context, env *model.Envelope) {
	if !e.Admit(env) {
		return
	}
	var start model.RebalanceStart
	if err := env.Decode(&start); err != nil {
		e.logger.Warn("Dropped malformed rebalance start", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.plans[start.PlanID] = planObservation{leader: env.From, term: env.Term}
	e.logger.Debug("Observed rebalance start",
		zap.String("plan_id", start.PlanID),
		zap.String("leader", string(env.From)),
		zap.Int("moves", len(start.Moves)))
}

// handlePlanEnd clears a plan regardless of its term, so a superseded
// leader's completion still releases a held-back candidate
func (e *Elector) handlePlanEnd(_ context.Context, env *model.Envelope) {
	var end model.RebalanceEnd
	if err := env.Decode(&end); err != nil {
		e.logger.Warn("Dropped malformed rebalance end", zap.Error(err))
		return
	}
	e.EndPlan(end.PlanID)
}

// BeginPlan records a plan of the local leader. It fails when the node no
// longer holds an active term equal to term.
func (e *Elector) BeginPlan(term uint64, planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateLeader || e.status != model.TermStatusActive || e.term != term {
		return false
	}
	e.plans[planID] = planObservation{leader: e.self, term: term}
	return true
}

// EndPlan clears a plan once it completed or aborted
func (e *Elector) EndPlan(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs, ok := e.plans[planID]
	delete(e.plans, planID)

	switch {
	case ok && obs.leader == e.self && e.state == StateLeader &&
		e.status == model.TermStatusHandingOff && !e.ownPlanActiveLocked():
		e.stepDownLocked("hand-off complete")
	case e.state == StateCandidate:
		e.evaluateLocked(time.Now())
	}
}

// IsLeader reports whether the node leads term
func (e *Elector) IsLeader(term uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLeader && e.term == term
}

// State returns the current election role
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Term returns the highest observed term
func (e *Elector) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Leader returns the leader of the highest observed term
func (e *Elector) Leader() model.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.termLeader
}

// LeaderTerm returns the highest observed term with its leader and status
func (e *Elector) LeaderTerm() model.LeaderTerm {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := model.TermStatusActive
	if e.termLeader == e.self {
		status = e.status
	}
	return model.LeaderTerm{Leader: e.termLeader, Term: e.term, Status: status}
}

// Members returns the live, unsuppressed node ids including the local node
func (e *Elector) Members() []model.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveLocked(time.Now())
}

// notifier runs queued callbacks in order on one goroutine. Pushing never
// blocks, so callbacks may be queued while holding the elector lock.
type notifier struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1)}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run(stop <-chan struct{}) {
	for {
		n.mu.Lock()
		queue := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, fn := range queue {
			fn()
		}

		select {
		case <-n.wake:
		case <-stop:
			return
		}
	}
}
