package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names carried in Envelope.Event
const (
	EventCall              = "shard.call"
	EventReply             = "shard.reply"
	EventRebalanceStart    = "rebalance.start"
	EventRebalanceComplete = "rebalance.complete"
	EventRebalanceAbort    = "rebalance.abort"
	EventLeaderAnnounce    = "leader.announce"
	EventLeaderStale       = "leader.stale"
	EventHandoffOrder      = "handoff.order"
	EventHandoffState      = "handoff.state"
	EventHandoffAck        = "handoff.ack"
	EventRingUpdate        = "ring.update"
	EventRingSync          = "ring.sync"
	EventRingState         = "ring.state"
)

// Envelope is the unit exchanged through the transport. From is the return
// route for replies; Term is set on leader-only messages.
type Envelope struct {
	Event   string          `json:"event"`
	From    NodeID          `json:"from"`
	Term    uint64          `json:"term,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes payload into a new envelope
func NewEnvelope(event string, from NodeID, term uint64, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return &Envelope{Event: event, From: from, Term: term, Payload: data}, nil
}

// Decode decodes the payload into v
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// RemoteError is an error raised by a remote method body. It travels as data.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// CallRequest is encoded as [correlationId, "module.method", arg1, arg2, ...]
type CallRequest struct {
	CorrelationID uint64
	Module        string
	Method        string
	Args          [][]byte
}

// MarshalJSON implements json.Marshaler
func (r CallRequest) MarshalJSON() ([]byte, error) {
	values := make([]interface{}, 0, len(r.Args)+2)
	values = append(values, r.CorrelationID, r.Module+"."+r.Method)
	for _, arg := range r.Args {
		values = append(values, arg)
	}
	return json.Marshal(values)
}

// UnmarshalJSON implements json.Unmarshaler
func (r *CallRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("call request: expected at least 2 elements, got %d", len(raw))
	}
	var name string
	if err := json.Unmarshal(raw[0], &r.CorrelationID); err != nil {
		return fmt.Errorf("call request: correlation id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &name); err != nil {
		return fmt.Errorf("call request: method: %w", err)
	}
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return fmt.Errorf("call request: malformed method name %q", name)
	}
	r.Module, r.Method = name[:idx], name[idx+1:]
	r.Args = make([][]byte, 0, len(raw)-2)
	for _, elem := range raw[2:] {
		var arg []byte
		if err := json.Unmarshal(elem, &arg); err != nil {
			return fmt.Errorf("call request: argument: %w", err)
		}
		r.Args = append(r.Args, arg)
	}
	return nil
}

// CallResponse is encoded as [correlationId, error|null, value|null]
type CallResponse struct {
	CorrelationID uint64
	Error         *RemoteError
	Value         []byte
}

// MarshalJSON implements json.Marshaler
func (r CallResponse) MarshalJSON() ([]byte, error) {
	var errMsg, value interface{}
	if r.Error != nil {
		errMsg = r.Error.Message
	}
	if r.Value != nil {
		value = r.Value
	}
	return json.Marshal([]interface{}{r.CorrelationID, errMsg, value})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *CallResponse) UnmarshalJSON(data []byte) error {
	var errMsg *string
	if err := decodeTuple(data, &r.CorrelationID, &errMsg, &r.Value); err != nil {
		return fmt.Errorf("call response: %w", err)
	}
	if errMsg != nil {
		r.Error = &RemoteError{Message: *errMsg}
	}
	return nil
}

// RebalanceStart is encoded as [planId, [{vnode, from, to}, ...]]
type RebalanceStart struct {
	PlanID string
	Moves  []MoveOrder
}

// MarshalJSON implements json.Marshaler
func (s RebalanceStart) MarshalJSON() ([]byte, error) {
	moves := s.Moves
	if moves == nil {
		moves = []MoveOrder{}
	}
	return json.Marshal([]interface{}{s.PlanID, moves})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *RebalanceStart) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &s.PlanID, &s.Moves)
}

// RebalanceEnd is encoded as [planId]; used for completion and abort events
type RebalanceEnd struct {
	PlanID string
}

// MarshalJSON implements json.Marshaler
func (e RebalanceEnd) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.PlanID})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *RebalanceEnd) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &e.PlanID)
}

// LeaderAnnounce is encoded as [term, leaderId]
type LeaderAnnounce struct {
	Term   uint64
	Leader NodeID
}

// MarshalJSON implements json.Marshaler
func (a LeaderAnnounce) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.Term, a.Leader})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *LeaderAnnounce) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &a.Term, &a.Leader)
}

// StaleNotice is encoded as [observedTerm] and sent back to the origin of a
// leader-only message that carried an outdated term
type StaleNotice struct {
	ObservedTerm uint64
}

// MarshalJSON implements json.Marshaler
func (n StaleNotice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{n.ObservedTerm})
}

// UnmarshalJSON implements json.Unmarshaler
func (n *StaleNotice) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &n.ObservedTerm)
}

// HandoffOrder is encoded as [correlationId, planId, vnode, from, to]
type HandoffOrder struct {
	CorrelationID uint64
	PlanID        string
	VNode         VNode
	From          NodeID
	To            NodeID
}

// MarshalJSON implements json.Marshaler
func (o HandoffOrder) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{o.CorrelationID, o.PlanID, o.VNode, o.From, o.To})
}

// UnmarshalJSON implements json.Unmarshaler
func (o *HandoffOrder) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &o.CorrelationID, &o.PlanID, &o.VNode, &o.From, &o.To)
}

// HandoffState is encoded as [correlationId, planId, vnode, leader, {module: state}]
type HandoffState struct {
	CorrelationID uint64
	PlanID        string
	VNode         VNode
	Leader        NodeID
	State         map[string][]byte
}

// MarshalJSON implements json.Marshaler
func (s HandoffState) MarshalJSON() ([]byte, error) {
	state := s.State
	if state == nil {
		state = map[string][]byte{}
	}
	return json.Marshal([]interface{}{s.CorrelationID, s.PlanID, s.VNode, s.Leader, state})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *HandoffState) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &s.CorrelationID, &s.PlanID, &s.VNode, &s.Leader, &s.State)
}

// HandoffAck is encoded as [correlationId, planId, vnode, error|null]
type HandoffAck struct {
	CorrelationID uint64
	PlanID        string
	VNode         VNode
	Error         *RemoteError
}

// MarshalJSON implements json.Marshaler
func (a HandoffAck) MarshalJSON() ([]byte, error) {
	var errMsg interface{}
	if a.Error != nil {
		errMsg = a.Error.Message
	}
	return json.Marshal([]interface{}{a.CorrelationID, a.PlanID, a.VNode, errMsg})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *HandoffAck) UnmarshalJSON(data []byte) error {
	var errMsg *string
	if err := decodeTuple(data, &a.CorrelationID, &a.PlanID, &a.VNode, &errMsg); err != nil {
		return err
	}
	if errMsg != nil {
		a.Error = &RemoteError{Message: *errMsg}
	}
	return nil
}

// RingUpdate is encoded as [term, seq, [owner, ...]]
type RingUpdate struct {
	Snapshot *RingSnapshot
}

// MarshalJSON implements json.Marshaler
func (u RingUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{u.Snapshot.Version.Term, u.Snapshot.Version.Seq, u.Snapshot.Owners})
}

// UnmarshalJSON implements json.Unmarshaler
func (u *RingUpdate) UnmarshalJSON(data []byte) error {
	snapshot := &RingSnapshot{}
	if err := decodeTuple(data, &snapshot.Version.Term, &snapshot.Version.Seq, &snapshot.Owners); err != nil {
		return err
	}
	u.Snapshot = snapshot
	return nil
}

// RingSync is encoded as [correlationId]. A new leader sends it to learn the
// newest ring any peer holds.
type RingSync struct {
	CorrelationID uint64
}

// MarshalJSON implements json.Marshaler
func (r RingSync) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.CorrelationID})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *RingSync) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &r.CorrelationID)
}

// RingState is encoded as [correlationId, term, seq, [owner, ...]|null]; a
// nil Snapshot means the peer has no ring yet
type RingState struct {
	CorrelationID uint64
	Snapshot      *RingSnapshot
}

// MarshalJSON implements json.Marshaler
func (r RingState) MarshalJSON() ([]byte, error) {
	if r.Snapshot == nil {
		return json.Marshal([]interface{}{r.CorrelationID, 0, 0, nil})
	}
	v := r.Snapshot.Version
	return json.Marshal([]interface{}{r.CorrelationID, v.Term, v.Seq, r.Snapshot.Owners})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *RingState) UnmarshalJSON(data []byte) error {
	var (
		version RingVersion
		owners  []NodeID
	)
	if err := decodeTuple(data, &r.CorrelationID, &version.Term, &version.Seq, &owners); err != nil {
		return err
	}
	r.Snapshot = nil
	if owners != nil {
		r.Snapshot = &RingSnapshot{Version: version, Owners: owners}
	}
	return nil
}

// decodeTuple decodes a JSON array element-wise into targets
func decodeTuple(data []byte, targets ...interface{}) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < len(targets) {
		return fmt.Errorf("expected %d elements, got %d", len(targets), len(raw))
	}
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}
