package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/shardroute/internal/election"
	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockNode is a mock implementation of Node
type MockNode struct {
	mock.Mock
}

func (m *MockNode) Invoke(ctx context.Context, moduleName, methodName string, args [][]byte) ([]byte, error) {
	a := m.Called(ctx, moduleName, methodName, args)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).([]byte), a.Error(1)
}

func (m *MockNode) Ring() *model.RingSnapshot {
	a := m.Called()
	if a.Get(0) == nil {
		return nil
	}
	return a.Get(0).(*model.RingSnapshot)
}

func (m *MockNode) LeaderTerm() model.LeaderTerm {
	return m.Called().Get(0).(model.LeaderTerm)
}

func (m *MockNode) ElectionState() election.State {
	return m.Called().Get(0).(election.State)
}

func (m *MockNode) Members() []model.NodeID {
	return m.Called().Get(0).([]model.NodeID)
}

func (m *MockNode) PendingCalls() int {
	return m.Called().Int(0)
}

func (m *MockNode) CurrentPlan() *model.RebalancePlan {
	a := m.Called()
	if a.Get(0) == nil {
		return nil
	}
	return a.Get(0).(*model.RebalancePlan)
}

func (m *MockNode) Plans(ctx context.Context, limit int) ([]*model.RebalancePlan, error) {
	a := m.Called(ctx, limit)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).([]*model.RebalancePlan), a.Error(1)
}

func newTestServer(node Node, cfg *Config) http.Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	s := NewServer(cfg, node, zap.NewNop())
	s.SetupRoutes()
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func ring(owners ...model.NodeID) *model.RingSnapshot {
	snap := model.NewRingSnapshot(len(owners))
	snap.Version = model.RingVersion{Term: 2, Seq: 5}
	copy(snap.Owners, owners)
	return snap
}

func TestServer_Health(t *testing.T) {
	h := newTestServer(new(MockNode), nil)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Ready(t *testing.T) {
	tests := []struct {
		name       string
		snapshot   *model.RingSnapshot
		wantStatus int
		wantRing   string
	}{
		{name: "no ring", snapshot: nil, wantStatus: http.StatusServiceUnavailable, wantRing: "missing"},
		{name: "unassigned vnodes", snapshot: ring("a", model.NoOwner), wantStatus: http.StatusServiceUnavailable, wantRing: "incomplete"},
		{name: "complete ring", snapshot: ring("a", "b"), wantStatus: http.StatusOK, wantRing: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := new(MockNode)
			node.On("Ring").Return(tt.snapshot)
			node.On("LeaderTerm").Return(model.LeaderTerm{Leader: "a", Term: 2})

			rec := do(t, newTestServer(node, nil), http.MethodGet, "/ready", "")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp readyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantRing, resp.Checks["ring"])
			assert.Equal(t, model.NodeID("a"), resp.Leader)
		})
	}
}

func TestServer_Ring(t *testing.T) {
	node := new(MockNode)
	node.On("Ring").Return(ring("a", "b", "a")).Once()
	h := newTestServer(node, nil)

	rec := do(t, h, http.MethodGet, "/v1/ring", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ringResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2.5", resp.Version)
	assert.Equal(t, []model.NodeID{"a", "b", "a"}, resp.Owners)
	assert.Equal(t, map[model.NodeID]int{"a": 2, "b": 1}, resp.Counts)

	node.On("Ring").Return(nil)
	rec = do(t, h, http.MethodGet, "/v1/ring", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Leader(t *testing.T) {
	node := new(MockNode)
	node.On("LeaderTerm").Return(model.LeaderTerm{Leader: "a", Term: 3, Status: model.TermStatusActive})
	node.On("ElectionState").Return(election.StateFollower)
	node.On("Members").Return([]model.NodeID{"a", "b"})
	node.On("PendingCalls").Return(4)

	rec := do(t, newTestServer(node, nil), http.MethodGet, "/v1/leader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"leader":"a","term":3,"status":"active","state":"follower","members":["a","b"],"pending_calls":4}`, rec.Body.String())
}

func TestServer_Plans(t *testing.T) {
	node := new(MockNode)
	node.On("Plans", mock.Anything, 20).Return([]*model.RebalancePlan{{PlanID: "p1", State: model.PlanStateCompleted}}, nil)
	node.On("Plans", mock.Anything, 5).Return(nil, nil)
	h := newTestServer(node, nil)

	rec := do(t, h, http.MethodGet, "/v1/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var plans []model.RebalancePlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "p1", plans[0].PlanID)

	rec = do(t, h, http.MethodGet, "/v1/plans?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/plans?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	node.AssertExpectations(t)
}

func TestServer_CurrentPlan(t *testing.T) {
	node := new(MockNode)
	node.On("CurrentPlan").Return(nil).Once()
	node.On("CurrentPlan").Return(&model.RebalancePlan{PlanID: "p2", State: model.PlanStateInProgress})
	h := newTestServer(node, nil)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/plans/current", "").Code)

	rec := do(t, h, http.MethodGet, "/v1/plans/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan_id":"p2"`)
}

func TestServer_Invoke(t *testing.T) {
	node := new(MockNode)
	node.On("Invoke", mock.Anything, "counter", "incr", [][]byte{[]byte("user-1"), []byte("2")}).Return([]byte("2"), nil)
	node.On("Invoke", mock.Anything, "counter", "missing", [][]byte{}).Return(nil, routeerr.UnknownMethod("counter", "missing"))
	node.On("Invoke", mock.Anything, "counter", "get", [][]byte{[]byte("k")}).Return(nil, routeerr.RequestTimedOut(7, "target_left"))
	h := newTestServer(node, nil)

	rec := do(t, h, http.MethodPost, "/v1/invoke/counter/incr", `{"args":["user-1","2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"value":"2"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/invoke/counter/missing", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"unknown_method"`)

	rec = do(t, h, http.MethodPost, "/v1/invoke/counter/get", `{"args":["k"]}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/invoke/counter/get", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/invoke/counter/get", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_InvokeRateLimited(t *testing.T) {
	node := new(MockNode)
	node.On("Invoke", mock.Anything, "counter", "get", mock.Anything).Return([]byte("0"), nil)
	h := newTestServer(node, &Config{InvokeRateLimit: 0.001, InvokeBurst: 1})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/invoke/counter/get", `{"args":["k"]}`).Code)
	rec := do(t, h, http.MethodPost, "/v1/invoke/counter/get", `{"args":["k"]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "shardroute_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := newTestServer(new(MockNode), &Config{Gatherer: reg})
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shardroute_test_total 1")
}

func TestServer_NotFoundAndRecovery(t *testing.T) {
	h := newTestServer(new(MockNode), nil)
	rec := do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	panicky := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec = do(t, panicky, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"internal"`)
}

func TestRequestID_ReusesHeader(t *testing.T) {
	var seen interface{}
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r.Context().Value(RequestIDKey)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", seen)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}
