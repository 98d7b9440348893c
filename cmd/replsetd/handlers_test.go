package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/lastvote"
	"github.com/dreamware/replset/internal/repl"
	"github.com/dreamware/replset/internal/topology"
	"github.com/dreamware/replset/internal/transport"
)

func testNode(t *testing.T) *node {
	t.Helper()
	cfg, err := config.New(config.ReplSetConfig{
		SetName:         "rs0",
		Version:         1,
		ChainingAllowed: true,
		Members: []config.MemberConfig{
			{ID: 0, Host: "a:1", Priority: 1, Votes: 1, BuildIndexes: true},
			{ID: 1, Host: "b:1", Priority: 1, Votes: 1, BuildIndexes: true},
			{ID: 2, Host: "c:1", Priority: 1, Votes: 1, BuildIndexes: true},
		},
	})
	require.NoError(t, err)

	n, err := newNode(cfg, "a:1", t.TempDir())
	require.NoError(t, err)
	return n
}

// feedHeartbeat marks a peer as up by running one heartbeat round against it
// directly on the coordinator.
func feedHeartbeat(n *node, target repl.HostAndPort, resp *repl.HeartbeatResponse) {
	now := time.Now()
	resp.SetName = "rs0"
	resp.ConfigVersion = 1
	n.mu.Lock()
	n.topo.PrepareHeartbeatRequest(now, "rs0", target)
	n.topo.ProcessHeartbeatResponse(now, time.Millisecond, target, resp, nil, false)
	n.mu.Unlock()
}

// makePrimary drives the node's coordinator through a won election.
func makePrimary(t *testing.T, n *node) {
	t.Helper()
	now := time.Now()
	for _, peer := range []repl.HostAndPort{"b:1", "c:1"} {
		feedHeartbeat(n, peer, &repl.HeartbeatResponse{State: repl.StateSecondary})
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topo.SetMyLastAppliedOpTimeAndWallTime(
		repl.OpTimeAndWallTime{OpTime: repl.OpTime{TS: repl.Timestamp{Secs: 10}}}, now, false)
	require.NoError(t, n.topo.BecomeCandidateIfElectable(now, topology.ReasonElectionTimeout))
	n.topo.UpdateTerm(1, now)
	n.topo.VoteForMyself()
	n.topo.ProcessWinElection(uuid.New(), repl.Timestamp{Secs: 11, Inc: 1})
	first := repl.OpTime{TS: repl.Timestamp{Secs: 11, Inc: 1}, Term: 1}
	n.topo.SetMyLastAppliedOpTimeAndWallTime(repl.OpTimeAndWallTime{OpTime: first}, now, false)
	n.topo.SetMyLastDurableOpTimeAndWallTime(repl.OpTimeAndWallTime{OpTime: first}, now, false)
	require.NoError(t, n.topo.CompleteTransitionToPrimary(first))
}

func postJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b)))
	return w
}

func TestHandleHeartbeat(t *testing.T) {
	n := testNode(t)

	w := postJSON(t, n.handleHeartbeat, repl.HeartbeatRequest{
		SetName: "rs0", ConfigVersion: 1, SenderID: 1, SenderHost: "b:1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp repl.HeartbeatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "rs0", resp.SetName)
	assert.Equal(t, repl.StateSecondary, resp.State)
	assert.Equal(t, int64(1), resp.ConfigVersion)
}

func TestHandleHeartbeatWrongSetName(t *testing.T) {
	n := testNode(t)

	w := postJSON(t, n.handleHeartbeat, repl.HeartbeatRequest{
		SetName: "other", ConfigVersion: 1, SenderID: 1, SenderHost: "b:1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVotePersistsBeforeReply(t *testing.T) {
	n := testNode(t)

	// A dry run grants without persisting anything
	w := postJSON(t, n.handleVote, repl.VoteRequest{
		SetName: "rs0", DryRun: true, Term: 1, CandidateIndex: 1, ConfigVersion: 1,
		LastDurableOpTime: repl.OpTime{TS: repl.Timestamp{Secs: 5}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp repl.VoteResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.VoteGranted)
	_, err := n.votes.Load()
	assert.ErrorIs(t, err, lastvote.ErrNoVote)

	// The real vote is on disk before the handler answers
	w = postJSON(t, n.handleVote, repl.VoteRequest{
		SetName: "rs0", Term: 1, CandidateIndex: 1, ConfigVersion: 1,
		LastDurableOpTime: repl.OpTime{TS: repl.Timestamp{Secs: 5}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.VoteGranted)

	vote, err := n.votes.Load()
	require.NoError(t, err)
	assert.Equal(t, repl.LastVote{Term: 1, CandidateIndex: 1}, vote)

	// Second real request in the same term is denied and changes nothing
	w = postJSON(t, n.handleVote, repl.VoteRequest{
		SetName: "rs0", Term: 1, CandidateIndex: 2, ConfigVersion: 1,
		LastDurableOpTime: repl.OpTime{TS: repl.Timestamp{Secs: 5}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.VoteGranted)
	assert.Contains(t, resp.Reason, "already voted")
}

func TestHandleConfig(t *testing.T) {
	n := testNode(t)

	w := httptest.NewRecorder()
	n.handleConfig(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var cfg config.ReplSetConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cfg))
	assert.Equal(t, "rs0", cfg.SetName)
	assert.Equal(t, int64(1), cfg.Version)
	assert.Len(t, cfg.Members, 3)
}

func TestHandleUpdatePosition(t *testing.T) {
	n := testNode(t)

	w := postJSON(t, n.handleUpdatePosition, transport.UpdatePositionRequest{
		MemberID: 1,
		Applied:  repl.OpTimeAndWallTime{OpTime: repl.OpTime{TS: repl.Timestamp{Secs: 4}}},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = postJSON(t, n.handleUpdatePosition, transport.UpdatePositionRequest{MemberID: 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatus(t *testing.T) {
	n := testNode(t)

	w := httptest.NewRecorder()
	n.handleStatus(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp topology.StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "rs0", resp.SetName)
	assert.Equal(t, repl.StateSecondary, resp.MyState)
	assert.Len(t, resp.Members, 3)
}

func TestHandleIsMaster(t *testing.T) {
	n := testNode(t)

	w := httptest.NewRecorder()
	n.handleIsMaster(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp repl.IsMasterResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.IsMaster)
	assert.True(t, resp.Secondary)
	assert.Equal(t, repl.HostAndPort("a:1"), resp.Me)

	makePrimary(t, n)
	w = httptest.NewRecorder()
	n.handleIsMaster(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.IsMaster)
	assert.Equal(t, repl.HostAndPort("a:1"), resp.Primary)
}

func TestHandleStepDownNotPrimary(t *testing.T) {
	n := testNode(t)
	w := postJSON(t, n.handleStepDown, map[string]any{"force": true})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleStepDownForce(t *testing.T) {
	n := testNode(t)
	makePrimary(t, n)

	w := postJSON(t, n.handleStepDown, map[string]any{"force": true, "stepdown_secs": 30})
	assert.Equal(t, http.StatusNoContent, w.Code)

	n.mu.Lock()
	state := n.topo.MemberState()
	n.mu.Unlock()
	assert.Equal(t, repl.StateSecondary, state)
}

// TestStepDownUnconditionallyIdempotent covers two goroutines both observing
// a step-down trigger: whoever loses the race must find the node already
// stepped down and leave it alone.
func TestStepDownUnconditionallyIdempotent(t *testing.T) {
	n := testNode(t)
	makePrimary(t, n)

	n.stepDownUnconditionally()
	n.mu.Lock()
	state := n.topo.MemberState()
	n.mu.Unlock()
	require.Equal(t, repl.StateSecondary, state)

	assert.NotPanics(t, func() { n.stepDownUnconditionally() })
}

func TestHandleFreeze(t *testing.T) {
	n := testNode(t)

	w := postJSON(t, n.handleFreeze, map[string]any{"secs": 30})
	assert.Equal(t, http.StatusNoContent, w.Code)

	n.mu.Lock()
	err := n.topo.BecomeCandidateIfElectable(time.Now(), topology.ReasonElectionTimeout)
	n.mu.Unlock()
	assert.Error(t, err)

	wr := httptest.NewRecorder()
	n.handleFreeze(wr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, wr.Code)
}

func TestHandleMaintenance(t *testing.T) {
	n := testNode(t)

	w := postJSON(t, n.handleMaintenance, map[string]any{"enable": true})
	require.Equal(t, http.StatusNoContent, w.Code)

	n.mu.Lock()
	state := n.topo.MemberState()
	n.mu.Unlock()
	assert.Equal(t, repl.StateRecovering, state)

	w = postJSON(t, n.handleMaintenance, map[string]any{"enable": false})
	require.Equal(t, http.StatusNoContent, w.Code)

	// Leaving maintenance when not in it is an operator mistake
	w = postJSON(t, n.handleMaintenance, map[string]any{"enable": false})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleSyncFrom(t *testing.T) {
	n := testNode(t)

	// Target down
	w := postJSON(t, n.handleSyncFrom, map[string]any{"target": "b:1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	feedHeartbeat(n, "b:1", &repl.HeartbeatResponse{
		State:         repl.StateSecondary,
		AppliedOpTime: repl.OpTimeAndWallTime{OpTime: repl.OpTime{TS: repl.Timestamp{Secs: 50}}},
	})
	w = postJSON(t, n.handleSyncFrom, map[string]any{"target": "b:1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SyncSource repl.HostAndPort `json:"sync_source"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, repl.HostAndPort("b:1"), resp.SyncSource)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{topology.ErrNotMaster, http.StatusConflict},
		{topology.ErrNotSecondary, http.StatusConflict},
		{topology.ErrPrimarySteppedDown, http.StatusConflict},
		{topology.ErrConflictingOperationInProgress, http.StatusConflict},
		{topology.ErrNodeNotFound, http.StatusBadRequest},
		{topology.ErrInvalidOptions, http.StatusBadRequest},
		{topology.ErrBadValue, http.StatusBadRequest},
		{topology.ErrInconsistentReplicaSetNames, http.StatusBadRequest},
		{topology.ErrUnauthorized, http.StatusUnauthorized},
		{topology.ErrHostUnreachable, http.StatusServiceUnavailable},
		{topology.ErrExceededTimeLimit, http.StatusServiceUnavailable},
		{topology.ErrInvalidReplicaSetConfig, http.StatusUnprocessableEntity},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(tc.err), "for %v", tc.err)
	}
}
