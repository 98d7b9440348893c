package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/repl"
	"github.com/dreamware/replset/internal/topology"
)

// hostOf strips the scheme from an httptest server URL so it can be used as
// a member address.
func hostOf(t *testing.T, srv *httptest.Server) repl.HostAndPort {
	t.Helper()
	return repl.HostAndPort(strings.TrimPrefix(srv.URL, "http://"))
}

func TestSendHeartbeat(t *testing.T) {
	var got repl.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, HeartbeatPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(repl.HeartbeatResponse{
			SetName:       "rs0",
			State:         repl.StateSecondary,
			Term:          3,
			ConfigVersion: 2,
		})
	}))
	defer srv.Close()

	req := &repl.HeartbeatRequest{SetName: "rs0", SenderID: 1, ConfigVersion: 2, Term: 3}
	resp, rtt, err := NewClient().SendHeartbeat(context.Background(), hostOf(t, srv), req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, *req, got)
	assert.Equal(t, "rs0", resp.SetName)
	assert.Equal(t, repl.Term(3), resp.Term)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestSendHeartbeatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, _, err := NewClient().SendHeartbeat(context.Background(), hostOf(t, srv),
		&repl.HeartbeatRequest{SetName: "rs0"}, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestUnauthorizedIsDetectable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, _, err := NewClient().SendHeartbeat(context.Background(), hostOf(t, srv),
		&repl.HeartbeatRequest{SetName: "rs0"}, time.Second)
	assert.ErrorIs(t, err, topology.ErrUnauthorized)

	_, err = NewClient().FetchConfig(context.Background(), hostOf(t, srv))
	assert.ErrorIs(t, err, topology.ErrUnauthorized)
}

func TestRequestVote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, VotePath, r.URL.Path)
		var req repl.VoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(repl.VoteResponse{Term: req.Term, VoteGranted: true})
	}))
	defer srv.Close()

	resp, err := NewClient().RequestVote(context.Background(), hostOf(t, srv),
		&repl.VoteRequest{SetName: "rs0", Term: 4, CandidateIndex: 0})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
	assert.Equal(t, repl.Term(4), resp.Term)
}

func TestFetchConfig(t *testing.T) {
	cfg, err := config.New(config.ReplSetConfig{
		SetName:         "rs0",
		Version:         5,
		ChainingAllowed: true,
		Members: []config.MemberConfig{
			{ID: 0, Host: "a:1", Priority: 1, Votes: 1, BuildIndexes: true},
			{ID: 1, Host: "b:1", Priority: 1, Votes: 1, BuildIndexes: true},
		},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, ConfigPath, r.URL.Path)
		json.NewEncoder(w).Encode(cfg)
	}))
	defer srv.Close()

	got, err := NewClient().FetchConfig(context.Background(), hostOf(t, srv))
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, 2, got.NumMembers())
	// Derived values are recomputed on receipt
	assert.Equal(t, 2, got.MajorityVoteCount())
}

func TestFetchConfigRejectsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(config.ReplSetConfig{SetName: "", Version: 1})
	}))
	defer srv.Close()

	_, err := NewClient().FetchConfig(context.Background(), hostOf(t, srv))
	assert.Error(t, err)
}

func TestSendUpdatePosition(t *testing.T) {
	var got UpdatePositionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, UpdatePositionPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	req := &UpdatePositionRequest{
		MemberID: 2,
		Applied:  repl.OpTimeAndWallTime{OpTime: repl.OpTime{TS: repl.Timestamp{Secs: 9}, Term: 1}},
	}
	require.NoError(t, NewClient().SendUpdatePosition(context.Background(), hostOf(t, srv), req))
	assert.Equal(t, *req, got)
}
