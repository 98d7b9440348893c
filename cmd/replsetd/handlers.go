package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dreamware/replset/internal/repl"
	"github.com/dreamware/replset/internal/topology"
	"github.com/dreamware/replset/internal/transport"
)

func (n *node) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req repl.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.noteRemoteTerm(req.Term)

	n.mu.Lock()
	resp, err := n.topo.PrepareHeartbeatResponse(time.Now(), &req, n.setName)
	n.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *node) handleVote(w http.ResponseWriter, r *http.Request) {
	var req repl.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.noteRemoteTerm(req.Term)

	n.mu.Lock()
	resp, persist := n.topo.ProcessRequestVotes(&req)
	vote := n.topo.LastVote()
	n.mu.Unlock()

	// The vote must be durable before the response can leave this node; a
	// crash after granting but before persisting could double-vote.
	if persist {
		if err := n.votes.Save(vote); err != nil {
			log.Printf("vote: persisting: %v", err)
			http.Error(w, "could not persist vote", http.StatusInternalServerError)
			return
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *node) handleConfig(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	cfg := n.topo.Config()
	n.mu.Unlock()
	if cfg == nil {
		http.Error(w, "no config installed", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(cfg)
}

func (n *node) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	var req transport.UpdatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	advanced, err := n.topo.SetLastOptime(req.MemberID, req.Applied, req.Durable, time.Now())
	if err == nil && advanced {
		n.topo.UpdateLastCommittedOpTimeAndWallTime()
	}
	n.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *node) handleStatus(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	resp := n.topo.PrepareStatusResponse(time.Now(), time.Since(n.started))
	n.mu.Unlock()
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *node) handleIsMaster(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	resp := n.topo.FillIsMasterForReplSet()
	n.mu.Unlock()
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *node) handleStepDown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		StepDownSecs int  `json:"stepdown_secs"`
		WaitSecs     int  `json:"wait_secs"`
		Force        bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.StepDownSecs == 0 {
		req.StepDownSecs = 60
	}

	n.mu.Lock()
	termAtStart := n.topo.Term()
	abort, err := n.topo.PrepareForStepDownAttempt()
	n.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	start := time.Now()
	waitUntil := start.Add(time.Duration(req.WaitSecs) * time.Second)
	stepDownUntil := start.Add(time.Duration(req.StepDownSecs) * time.Second)

	// Poll until the attempt resolves; member progress arrives between
	// polls via heartbeats and position updates.
	for {
		n.mu.Lock()
		done, err := n.topo.AttemptStepDown(termAtStart, time.Now(), waitUntil, stepDownUntil, req.Force)
		n.mu.Unlock()
		if err != nil {
			n.mu.Lock()
			abort()
			n.mu.Unlock()
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		if done {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (n *node) handleFreeze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Secs int `json:"secs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	selfElect, err := n.topo.PrepareFreezeResponse(time.Now(), req.Secs)
	n.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if selfElect {
		n.maybeRunElection(topology.ReasonSingleNodePromotion, 0)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *node) handleSyncFrom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	prev, err := n.topo.PrepareSyncFromResponse(repl.HostAndPort(req.Target))
	var chosen repl.HostAndPort
	if err == nil {
		chosen = n.topo.ChooseNewSyncSource(time.Now(), n.topo.MyLastAppliedOpTime(), topology.ChainingAllowed)
	}
	n.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		PrevSyncSource repl.HostAndPort `json:"prev_sync_source,omitempty"`
		SyncSource     repl.HostAndPort `json:"sync_source,omitempty"`
	}{PrevSyncSource: prev, SyncSource: chosen})
}

func (n *node) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enable bool `json:"enable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	inc := 1
	if !req.Enable {
		inc = -1
	}
	n.mu.Lock()
	notFollower := n.topo.Role() != repl.RoleFollower
	alreadyOut := inc < 0 && n.topo.MaintenanceCount() == 0
	if !notFollower && !alreadyOut {
		n.topo.AdjustMaintenanceCountBy(inc)
	}
	n.mu.Unlock()
	if notFollower {
		http.Error(w, "cannot run maintenance on a primary or candidate", http.StatusConflict)
		return
	}
	if alreadyOut {
		http.Error(w, "not in maintenance mode", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps the coordinator's sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, topology.ErrNotMaster), errors.Is(err, topology.ErrNotSecondary),
		errors.Is(err, topology.ErrConflictingOperationInProgress),
		errors.Is(err, topology.ErrPrimarySteppedDown):
		return http.StatusConflict
	case errors.Is(err, topology.ErrNodeNotFound), errors.Is(err, topology.ErrInvalidOptions),
		errors.Is(err, topology.ErrBadValue), errors.Is(err, topology.ErrInconsistentReplicaSetNames):
		return http.StatusBadRequest
	case errors.Is(err, topology.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, topology.ErrHostUnreachable), errors.Is(err, topology.ErrExceededTimeLimit):
		return http.StatusServiceUnavailable
	case errors.Is(err, topology.ErrInvalidReplicaSetConfig):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
