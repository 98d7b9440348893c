package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/lastvote"
	"github.com/dreamware/replset/internal/repl"
	"github.com/dreamware/replset/internal/topology"
	"github.com/dreamware/replset/internal/transport"
)

func main() {
	// A .env next to the binary is a convenience for local clusters; the
	// real environment always wins.
	_ = godotenv.Load()

	listenAddr := getenv("REPLSET_ADDR", ":8080")
	selfHost := getenv("REPLSET_ME", "localhost"+listenAddr)
	configPath := getenv("REPLSET_CONFIG", "replset.yaml")
	dataDir := getenv("REPLSET_DATA_DIR", ".")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	n, err := newNode(cfg, repl.HostAndPort(selfHost), dataDir)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(transport.HeartbeatPath, n.handleHeartbeat)
	mux.HandleFunc(transport.VotePath, n.handleVote)
	mux.HandleFunc(transport.ConfigPath, n.handleConfig)
	mux.HandleFunc(transport.UpdatePositionPath, n.handleUpdatePosition)
	mux.HandleFunc("/replset/status", n.handleStatus)
	mux.HandleFunc("/replset/ismaster", n.handleIsMaster)
	mux.HandleFunc("/replset/stepdown", n.handleStepDown)
	mux.HandleFunc("/replset/freeze", n.handleFreeze)
	mux.HandleFunc("/replset/sync_from", n.handleSyncFrom)
	mux.HandleFunc("/replset/maintenance", n.handleMaintenance)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.start(ctx)

	go func() {
		log.Printf("replsetd %s listening on %s", selfHost, listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Println("replsetd stopped")
}

// node owns the topology coordinator and serializes all access to it. The
// coordinator itself is single-threaded; every driver goroutine and HTTP
// handler takes n.mu around its calls.
type node struct {
	mu    sync.Mutex
	topo  *topology.Coordinator
	votes *lastvote.Store

	client  *transport.Client
	setName string
	self    repl.HostAndPort
	started time.Time

	electionInFlight bool
}

func newNode(cfg *config.ReplSetConfig, self repl.HostAndPort, dataDir string) (*node, error) {
	n := &node{
		topo:    topology.New(topology.DefaultOptions()),
		votes:   lastvote.NewStore(filepath.Join(dataDir, "lastvote.db")),
		client:  transport.NewClient(),
		setName: cfg.SetName,
		self:    self,
		started: time.Now(),
	}

	selfIndex := cfg.FindMemberIndexByHostAndPort(self)
	n.topo.UpdateConfig(cfg, selfIndex, time.Now())

	vote, err := n.votes.Load()
	switch {
	case err == nil:
		n.topo.LoadLastVote(vote)
	case errors.Is(err, lastvote.ErrNoVote):
		// First boot.
	default:
		return nil, err
	}

	// Data recovery is out of scope for the daemon; a freshly booted node
	// goes straight to SECONDARY (which self-elects in a one-node set).
	if selfIndex >= 0 && !cfg.MemberAt(selfIndex).Arbiter {
		n.topo.SetFollowerMode(repl.StateSecondary)
		if n.topo.Role() == repl.RoleCandidate {
			// One-node set: SetFollowerMode already made us a candidate.
			n.maybeRunElection(topology.ReasonSingleNodePromotion, 0)
		}
	}
	return n, nil
}

// start launches the driver loops: one heartbeat loop per peer, the liveness
// sweeper, and the sync-source chooser.
func (n *node) start(ctx context.Context) {
	n.mu.Lock()
	cfg := n.topo.Config()
	n.mu.Unlock()

	for i := 0; i < cfg.NumMembers(); i++ {
		target := cfg.MemberAt(i).Host
		if target == n.self {
			continue
		}
		go n.heartbeatLoop(ctx, target)
	}
	go n.livenessLoop(ctx)
	go n.syncSourceLoop(ctx)
}

// heartbeatLoop drives the heartbeat protocol against one peer. The
// coordinator dictates both the request timeout and when the next round
// starts; the loop just obeys.
func (n *node) heartbeatLoop(ctx context.Context, target repl.HostAndPort) {
	for {
		n.mu.Lock()
		req, timeout := n.topo.PrepareHeartbeatRequest(time.Now(), n.setName, target)
		n.mu.Unlock()

		resp, rtt, err := n.client.SendHeartbeat(ctx, target, &req, timeout)
		if ctx.Err() != nil {
			return
		}
		if resp != nil {
			n.noteRemoteTerm(resp.Term)
		}

		n.mu.Lock()
		action := n.topo.ProcessHeartbeatResponse(time.Now(), rtt, target, resp, err, topology.IsUnauthorized(err))
		n.mu.Unlock()
		n.applyAction(ctx, action, target)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(action.NextHeartbeatStart)):
		}
	}
}

// applyAction carries out the follow-up a heartbeat round asked for.
func (n *node) applyAction(ctx context.Context, action topology.HeartbeatResponseAction, target repl.HostAndPort) {
	switch action.Kind {
	case topology.ActionReconfig:
		newCfg, err := n.client.FetchConfig(ctx, target)
		if err != nil {
			log.Printf("reconfig: fetching newer config from %s: %v", target, err)
			return
		}
		n.mu.Lock()
		if cur := n.topo.Config(); cur == nil || newCfg.Version > cur.Version {
			selfIndex := newCfg.FindMemberIndexByHostAndPort(n.self)
			n.topo.UpdateConfig(newCfg, selfIndex, time.Now())
			n.setName = newCfg.SetName
			log.Printf("reconfig: installed config version %d", newCfg.Version)
		}
		n.mu.Unlock()
	case topology.ActionPriorityTakeover:
		n.maybeRunElection(topology.ReasonPriorityTakeover, 2*time.Second)
	case topology.ActionCatchupTakeover:
		n.mu.Lock()
		delay := n.topo.Config().CatchUpTakeoverDelay
		n.mu.Unlock()
		n.maybeRunElection(topology.ReasonCatchupTakeover, delay)
	case topology.ActionStepDownSelf:
		n.stepDownUnconditionally()
	}
}

// livenessLoop sweeps member staleness once a second and starts an election
// when the primary has been silent past the election timeout.
func (n *node) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		n.mu.Lock()
		action := n.topo.CheckMemberTimeouts(now)
		noPrimary := n.topo.CurrentPrimaryIndex() == -1
		canTry := n.topo.Role() == repl.RoleFollower && now.After(n.topo.ElectionSleepUntil())
		n.mu.Unlock()

		if action.Kind == topology.ActionStepDownSelf {
			n.stepDownUnconditionally()
			continue
		}
		if noPrimary && canTry {
			n.maybeRunElection(topology.ReasonElectionTimeout, 0)
		}
	}
}

// syncSourceLoop keeps a follower attached to a usable sync source.
func (n *node) syncSourceLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.mu.Lock()
		if !n.topo.MemberState().Primary() && n.topo.SyncSourceAddress().Empty() {
			n.topo.ChooseNewSyncSource(time.Now(), n.topo.MyLastAppliedOpTime(), topology.ChainingAllowed)
		}
		n.mu.Unlock()
	}
}

// maybeRunElection starts an election after delay unless one is already in
// flight. The electability re-check happens after the delay, under the lock.
func (n *node) maybeRunElection(reason topology.StartElectionReason, delay time.Duration) {
	n.mu.Lock()
	if n.electionInFlight {
		n.mu.Unlock()
		return
	}
	n.electionInFlight = true
	n.mu.Unlock()

	go func() {
		defer func() {
			n.mu.Lock()
			n.electionInFlight = false
			n.mu.Unlock()
		}()
		if delay > 0 {
			time.Sleep(delay)
		}
		n.runElection(reason)
	}()
}

// runElection conducts a dry run followed by a real vote round, in the
// two-phase style that keeps a partitioned node from bumping everyone's term.
func (n *node) runElection(reason topology.StartElectionReason) {
	n.mu.Lock()
	// A one-node set arrives here already a candidate.
	if n.topo.Role() != repl.RoleCandidate {
		if err := n.topo.BecomeCandidateIfElectable(time.Now(), reason); err != nil {
			n.mu.Unlock()
			log.Printf("election: %v", err)
			return
		}
	}
	cfg := n.topo.Config()
	proposedTerm := n.topo.Term() + 1
	dryRun := repl.VoteRequest{
		SetName:           cfg.SetName,
		DryRun:            true,
		Term:              proposedTerm,
		CandidateIndex:    n.topo.SelfIndex(),
		ConfigVersion:     cfg.Version,
		LastDurableOpTime: n.topo.MyLastAppliedOpTime(),
	}
	needed := cfg.MajorityVoteCount()
	n.mu.Unlock()

	if !n.collectVotes(&dryRun, needed) {
		n.loseElection()
		return
	}

	n.mu.Lock()
	n.topo.UpdateTerm(proposedTerm, time.Now())
	n.topo.VoteForMyself()
	vote := n.topo.LastVote()
	n.mu.Unlock()

	if err := n.votes.Save(vote); err != nil {
		log.Printf("election: persisting self vote: %v", err)
		n.loseElection()
		return
	}

	real := dryRun
	real.DryRun = false
	if !n.collectVotes(&real, needed) {
		n.loseElection()
		return
	}

	now := time.Now()
	firstOpTime := repl.OpTime{
		TS:   repl.Timestamp{Secs: uint32(now.Unix()), Inc: 1},
		Term: proposedTerm,
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topo.Term() != proposedTerm || n.topo.Role() != repl.RoleCandidate {
		// Someone else won or a bigger term arrived while we were voting.
		if n.topo.Role() == repl.RoleCandidate {
			n.topo.ProcessLoseElection()
		}
		return
	}
	n.topo.ProcessWinElection(uuid.New(), firstOpTime.TS)
	log.Printf("election: won election in term %d", proposedTerm)

	// The daemon carries no apply queue, so the drain is trivially complete.
	n.topo.SetMyLastAppliedOpTimeAndWallTime(repl.OpTimeAndWallTime{OpTime: firstOpTime, WallTime: now}, now, false)
	n.topo.SetMyLastDurableOpTimeAndWallTime(repl.OpTimeAndWallTime{OpTime: firstOpTime, WallTime: now}, now, false)
	if err := n.topo.CompleteTransitionToPrimary(firstOpTime); err != nil {
		log.Printf("election: %v", err)
		return
	}
	n.topo.UpdateLastCommittedOpTimeAndWallTime()
}

// collectVotes sends one vote round to every peer and reports whether a
// majority (counting our own vote) granted it.
func (n *node) collectVotes(req *repl.VoteRequest, needed int) bool {
	n.mu.Lock()
	cfg := n.topo.Config()
	selfIndex := n.topo.SelfIndex()
	n.mu.Unlock()

	granted := 1 // our own vote
	for i := 0; i < cfg.NumMembers(); i++ {
		if i == selfIndex || !cfg.MemberAt(i).IsVoter() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp, err := n.client.RequestVote(ctx, cfg.MemberAt(i).Host, req)
		cancel()
		if err != nil {
			log.Printf("election: vote request to %s: %v", cfg.MemberAt(i).Host, err)
			continue
		}
		n.noteRemoteTerm(resp.Term)
		if resp.VoteGranted {
			granted++
		} else {
			log.Printf("election: %s denied vote: %s", cfg.MemberAt(i).Host, resp.Reason)
		}
	}
	return granted >= needed
}

func (n *node) loseElection() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topo.Role() == repl.RoleCandidate {
		n.topo.ProcessLoseElection()
	}
}

// noteRemoteTerm digests a term seen in any remote response, stepping down
// first when we are primary in an older term.
func (n *node) noteRemoteTerm(term repl.Term) {
	n.mu.Lock()
	result := n.topo.UpdateTerm(term, time.Now())
	n.mu.Unlock()
	if result == topology.TermTriggerStepDown {
		n.stepDownUnconditionally()
		n.mu.Lock()
		n.topo.UpdateTerm(term, time.Now())
		n.mu.Unlock()
	}
}

func (n *node) stepDownUnconditionally() {
	n.mu.Lock()
	defer n.mu.Unlock()
	// The trigger was observed outside the lock; another goroutine may have
	// finished stepping us down in between.
	if n.topo.Role() != repl.RoleLeader {
		return
	}
	if !n.topo.PrepareForUnconditionalStepDown() {
		return
	}
	// No writes to quiesce here, so the two phases collapse.
	n.topo.FinishUnconditionalStepDown()
	log.Printf("stepped down from primary")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
