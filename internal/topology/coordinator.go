package topology

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/member"
	"github.com/dreamware/replset/internal/repl"
)

// Options are the coordinator tunables that live outside the replica-set
// config because they are per-process rather than cluster-wide.
type Options struct {
	// MaxSyncSourceLag is how far behind the primary a member's oplog may be
	// before it stops being an acceptable sync source.
	MaxSyncSourceLag time.Duration

	// PriorityTakeoverFreshnessWindow bounds how far behind the most
	// advanced known optime a higher-priority node may be while still
	// calling for a priority takeover.
	PriorityTakeoverFreshnessWindow time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxSyncSourceLag:                30 * time.Second,
		PriorityTakeoverFreshnessWindow: 2 * time.Second,
	}
}

// Coordinator is the replica-set topology coordinator. See the package
// documentation for the architecture and the concurrency contract: every
// method assumes exclusive access, never blocks, and takes the current time
// from the caller.
type Coordinator struct {
	options Options

	role       repl.Role
	leaderMode repl.LeaderMode

	// followerMode is the sub-state while role is follower: STARTUP2,
	// SECONDARY, RECOVERING or ROLLBACK.
	followerMode repl.MemberState

	term repl.Term

	// cfg is nil until the first config is installed.
	cfg       *config.ReplSetConfig
	selfIndex int

	members []*member.Data
	pings   map[repl.HostAndPort]*member.PingStats

	currentPrimaryIndex  int
	forceSyncSourceIndex int
	syncSource           repl.HostAndPort
	blacklist            *gocache.Cache

	maintenanceModeCalls int

	stepDownUntil      time.Time
	electionSleepUntil time.Time

	electionTime repl.Timestamp
	electionID   uuid.UUID

	lastVote repl.LastVote

	// firstOpTimeOfMyTerm pins the commit point while a freshly elected
	// primary drains; see ProcessWinElection.
	firstOpTimeOfMyTerm repl.OpTime

	lastCommitted repl.OpTimeAndWallTime

	hbMsg     string
	hbMsgTime time.Time
}

// New creates a coordinator with no installed config. It starts as a
// follower in STARTUP with a lone self registry entry, waiting for
// UpdateConfig.
func New(options Options) *Coordinator {
	c := &Coordinator{
		options:              options,
		role:                 repl.RoleFollower,
		leaderMode:           repl.LeaderModeNotLeader,
		followerMode:         repl.StateStartup2,
		term:                 repl.UninitializedTerm,
		selfIndex:            -1,
		currentPrimaryIndex:  -1,
		forceSyncSourceIndex: -1,
		pings:                make(map[repl.HostAndPort]*member.PingStats),
		blacklist:            gocache.New(gocache.NoExpiration, 10*time.Minute),
		lastVote:             repl.LastVote{Term: repl.UninitializedTerm, CandidateIndex: -1},
	}
	self := member.NewData()
	self.SetConfigBinding(-1, repl.UnknownMemberID, "", true)
	c.members = append(c.members, self)
	return c
}

// Role returns the coordinator's current election role.
func (c *Coordinator) Role() repl.Role { return c.role }

// LeaderMode returns the leader sub-mode; NotLeader unless role is Leader.
func (c *Coordinator) LeaderMode() repl.LeaderMode { return c.leaderMode }

// Term returns the current election term.
func (c *Coordinator) Term() repl.Term { return c.term }

// Config returns the installed config snapshot, nil before the first
// UpdateConfig.
func (c *Coordinator) Config() *config.ReplSetConfig { return c.cfg }

// SelfIndex returns this node's slot in the current config, -1 if absent.
func (c *Coordinator) SelfIndex() int { return c.selfIndex }

// CurrentPrimaryIndex returns the believed primary's config index, -1 if
// unknown.
func (c *Coordinator) CurrentPrimaryIndex() int { return c.currentPrimaryIndex }

// SyncSourceAddress returns the currently selected sync source, empty if
// none.
func (c *Coordinator) SyncSourceAddress() repl.HostAndPort { return c.syncSource }

// ElectionID returns the id recorded at the last won election.
func (c *Coordinator) ElectionID() uuid.UUID { return c.electionID }

// ElectionTime returns the optime timestamp recorded at the last won
// election.
func (c *Coordinator) ElectionTime() repl.Timestamp { return c.electionTime }

// GetStepDownTime returns the end of the current step-down/freeze window.
func (c *Coordinator) GetStepDownTime() time.Time { return c.stepDownUntil }

// CanAcceptWrites reports whether the node is a fully transitioned primary.
func (c *Coordinator) CanAcceptWrites() bool { return c.leaderMode == repl.LeaderModeMaster }

// iAmPrimary reports whether this node currently holds the leader role.
func (c *Coordinator) iAmPrimary() bool {
	if c.role == repl.RoleLeader {
		if c.currentPrimaryIndex != c.selfIndex {
			panic("leader role with currentPrimaryIndex not pointing at self")
		}
		if c.leaderMode == repl.LeaderModeNotLeader {
			panic("leader role with NotLeader leader mode")
		}
		return true
	}
	return false
}

// MemberState derives the externally visible state from role, config
// membership, maintenance mode and follower sub-mode.
func (c *Coordinator) MemberState() repl.MemberState {
	if c.selfIndex == -1 {
		if c.cfg != nil {
			return repl.StateRemoved
		}
		return repl.StateStartup
	}
	if c.role == repl.RoleLeader {
		return repl.StatePrimary
	}
	if c.selfConfig().Arbiter {
		return repl.StateArbiter
	}
	if c.followerMode == repl.StateSecondary &&
		(c.maintenanceModeCalls > 0 || c.hasOnlyAuthErrorUpHeartbeats()) {
		return repl.StateRecovering
	}
	return c.followerMode
}

// hasOnlyAuthErrorUpHeartbeats reports whether every non-self member is down
// and at least one of them is down due to an auth failure — evidence that we
// are partitioned by credentials rather than the network.
func (c *Coordinator) hasOnlyAuthErrorUpHeartbeats() bool {
	foundAuthError := false
	for i, m := range c.members {
		if i == c.selfIndex {
			continue
		}
		if m.Up() {
			return false
		}
		if m.HasAuthIssue() {
			foundAuthError = true
		}
	}
	return foundAuthError
}

// SetFollowerMode moves the follower between its sub-states. Calling it
// while not a follower is a driver contract violation.
//
// A single-node replica set has no heartbeats to promote it, so entering
// SECONDARY in a one-member config makes the node a candidate immediately.
func (c *Coordinator) SetFollowerMode(newMode repl.MemberState) {
	if c.role != repl.RoleFollower {
		panic(fmt.Sprintf("SetFollowerMode called while %v", c.role))
	}
	switch newMode {
	case repl.StateStartup2, repl.StateSecondary, repl.StateRecovering, repl.StateRollback:
		c.followerMode = newMode
	default:
		panic(fmt.Sprintf("invalid follower mode %v", newMode))
	}
	if c.followerMode != repl.StateSecondary {
		return
	}
	if c.isElectableNodeInSingleNodeReplicaSet() {
		c.role = repl.RoleCandidate
	}
}

func (c *Coordinator) isElectableNodeInSingleNodeReplicaSet() bool {
	return c.followerMode == repl.StateSecondary &&
		c.cfg != nil && c.cfg.NumMembers() == 1 && c.selfIndex == 0 &&
		c.cfg.MemberAt(0).IsElectable() && c.maintenanceModeCalls == 0
}

// AdjustMaintenanceCountBy moves the maintenance-mode counter. Only
// followers run maintenance; driving it elsewhere is a contract violation.
func (c *Coordinator) AdjustMaintenanceCountBy(inc int) {
	if c.role != repl.RoleFollower {
		panic("maintenance mode adjusted while not a follower")
	}
	c.maintenanceModeCalls += inc
	if c.maintenanceModeCalls < 0 {
		panic("maintenance mode count went negative")
	}
}

// MaintenanceCount returns the current maintenance-mode counter.
func (c *Coordinator) MaintenanceCount() int { return c.maintenanceModeCalls }

func (c *Coordinator) selfConfig() *config.MemberConfig {
	return c.cfg.MemberAt(c.selfIndex)
}

func (c *Coordinator) selfMemberData() *member.Data {
	return c.members[c.selfMemberDataIndex()]
}

func (c *Coordinator) selfMemberDataIndex() int {
	if len(c.members) == 0 {
		panic("member registry is empty")
	}
	if c.selfIndex >= 0 {
		return c.selfIndex
	}
	// No config, or we are not in it: the lone entry is self.
	return 0
}

func (c *Coordinator) currentPrimaryMember() *config.MemberConfig {
	if c.currentPrimaryIndex == -1 {
		return nil
	}
	return c.cfg.MemberAt(c.currentPrimaryIndex)
}

// MyLastAppliedOpTime returns this node's own applied position.
func (c *Coordinator) MyLastAppliedOpTime() repl.OpTime {
	return c.selfMemberData().LastAppliedOpTime()
}

// MyLastAppliedOpTimeAndWallTime returns the applied position with its wall
// time.
func (c *Coordinator) MyLastAppliedOpTimeAndWallTime() repl.OpTimeAndWallTime {
	return c.selfMemberData().LastAppliedOpTimeAndWallTime()
}

// MyLastDurableOpTime returns this node's own durable position.
func (c *Coordinator) MyLastDurableOpTime() repl.OpTime {
	return c.selfMemberData().LastDurableOpTime()
}

// MyLastDurableOpTimeAndWallTime returns the durable position with its wall
// time.
func (c *Coordinator) MyLastDurableOpTimeAndWallTime() repl.OpTimeAndWallTime {
	return c.selfMemberData().LastDurableOpTimeAndWallTime()
}

// SetMyLastAppliedOpTimeAndWallTime records local apply progress, reported by
// the driver after the oplog applier advances. Moving backwards requires
// rollbackAllowed.
func (c *Coordinator) SetMyLastAppliedOpTimeAndWallTime(opTime repl.OpTimeAndWallTime, now time.Time, rollbackAllowed bool) {
	my := c.selfMemberData()
	last := my.LastAppliedOpTime()
	if !rollbackAllowed && opTime.OpTime.Compare(last) != 0 && !opTime.OpTime.After(last) {
		panic(fmt.Sprintf("applied optime moved backwards without rollback: %v -> %v", last, opTime.OpTime))
	}
	my.SetAppliedOpTime(opTime, now)
}

// SetMyLastDurableOpTimeAndWallTime records local durability progress.
func (c *Coordinator) SetMyLastDurableOpTimeAndWallTime(opTime repl.OpTimeAndWallTime, now time.Time, rollbackAllowed bool) {
	my := c.selfMemberData()
	if !rollbackAllowed && !opTime.OpTime.AtLeast(my.LastDurableOpTime()) {
		panic(fmt.Sprintf("durable optime moved backwards without rollback: %v -> %v", my.LastDurableOpTime(), opTime.OpTime))
	}
	my.SetDurableOpTime(opTime, now)
}

// setMyHeartbeatMessage records the local status text surfaced in status
// responses. Messages expire after two minutes.
func (c *Coordinator) setMyHeartbeatMessage(now time.Time, msg string) {
	c.hbMsgTime = now
	c.hbMsg = msg
}

func (c *Coordinator) heartbeatMessage(now time.Time) string {
	if now.Sub(c.hbMsgTime) > 2*time.Minute {
		return ""
	}
	return c.hbMsg
}

// UpdateConfig atomically installs a new configuration snapshot and rebuilds
// the member registry, carrying matching entries over. selfIndex is -1 when
// this node is absent from the new config.
//
// A leader that is no longer an electable member of the new config steps
// down in place; installing a config while a candidate is a driver contract
// violation (the driver must resolve the election first).
func (c *Coordinator) UpdateConfig(newConfig *config.ReplSetConfig, selfIndex int, now time.Time) {
	if c.role == repl.RoleCandidate {
		panic("UpdateConfig called while candidate")
	}
	if selfIndex >= newConfig.NumMembers() {
		panic(fmt.Sprintf("selfIndex %d out of range for %d members", selfIndex, newConfig.NumMembers()))
	}

	// First config ever: enter the initial term.
	if c.cfg == nil {
		c.term = repl.InitialTerm
		log.Printf("topology: initial config installed, term set to %d", c.term)
	}

	c.rebuildMemberRegistry(newConfig, selfIndex)
	c.cfg = newConfig
	c.selfIndex = selfIndex
	c.forceSyncSourceIndex = -1

	if c.role == repl.RoleLeader {
		switch {
		case c.selfIndex == -1:
			log.Printf("topology: stepping down, no longer a member of the replica set")
		case !c.selfConfig().IsElectable():
			log.Printf("topology: stepping down, no longer electable in new config")
		default:
			// Still a viable primary, keep the role.
			c.currentPrimaryIndex = c.selfIndex
			return
		}
		c.role = repl.RoleFollower
		c.setLeaderMode(repl.LeaderModeNotLeader)
	}

	// Force a fresh primary discovery round under the new config.
	c.currentPrimaryIndex = -1

	if c.isElectableNodeInSingleNodeReplicaSet() {
		// One-member set with no heartbeats to promote us.
		c.role = repl.RoleCandidate
	}
}

// rebuildMemberRegistry recreates the registry for a new config. Old entries
// carry over when member id and host both match (or for the self entry), so
// ping history and progress survive compatible reconfigurations.
func (c *Coordinator) rebuildMemberRegistry(newConfig *config.ReplSetConfig, selfIndex int) {
	old := c.members
	c.members = nil

	for i := 0; i < newConfig.NumMembers(); i++ {
		mc := newConfig.MemberAt(i)
		var data *member.Data
		for _, prev := range old {
			if (prev.MemberID() == mc.ID && prev.Host() == mc.Host) ||
				(i == selfIndex && prev.IsSelf()) {
				data = prev
				break
			}
		}
		if data == nil {
			data = member.NewData()
		}
		data.SetConfigBinding(i, mc.ID, mc.Host, i == selfIndex)
		c.members = append(c.members, data)
	}

	if selfIndex < 0 {
		// Dropped from the config: keep only a self entry. We cannot sync
		// from anyone anymore either.
		c.members = nil
		c.syncSource = ""
		var self *member.Data
		for _, prev := range old {
			if prev.IsSelf() {
				self = prev
				break
			}
		}
		if self == nil {
			self = member.NewData()
		}
		self.SetConfigBinding(-1, repl.UnknownMemberID, "", true)
		c.members = append(c.members, self)
	}
}

// MemberData returns a snapshot of the registry for observability callers.
// The returned slice must not be retained across a reconfiguration.
func (c *Coordinator) MemberData() []*member.Data {
	out := make([]*member.Data, len(c.members))
	copy(out, c.members)
	return out
}

// GetStalestLiveMember returns the non-stale, non-self member with the
// oldest liveness evidence, used by the driver to prioritize heartbeats.
// The bool result is false when no such member exists.
func (c *Coordinator) GetStalestLiveMember() (repl.MemberID, time.Time, bool) {
	var earliest time.Time
	id := repl.UnknownMemberID
	found := false
	for _, m := range c.members {
		if m.IsSelf() || m.LastUpdateStale() {
			continue
		}
		if !found || m.LastUpdate().Before(earliest) {
			earliest = m.LastUpdate()
			id = m.MemberID()
			found = true
		}
	}
	return id, earliest, found
}

// ResetAllMemberTimeouts renews every member's liveness clock, e.g. after a
// heartbeat restart, so no one is immediately declared stale.
func (c *Coordinator) ResetAllMemberTimeouts(now time.Time) {
	for _, m := range c.members {
		m.UpdateLiveness(now)
	}
}

// ResetMemberTimeouts renews the liveness clocks of the given hosts only.
func (c *Coordinator) ResetMemberTimeouts(now time.Time, hosts map[repl.HostAndPort]bool) {
	for _, m := range c.members {
		if hosts[m.Host()] {
			m.UpdateLiveness(now)
		}
	}
}
