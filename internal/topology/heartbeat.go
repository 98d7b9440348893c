package topology

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/member"
	"github.com/dreamware/replset/internal/repl"
)

// uninitializedConfigVersion is advertised before any config is installed.
const uninitializedConfigVersion = -2

// PrepareHeartbeatRequest builds the outgoing heartbeat payload for target
// and returns the remaining timeout the driver should apply to the network
// call. A fresh retry window opens if none is in flight for the target or
// the previous window's timeout has elapsed.
func (c *Coordinator) PrepareHeartbeatRequest(now time.Time, setName string, target repl.HostAndPort) (repl.HeartbeatRequest, time.Duration) {
	stats := c.pingStats(target)

	alreadyElapsed := now.Sub(stats.LastStart())
	if c.cfg == nil || !stats.Trying() || alreadyElapsed >= c.heartbeatTimeout() {
		stats.Start(now)
		alreadyElapsed = 0
	}

	req := repl.HeartbeatRequest{
		SetName:       setName,
		ConfigVersion: uninitializedConfigVersion,
		SenderID:      repl.UnknownMemberID,
		Term:          repl.InitialTerm,
	}
	if c.cfg != nil {
		req.SetName = c.cfg.SetName
		req.ConfigVersion = c.cfg.Version
		req.Term = c.term
		if c.selfIndex >= 0 {
			req.SenderID = c.selfConfig().ID
			req.SenderHost = c.selfConfig().Host
		}
	}
	return req, c.heartbeatTimeout() - alreadyElapsed
}

// PrepareHeartbeatResponse builds the reply to an incoming heartbeat and
// refreshes the sender's liveness. Set-name mismatches and self-addressed
// requests are rejected; a removed node reports ErrInvalidReplicaSetConfig.
func (c *Coordinator) PrepareHeartbeatResponse(now time.Time, args *repl.HeartbeatRequest, ourSetName string) (*repl.HeartbeatResponse, error) {
	if args.SetName != ourSetName {
		log.Printf("topology: replica set names do not match, ours: %s, remote: %s", ourSetName, args.SetName)
		return nil, fmt.Errorf("%w: our set name %q does not match %q reported by remote node",
			ErrInconsistentReplicaSetNames, ourSetName, args.SetName)
	}

	myState := c.MemberState()
	if c.selfIndex == -1 {
		if myState.Removed() {
			return nil, fmt.Errorf("%w: our configuration is invalid or does not include us", ErrInvalidReplicaSetConfig)
		}
	} else if args.SenderID == c.selfConfig().ID {
		return nil, fmt.Errorf("%w: received heartbeat from member with our own id %d", ErrBadValue, args.SenderID)
	}

	resp := &repl.HeartbeatResponse{
		SetName:       ourSetName,
		State:         myState,
		Term:          c.term,
		AppliedOpTime: c.MyLastAppliedOpTimeAndWallTime(),
		DurableOpTime: c.MyLastDurableOpTimeAndWallTime(),
		PrimaryID:     repl.UnknownMemberID,
	}
	if p := c.currentPrimaryMember(); p != nil {
		resp.PrimaryID = p.ID
	}
	if c.cfg == nil {
		resp.ConfigVersion = uninitializedConfigVersion
		return resp, nil
	}
	resp.ConfigVersion = c.cfg.Version

	// Note the sender as alive when we can identify it under a matching
	// config version.
	if c.cfg.Version == args.ConfigVersion && args.SenderID != repl.UnknownMemberID {
		if from := c.cfg.FindMemberIndexByID(args.SenderID); from != -1 && from != c.selfIndex {
			c.members[from].UpdateLiveness(now)
		}
	}
	return resp, nil
}

// ProcessHeartbeatResponse digests a completed (or failed) heartbeat to
// target and decides the follow-up action. err is the transport failure, nil
// on success; authFailure marks failures that were credential rejections
// rather than unreachability.
func (c *Coordinator) ProcessHeartbeatResponse(now time.Time, rtt time.Duration, target repl.HostAndPort, resp *repl.HeartbeatResponse, err error, authFailure bool) HeartbeatResponseAction {
	originalState := c.MemberState()
	stats := c.pingStats(target)
	if stats.LastStart().IsZero() {
		panic(fmt.Sprintf("heartbeat response from %s without a prepared request", target))
	}
	if err == nil || authFailure {
		stats.Hit(rtt)
	} else {
		stats.Miss()
	}

	// A node with no sync source that is not primary shortens its heartbeat
	// interval to find a usable source faster; arbiters likewise, to at most
	// half the election timeout.
	interval := c.heartbeatInterval()
	if originalState.Arbiter() {
		interval = minDuration(c.electionTimeout()/2, c.heartbeatInterval())
	} else if c.syncSource.Empty() && !c.iAmPrimary() {
		interval = minDuration(c.electionTimeout()/2, c.heartbeatInterval()/4)
	}

	alreadyElapsed := now.Sub(stats.LastStart())
	var nextStart time.Time
	if stats.Trying() && alreadyElapsed < c.heartbeatTimeout() {
		// Retries remain inside the window; go again immediately.
		nextStart = now
	} else {
		nextStart = now.Add(interval)
	}

	if stats.Failed() {
		log.Printf("topology: heartbeat to %s failed after %d retries: %v", target, member.MaxHeartbeatRetries, err)
	}

	if err == nil && resp != nil {
		currentVersion := int64(uninitializedConfigVersion)
		if c.cfg != nil {
			currentVersion = c.cfg.Version
		}
		if resp.ConfigVersion > currentVersion {
			action := HeartbeatResponseAction{Kind: ActionReconfig, StepDownIndex: -1}
			action.NextHeartbeatStart = nextStart
			return action
		}
	}

	if c.cfg == nil || c.selfIndex == -1 {
		action := noAction()
		action.NextHeartbeatStart = nextStart
		return action
	}

	memberIndex := c.cfg.FindMemberIndexByHostAndPort(target)
	if memberIndex == -1 {
		log.Printf("topology: ignoring heartbeat response from %s, not in current config", target)
		action := noAction()
		action.NextHeartbeatStart = nextStart
		return action
	}
	if memberIndex == c.selfIndex {
		panic("heartbeat response from self")
	}

	data := c.members[memberIndex]
	advancedOpTime := false
	if err != nil {
		switch {
		case authFailure:
			data.SetAuthIssue(now)
		case stats.Failed() || alreadyElapsed >= c.heartbeatTimeout():
			data.SetDownValues(now, err.Error())
		default:
			log.Printf("topology: bad heartbeat response from %s, retrying (%d retries left)", target, stats.RetriesLeft())
		}
	} else {
		advancedOpTime = data.SetUpValues(now, resp)
	}

	action := c.updatePrimaryFromHeartbeat(memberIndex, now)
	action.NextHeartbeatStart = nextStart
	action.AdvancedOpTime = advancedOpTime
	return action
}

// updatePrimaryFromHeartbeat refreshes the believed primary from the member
// registry after a heartbeat response landed, and evaluates takeover
// eligibility when the updated member is the primary itself.
func (c *Coordinator) updatePrimaryFromHeartbeat(updatedIndex int, now time.Time) HeartbeatResponseAction {
	if updatedIndex == c.selfIndex {
		panic("updatePrimaryFromHeartbeat called for self")
	}
	if c.selfIndex == -1 {
		return noAction()
	}
	// While we are primary, any other primary's higher term would already
	// have stepped us down; nothing to track.
	if c.currentPrimaryIndex == c.selfIndex {
		return noAction()
	}

	// Scan for the highest-term member reporting itself primary and up.
	primaryIndex := -1
	for i, m := range c.members {
		if m.State().Primary() && m.Up() {
			if primaryIndex == -1 || c.members[primaryIndex].Term() < m.Term() {
				primaryIndex = i
			}
		}
	}
	c.currentPrimaryIndex = primaryIndex
	if primaryIndex == -1 {
		return noAction()
	}

	c.setMyHeartbeatMessage(now, "")

	// Takeovers are considered only on a heartbeat from the primary itself,
	// and only when it is in our latest known term. Otherwise an election is
	// already outstanding and will resolve the topology on its own.
	if c.members[primaryIndex].Term() != c.term || updatedIndex != primaryIndex {
		return noAction()
	}

	catchupTakeoverDisabled := c.cfg.CatchUpTimeout == config.CatchUpDisabled ||
		c.cfg.CatchUpTakeoverDelay == config.CatchUpTakeoverDisabled

	scheduleCatchupTakeover := false
	schedulePriorityTakeover := false

	if !catchupTakeoverDisabled &&
		c.members[primaryIndex].LastAppliedOpTime().Before(c.members[c.selfIndex].LastAppliedOpTime()) {
		log.Printf("topology: can take over primary %d (term %d) due to fresher data",
			primaryIndex, c.members[primaryIndex].Term())
		scheduleCatchupTakeover = true
	}

	if c.cfg.MemberAt(primaryIndex).Priority < c.selfConfig().Priority {
		log.Printf("topology: can take over primary %d (term %d) due to higher priority",
			primaryIndex, c.members[primaryIndex].Term())
		schedulePriorityTakeover = true
	}

	// When both apply and we hold the highest configured priority overall,
	// the priority takeover is the faster, more deterministic route.
	if scheduleCatchupTakeover && schedulePriorityTakeover &&
		c.cfg.PriorityRank(c.selfConfig().Priority) == 0 {
		return HeartbeatResponseAction{Kind: ActionPriorityTakeover, StepDownIndex: -1}
	}
	if scheduleCatchupTakeover {
		return HeartbeatResponseAction{Kind: ActionCatchupTakeover, StepDownIndex: -1}
	}
	if schedulePriorityTakeover {
		return HeartbeatResponseAction{Kind: ActionPriorityTakeover, StepDownIndex: -1}
	}
	return noAction()
}

// CheckMemberTimeouts marks members stale once their liveness evidence ages
// past the election timeout. A primary additionally force-marks stale
// members down, and steps itself down when that costs it its majority view.
func (c *Coordinator) CheckMemberTimeouts(now time.Time) HeartbeatResponseAction {
	stepdown := false
	for i, m := range c.members {
		if m.IsSelf() || m.LastUpdateStale() {
			continue
		}
		if now.Sub(m.LastUpdate()) >= c.electionTimeout() {
			m.MarkLastUpdateStale()
			if c.iAmPrimary() {
				stepdown = stepdown || c.setMemberAsDown(now, i)
			}
		}
	}
	if stepdown {
		log.Printf("topology: can't see a majority of the set, relinquishing primary")
		return stepDownSelfAction(c.selfIndex)
	}
	return noAction()
}

// setMemberAsDown force-marks a member down and reports whether this primary
// thereby lost its majority view.
func (c *Coordinator) setMemberAsDown(now time.Time, memberIndex int) bool {
	if memberIndex == c.selfIndex || memberIndex == -1 {
		panic("setMemberAsDown on self or unbound index")
	}
	if c.currentPrimaryIndex != c.selfIndex {
		panic("setMemberAsDown while not primary")
	}
	c.members[memberIndex].SetDownValues(now, "no response within election timeout period")
	reason := c.myUnelectableReason(now, ReasonElectionTimeout)
	return reason&reasonCannotSeeMajority != 0
}

// RestartHeartbeats clears every member's post-restart marker; used with
// LatestKnownOpTimeSinceHeartbeatRestart to get a stable catch-up target.
func (c *Coordinator) RestartHeartbeats() {
	for _, m := range c.members {
		m.Restart()
	}
}

// LatestKnownOpTimeSinceHeartbeatRestart returns the freshest applied optime
// among up members, provided every non-self member has produced a heartbeat
// result since the last RestartHeartbeats. The bool result is false until
// then.
func (c *Coordinator) LatestKnownOpTimeSinceHeartbeatRestart() (repl.OpTime, bool) {
	var latest repl.OpTime
	for i, m := range c.members {
		if i == c.selfIndex {
			continue
		}
		if !m.UpdatedSinceRestart() {
			return repl.OpTime{}, false
		}
		if !m.Up() {
			continue
		}
		if m.HeartbeatAppliedOpTime().After(latest) {
			latest = m.HeartbeatAppliedOpTime()
		}
	}
	return latest, true
}

// latestKnownOpTime is the freshest applied optime among self and all up,
// in-config members.
func (c *Coordinator) latestKnownOpTime() repl.OpTime {
	latest := c.MyLastAppliedOpTime()
	for _, m := range c.members {
		if m.IsSelf() || !m.Up() || m.State().Removed() {
			continue
		}
		if opTime := m.HeartbeatAppliedOpTime(); opTime.After(latest) {
			latest = opTime
		}
	}
	return latest
}

func (c *Coordinator) pingStats(target repl.HostAndPort) *member.PingStats {
	stats, ok := c.pings[target]
	if !ok {
		stats = &member.PingStats{}
		c.pings[target] = stats
	}
	return stats
}

func (c *Coordinator) pingTime(host repl.HostAndPort) (time.Duration, bool) {
	stats, ok := c.pings[host]
	if !ok {
		return 0, false
	}
	return stats.Average()
}

func (c *Coordinator) totalPings() int {
	total := 0
	for _, stats := range c.pings {
		total += stats.Count()
	}
	return total
}

func (c *Coordinator) heartbeatInterval() time.Duration {
	if c.cfg == nil {
		return 2 * time.Second
	}
	return c.cfg.HeartbeatInterval
}

func (c *Coordinator) heartbeatTimeout() time.Duration {
	if c.cfg == nil {
		return 10 * time.Second
	}
	return c.cfg.HeartbeatTimeout
}

func (c *Coordinator) electionTimeout() time.Duration {
	if c.cfg == nil {
		return 10 * time.Second
	}
	return c.cfg.ElectionTimeout
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// IsUnauthorized reports whether err marks a credential rejection; the
// driver uses it to distinguish auth failures before feeding heartbeat
// results back in.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
