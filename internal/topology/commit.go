package topology

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/repl"
)

// LastCommittedOpTime returns the current majority commit point.
func (c *Coordinator) LastCommittedOpTime() repl.OpTime {
	return c.lastCommitted.OpTime
}

// LastCommittedOpTimeAndWallTime returns the commit point with its wall time.
func (c *Coordinator) LastCommittedOpTimeAndWallTime() repl.OpTimeAndWallTime {
	return c.lastCommitted
}

// UpdateLastCommittedOpTimeAndWallTime recomputes the commit point from the
// replication progress of all voting data-bearing members: the write-majority
// freshest optime every majority must include. Returns true when the commit
// point advanced.
//
// Only a primary computes the commit point from member progress; secondaries
// learn it from their sync source via AdvanceLastCommittedOpTimeAndWallTime.
func (c *Coordinator) UpdateLastCommittedOpTimeAndWallTime() bool {
	// A primary stepping down for a new term must not advance the commit
	// point; a voluntary step-down must, since the request may be waiting on
	// the commit point to catch up before it can complete.
	if !c.iAmPrimary() || c.leaderMode == repl.LeaderModeSteppingDown || c.cfg == nil {
		return false
	}

	votingOpTimes := make([]repl.OpTimeAndWallTime, 0, c.cfg.NumMembers())
	for i, m := range c.members {
		if !c.cfg.MemberAt(i).IsVoter() || c.cfg.MemberAt(i).Arbiter {
			continue
		}
		if c.cfg.WriteConcernMajorityJournalDefault {
			votingOpTimes = append(votingOpTimes, m.LastDurableOpTimeAndWallTime())
		} else {
			votingOpTimes = append(votingOpTimes, m.LastAppliedOpTimeAndWallTime())
		}
	}
	if len(votingOpTimes) < c.cfg.WriteMajority() {
		return false
	}

	slices.SortFunc(votingOpTimes, func(a, b repl.OpTimeAndWallTime) int {
		return a.OpTime.Compare(b.OpTime)
	})
	// The entry at len-writeMajority is the newest optime that a write
	// majority has reached.
	committed := votingOpTimes[len(votingOpTimes)-c.cfg.WriteMajority()]
	return c.advanceLastCommitted(committed, false)
}

// AdvanceLastCommittedOpTimeAndWallTime folds in a commit point learned from
// elsewhere (sync source gossip, heartbeat metadata). Returns true when the
// commit point advanced.
func (c *Coordinator) AdvanceLastCommittedOpTimeAndWallTime(committed repl.OpTimeAndWallTime, fromSyncSource bool) bool {
	return c.advanceLastCommitted(committed, fromSyncSource)
}

func (c *Coordinator) advanceLastCommitted(committed repl.OpTimeAndWallTime, fromSyncSource bool) bool {
	if committed.OpTime.IsNull() {
		return false
	}
	// The config hasn't been installed yet or we were removed from it; a
	// heartbeat can carry a commit point before either happens.
	if c.selfIndex == -1 {
		return false
	}
	// A leader-elect pins the commit point to MaxOpTime until it finishes
	// draining; data committed in older terms must not advance it meanwhile.
	if c.iAmPrimary() && committed.OpTime.Before(c.firstOpTimeOfMyTerm) {
		log.Printf("topology: ignoring commit point %v until I commit an operation in my own term", committed.OpTime)
		return false
	}
	// A commit point whose term differs from our last applied may sit on a
	// different oplog branch than ours. From the sync source we clamp it to
	// our own applied position, never exposing a commit point past our data;
	// from anywhere else we drop it. Arbiters carry no data, so they always
	// advance via heartbeats.
	if !c.selfConfig().Arbiter && committed.OpTime.Term != c.MyLastAppliedOpTime().Term {
		if !fromSyncSource {
			log.Printf("topology: ignoring commit point %v with different term than my last applied %v",
				committed.OpTime, c.MyLastAppliedOpTime())
			return false
		}
		clamped := c.MyLastAppliedOpTimeAndWallTime()
		if clamped.OpTime.Before(committed.OpTime) {
			committed = clamped
		}
	}
	if !committed.OpTime.After(c.lastCommitted.OpTime) {
		return false
	}
	c.lastCommitted = committed
	return true
}

// SetLastOptime digests one member's replication progress report, as
// forwarded upstream by replSetUpdatePosition. Returns true when the applied
// optime advanced (the caller then recomputes the commit point).
func (c *Coordinator) SetLastOptime(memberID repl.MemberID, applied, durable repl.OpTimeAndWallTime, now time.Time) (bool, error) {
	if c.cfg == nil {
		return false, fmt.Errorf("%w: received replication progress before a config was installed", ErrInvalidReplicaSetConfig)
	}
	if c.selfMemberData().MemberID() == memberID {
		// Self progress arrives through SetMyLastApplied/DurableOpTime.
		return false, nil
	}
	memberIndex := c.cfg.FindMemberIndexByID(memberID)
	if memberIndex == -1 {
		return false, fmt.Errorf("%w: received progress for member id %d which is not in the config", ErrNodeNotFound, memberID)
	}
	m := c.members[memberIndex]
	advanced := m.AdvanceAppliedOpTime(applied, now)
	m.AdvanceDurableOpTime(durable, now)
	return advanced, nil
}

// HaveNumNodesReachedOpTime reports whether at least numNodes members
// (including self) have applied (or made durable) the given optime. Remote
// progress ahead of our own never satisfies a concern we have not reached
// ourselves.
func (c *Coordinator) HaveNumNodesReachedOpTime(opTime repl.OpTime, numNodes int, durablyWritten bool) bool {
	myProgress := c.MyLastAppliedOpTime()
	if durablyWritten {
		myProgress = c.MyLastDurableOpTime()
	}
	if !myProgress.AtLeast(opTime) {
		return false
	}
	for _, m := range c.members {
		progress := m.LastAppliedOpTime()
		if durablyWritten {
			progress = m.LastDurableOpTime()
		}
		if !progress.AtLeast(opTime) {
			continue
		}
		numNodes--
		if numNodes == 0 {
			return true
		}
	}
	return numNodes <= 0
}

// HaveTaggedNodesReachedOpTime reports whether the members that reached the
// given optime collectively satisfy the tag pattern (distinct tag values per
// constrained key).
func (c *Coordinator) HaveTaggedNodesReachedOpTime(opTime repl.OpTime, pattern config.TagPattern, durablyWritten bool) bool {
	matcher := config.NewTagMatcher(pattern)
	for i, m := range c.members {
		progress := m.LastAppliedOpTime()
		if durablyWritten {
			progress = m.LastDurableOpTime()
		}
		if !progress.AtLeast(opTime) {
			continue
		}
		if matcher.Update(c.cfg.TagsOf(i)) {
			return true
		}
	}
	return false
}

// HostsWrittenTo lists the members known to have applied (or made durable)
// the given optime; used to answer write-concern introspection requests.
func (c *Coordinator) HostsWrittenTo(opTime repl.OpTime, durablyWritten bool) []repl.HostAndPort {
	var hosts []repl.HostAndPort
	for _, m := range c.members {
		progress := m.LastAppliedOpTime()
		if durablyWritten {
			progress = m.LastDurableOpTime()
		}
		if progress.AtLeast(opTime) && !m.Host().Empty() {
			hosts = append(hosts, m.Host())
		}
	}
	return hosts
}

// CheckWriteConcern reports whether the given optime satisfies the named
// write-concern mode right now.
func (c *Coordinator) CheckWriteConcern(opTime repl.OpTime, mode string, durablyWritten bool) (bool, error) {
	pattern, err := c.cfg.FindCustomWriteMode(mode)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	return c.HaveTaggedNodesReachedOpTime(opTime, pattern, durablyWritten), nil
}
