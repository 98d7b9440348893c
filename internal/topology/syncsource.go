package topology

import (
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dreamware/replset/internal/repl"
)

// ChainingPreference says whether sync-source selection may chain through
// secondaries or must use the primary.
type ChainingPreference int

const (
	// ChainingAllowed follows the config's ChainingAllowed setting.
	ChainingAllowed ChainingPreference = iota
	// ChainingForbidden syncs from the primary only, regardless of config;
	// used for the initial choice after a node enters catchup.
	ChainingForbidden
)

// ChooseNewSyncSource selects the best member to pull oplog entries from and
// records it. An empty result means nobody qualifies right now; the driver
// retries later. lastOpTimeFetched is the newest oplog entry this node has
// fetched so far.
//
// Selection takes the lowest-ping member that is ahead of us, in two passes:
// the first skips non-voters (when self votes), hidden members, members more
// delayed than us, and members excessively behind the primary; the second
// admits them in case they are the only ones reachable.
func (c *Coordinator) ChooseNewSyncSource(now time.Time, lastOpTimeFetched repl.OpTime, chainingPreference ChainingPreference) repl.HostAndPort {
	// Not in the config: we cannot sync from anyone.
	if c.selfIndex == -1 {
		log.Printf("topology: cannot sync; not in the replica set configuration")
		c.syncSource = ""
		return c.syncSource
	}

	if c.forceSyncSourceIndex != -1 {
		c.syncSource = c.cfg.MemberAt(c.forceSyncSourceIndex).Host
		c.forceSyncSourceIndex = -1
		log.Printf("topology: choosing sync source candidate by request: %s", c.syncSource)
		c.setMyHeartbeatMessage(now, fmt.Sprintf("syncing from: %s by request", c.syncSource))
		return c.syncSource
	}

	// Wait for 2 full heartbeat rounds so ping averages mean something.
	needed := 2 * (c.cfg.NumMembers() - 1)
	if c.totalPings() < needed {
		log.Printf("topology: waiting for %d pings from other members before syncing", needed-c.totalPings())
		c.syncSource = ""
		return c.syncSource
	}

	if chainingPreference == ChainingForbidden || !c.cfg.ChainingAllowed {
		if c.currentPrimaryIndex == -1 {
			log.Printf("topology: cannot select a sync source because chaining is not allowed and the primary is unknown")
			c.syncSource = ""
			return c.syncSource
		}
		if c.memberIsBlacklisted(c.currentPrimaryIndex, now) {
			log.Printf("topology: cannot select a sync source because chaining is not allowed and the primary is blacklisted: %s",
				c.currentPrimaryMember().Host)
			c.syncSource = ""
			return c.syncSource
		}
		c.syncSource = c.currentPrimaryMember().Host
		log.Printf("topology: chaining not allowed, choosing primary as sync source: %s", c.syncSource)
		c.setMyHeartbeatMessage(now, fmt.Sprintf("syncing from primary: %s", c.syncSource))
		return c.syncSource
	}

	// The primary's applied position bounds acceptable staleness in the
	// first pass: a source more than MaxSyncSourceLag behind it would only
	// slow us down. Left null (excluding nobody) while no primary is known
	// or until its first heartbeat lands.
	oldestAcceptable := repl.OpTime{}
	if c.currentPrimaryIndex != -1 {
		primaryOpTime := c.members[c.currentPrimaryIndex].HeartbeatAppliedOpTime()
		maxLag := uint32(c.options.MaxSyncSourceLag / time.Second)
		if primaryOpTime.TS.Secs >= maxLag {
			oldestAcceptable = repl.OpTime{
				TS:   repl.Timestamp{Secs: primaryOpTime.TS.Secs - maxLag},
				Term: primaryOpTime.Term,
			}
		}
	}

	closest := -1
	for attempts := 0; attempts < 2 && closest == -1; attempts++ {
		for i := 0; i < c.cfg.NumMembers(); i++ {
			if i == c.selfIndex {
				continue
			}
			mc := c.cfg.MemberAt(i)
			m := c.members[i]

			if !m.Up() {
				continue
			}
			if !m.State().Readable() {
				continue
			}
			if attempts == 0 {
				// Candidates must vote if we do, be visible, be no more
				// delayed than we are, and not be excessively behind.
				if c.selfConfig().IsVoter() && !mc.IsVoter() {
					continue
				}
				if mc.Hidden {
					continue
				}
				if m.HeartbeatAppliedOpTime().Before(oldestAcceptable) {
					continue
				}
				if c.selfConfig().SlaveDelay < mc.SlaveDelay {
					continue
				}
			}
			// Candidates must build indexes like us and have data newer than
			// ours.
			if c.selfConfig().BuildIndexes && !mc.BuildIndexes {
				continue
			}
			if !m.HeartbeatAppliedOpTime().After(lastOpTimeFetched) {
				continue
			}
			if closest != -1 {
				current, _ := c.pingTime(c.cfg.MemberAt(closest).Host)
				candidate, ok := c.pingTime(mc.Host)
				if !ok || candidate > current {
					continue
				}
			}
			if c.memberIsBlacklisted(i, now) {
				continue
			}
			closest = i
		}
	}

	if closest == -1 {
		msg := "could not find member to sync from"
		if c.syncSource != "" {
			// Only worth a log line when we had a source before; otherwise
			// this is routine while fully caught up.
			log.Printf("topology: %s", msg)
		}
		c.setMyHeartbeatMessage(now, msg)
		c.syncSource = ""
		return c.syncSource
	}

	c.syncSource = c.cfg.MemberAt(closest).Host
	log.Printf("topology: sync source candidate: %s", c.syncSource)
	c.setMyHeartbeatMessage(now, fmt.Sprintf("syncing from: %s", c.syncSource))
	return c.syncSource
}

// BlacklistSyncSource excludes a host from sync-source selection until the
// given time, e.g. after a fetcher error against it.
func (c *Coordinator) BlacklistSyncSource(host repl.HostAndPort, until time.Time) {
	log.Printf("topology: blacklisting %s until %v", host, until)
	// The stored deadline is what selection checks; the TTL only garbage
	// collects entries under wall-clock time.
	ttl := gocache.DefaultExpiration
	if d := time.Until(until); d > 0 {
		ttl = d
	}
	c.blacklist.Set(string(host), until, ttl)
}

// UnblacklistSyncSource lifts a blacklist entry whose deadline has passed.
func (c *Coordinator) UnblacklistSyncSource(host repl.HostAndPort, now time.Time) {
	v, ok := c.blacklist.Get(string(host))
	if ok && !v.(time.Time).After(now) {
		log.Printf("topology: unblacklisting %s", host)
		c.blacklist.Delete(string(host))
	}
}

// ClearSyncSourceBlacklist drops all blacklist entries.
func (c *Coordinator) ClearSyncSourceBlacklist() {
	c.blacklist.Flush()
}

func (c *Coordinator) memberIsBlacklisted(memberIndex int, now time.Time) bool {
	v, ok := c.blacklist.Get(string(c.cfg.MemberAt(memberIndex).Host))
	if !ok {
		return false
	}
	return v.(time.Time).After(now)
}

// PrepareSyncFromResponse handles the operator replSetSyncFrom command,
// validating the target and arming forceSyncSourceIndex for the next
// ChooseNewSyncSource call. It returns the sync source in effect before the
// request.
func (c *Coordinator) PrepareSyncFromResponse(target repl.HostAndPort) (prev repl.HostAndPort, err error) {
	prev = c.syncSource

	if c.selfIndex == -1 {
		return prev, fmt.Errorf("%w: removed and uninitialized nodes do not sync", ErrNotSecondary)
	}
	if c.iAmPrimary() {
		return prev, fmt.Errorf("%w: primaries don't sync", ErrNotSecondary)
	}
	if c.selfConfig().Arbiter {
		return prev, fmt.Errorf("%w: arbiters don't sync", ErrNotSecondary)
	}

	targetIndex := c.cfg.FindMemberIndexByHostAndPort(target)
	if targetIndex == -1 {
		return prev, fmt.Errorf("%w: could not find member %q in replica set", ErrNodeNotFound, target)
	}
	if targetIndex == c.selfIndex {
		return prev, fmt.Errorf("%w: I cannot sync from myself", ErrInvalidOptions)
	}
	targetConfig := c.cfg.MemberAt(targetIndex)
	if targetConfig.Arbiter {
		return prev, fmt.Errorf("%w: cannot sync from %q because it is an arbiter", ErrInvalidOptions, target)
	}
	if !targetConfig.BuildIndexes && c.selfConfig().BuildIndexes {
		return prev, fmt.Errorf("%w: cannot sync from %q because it does not build indexes", ErrInvalidOptions, target)
	}

	targetData := c.members[targetIndex]
	if targetData.HasAuthIssue() {
		return prev, fmt.Errorf("%w: not authorized to communicate with %q", ErrUnauthorized, target)
	}
	if !targetData.Up() {
		return prev, fmt.Errorf("%w: I cannot reach the requested member: %q", ErrHostUnreachable, target)
	}
	if targetData.HeartbeatAppliedOpTime().Before(c.MyLastAppliedOpTime()) {
		// Allowed, but worth telling the operator about.
		log.Printf("topology: syncing from requested member %s which is more than 0 seconds behind us", target)
	}

	c.forceSyncSourceIndex = targetIndex
	return prev, nil
}

// ShouldChangeSyncSource reports whether the current source has become a bad
// choice: it left the config, went stale or unreachable, stopped making
// progress relative to peers, or a strictly closer fresh member appeared.
// replMetadata/oqMetadata carry the source's own view piggybacked on fetch
// responses; the driver calls this between fetch batches.
func (c *Coordinator) ShouldChangeSyncSource(now time.Time, currentSource repl.HostAndPort,
	replMetadata *repl.ReplSetMetadata, oqMetadata *repl.OplogQueryMetadata) bool {

	if c.selfIndex == -1 {
		log.Printf("topology: not choosing new sync source; we are not in the config")
		return false
	}
	if c.iAmPrimary() {
		// Writers never sync; the fetcher is being shut down.
		return true
	}
	if c.forceSyncSourceIndex != -1 {
		log.Printf("topology: choosing new sync source; %s was requested as a sync source",
			c.cfg.MemberAt(c.forceSyncSourceIndex).Host)
		return true
	}
	if replMetadata.ConfigVersion != c.cfg.Version {
		// The source is mid-reconfig; resync against whatever config wins.
		log.Printf("topology: choosing new sync source; the config version supplied by %s, %d, does not match ours, %d",
			currentSource, replMetadata.ConfigVersion, c.cfg.Version)
		return true
	}
	currentSourceIndex := c.cfg.FindMemberIndexByHostAndPort(currentSource)
	if currentSourceIndex == -1 {
		log.Printf("topology: choosing new sync source; %s is no longer in the config", currentSource)
		return true
	}

	var (
		sourceHasSource bool
		sourceOpTime    repl.OpTime
	)
	if oqMetadata != nil {
		sourceHasSource = oqMetadata.SyncSourceIndex != -1
		sourceOpTime = oqMetadata.LastOpApplied
	} else {
		sourceHasSource = replMetadata.SyncSourceIndex != -1
		sourceOpTime = replMetadata.LastOpVisible
	}

	// A source that has no source itself and is not primary is an orphan
	// unless it IS our data ancestor; pulling from it stalls replication.
	sourceIsPrimary := currentSourceIndex == c.currentPrimaryIndex
	if oqMetadata != nil {
		sourceIsPrimary = oqMetadata.PrimaryIndex == currentSourceIndex
	}
	if !sourceIsPrimary && !sourceHasSource && !sourceOpTime.After(c.MyLastAppliedOpTime()) {
		// Nothing newer there and it is not replicating either.
		log.Printf("topology: choosing new sync source; %s is not primary, has no sync source, and is not ahead of us", currentSource)
		return true
	}

	if c.members[currentSourceIndex].LastUpdateStale() {
		log.Printf("topology: choosing new sync source; %s has gone stale", currentSource)
		return true
	}

	// Switch if some fresh, electable-priority member is more than
	// MaxSyncSourceLag ahead of the current source.
	lagThreshold := repl.OpTime{
		TS:   repl.Timestamp{Secs: sourceOpTime.TS.Secs + uint32(c.options.MaxSyncSourceLag/time.Second)},
		Term: sourceOpTime.Term,
	}
	for i := 0; i < c.cfg.NumMembers(); i++ {
		if i == c.selfIndex || i == currentSourceIndex {
			continue
		}
		mc := c.cfg.MemberAt(i)
		m := c.members[i]
		if !m.Up() || !m.State().Readable() {
			continue
		}
		if mc.SlaveDelay > 0 || mc.Hidden {
			continue
		}
		if c.memberIsBlacklisted(i, now) {
			continue
		}
		if m.HeartbeatAppliedOpTime().After(lagThreshold) {
			log.Printf("topology: choosing new sync source because the most recent OpTime of our sync source, %s, is %v which is more than %v behind member %s whose most recent OpTime is %v",
				currentSource, sourceOpTime, c.options.MaxSyncSourceLag, mc.Host, m.HeartbeatAppliedOpTime())
			return true
		}
	}
	return false
}

// SetForceSyncSourceIndex arms a one-shot sync-source override for tests and
// internal callers that bypass PrepareSyncFromResponse validation.
func (c *Coordinator) SetForceSyncSourceIndex(index int) {
	c.forceSyncSourceIndex = index
}
