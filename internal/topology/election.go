package topology

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/repl"
)

// StartElectionReason says why a node is trying to stand for election; some
// electability checks apply only to specific reasons.
type StartElectionReason int

const (
	// ReasonElectionTimeout: no heartbeat from a primary within the election
	// timeout.
	ReasonElectionTimeout StartElectionReason = iota
	// ReasonPriorityTakeover: this node outranks the current primary.
	ReasonPriorityTakeover
	// ReasonCatchupTakeover: this node has fresher data than a primary that
	// is still catching up.
	ReasonCatchupTakeover
	// ReasonStepUpRequest: an operator or the outgoing primary asked this
	// node to stand.
	ReasonStepUpRequest
	// ReasonSingleNodePromotion: sole member of a one-node set.
	ReasonSingleNodePromotion
)

func (r StartElectionReason) String() string {
	switch r {
	case ReasonElectionTimeout:
		return "election timeout"
	case ReasonPriorityTakeover:
		return "priority takeover"
	case ReasonCatchupTakeover:
		return "catchup takeover"
	case ReasonStepUpRequest:
		return "step up request"
	case ReasonSingleNodePromotion:
		return "single node promotion"
	}
	return fmt.Sprintf("StartElectionReason(%d)", int(r))
}

// unelectableReason is a bitmask of failed electability checks. Any set bit
// blocks the transition to candidate; the mask renders to a human-readable
// explanation naming every failed check.
type unelectableReason uint

const (
	reasonNoData unelectableReason = 1 << iota
	reasonCannotSeeMajority
	reasonArbiter
	reasonNoPriority
	reasonStepDownPeriodActive
	reasonNotSecondary
	reasonNotCloseEnoughForPriorityTakeover
	reasonNotFreshEnoughForCatchupTakeover
	reasonNotInitialized
)

func (ur unelectableReason) String() string {
	if ur == 0 {
		panic("rendering empty unelectable reason mask")
	}
	var parts []string
	if ur&reasonNoData != 0 {
		parts = append(parts, "node has no applied oplog entries")
	}
	if ur&reasonCannotSeeMajority != 0 {
		parts = append(parts, "I cannot see a majority")
	}
	if ur&reasonArbiter != 0 {
		parts = append(parts, "member is an arbiter")
	}
	if ur&reasonNoPriority != 0 {
		parts = append(parts, "member has zero priority")
	}
	if ur&reasonStepDownPeriodActive != 0 {
		parts = append(parts, "I am still waiting for stepdown period to end")
	}
	if ur&reasonNotSecondary != 0 {
		parts = append(parts, "member is not currently a secondary")
	}
	if ur&reasonNotCloseEnoughForPriorityTakeover != 0 {
		parts = append(parts, "member is not caught up enough to the most up-to-date member to call for priority takeover")
	}
	if ur&reasonNotFreshEnoughForCatchupTakeover != 0 {
		parts = append(parts, "member is either not the most up-to-date member or not ahead of the primary, and therefore cannot call for catchup takeover")
	}
	if ur&reasonNotInitialized != 0 {
		parts = append(parts, "node is not a member of a valid replica set configuration")
	}
	return fmt.Sprintf("%s (mask 0x%x)", strings.Join(parts, "; "), uint(ur))
}

// aMajoritySeemsToBeUp reports whether self plus the up members carry more
// than half the configured voting weight.
func (c *Coordinator) aMajoritySeemsToBeUp() bool {
	votes := 0
	for i, m := range c.members {
		if i == c.selfIndex || m.Up() {
			votes += c.cfg.MemberAt(i).Votes
		}
	}
	return votes*2 > c.cfg.TotalVotingMembers()
}

// myUnelectableReason collects every failed electability check for self.
func (c *Coordinator) myUnelectableReason(now time.Time, reason StartElectionReason) unelectableReason {
	var result unelectableReason
	if c.MyLastAppliedOpTime().IsNull() {
		result |= reasonNoData
	}
	if !c.aMajoritySeemsToBeUp() {
		result |= reasonCannotSeeMajority
	}
	if c.selfIndex == -1 {
		result |= reasonNotInitialized
		return result
	}
	if c.selfConfig().Arbiter {
		result |= reasonArbiter
	}
	if c.selfConfig().Priority <= 0 {
		result |= reasonNoPriority
	}
	if c.stepDownUntil.After(now) {
		result |= reasonStepDownPeriodActive
	}
	if !c.MemberState().Secondary() && !c.iAmPrimary() {
		result |= reasonNotSecondary
	}
	if reason == ReasonPriorityTakeover && !c.freshEnoughForPriorityTakeover() {
		result |= reasonNotCloseEnoughForPriorityTakeover
	}
	if reason == ReasonCatchupTakeover && !c.freshEnoughForCatchupTakeover() {
		result |= reasonNotFreshEnoughForCatchupTakeover
	}
	return result
}

// unelectableReasonOf collects the electability failures of another member,
// judged from heartbeat data.
func (c *Coordinator) unelectableReasonOf(index int) unelectableReason {
	if index == c.selfIndex {
		panic("unelectableReasonOf called for self")
	}
	mc := c.cfg.MemberAt(index)
	var result unelectableReason
	if mc.Arbiter {
		result |= reasonArbiter
	}
	if mc.Priority <= 0 {
		result |= reasonNoPriority
	}
	if c.members[index].State() != repl.StateSecondary {
		result |= reasonNotSecondary
	}
	return result
}

// freshEnoughForPriorityTakeover applies the priority-takeover freshness
// window: same term as the most advanced known optime, and either within the
// window in seconds, or within 1000 increments when inside the same second
// (guards against a primary whose clock was set far ahead).
func (c *Coordinator) freshEnoughForPriorityTakeover() bool {
	latest := c.latestKnownOpTime()
	mine := c.MyLastAppliedOpTime()
	if mine.Term != latest.Term {
		return false
	}
	windowSecs := uint32(c.options.PriorityTakeoverFreshnessWindow / time.Second)
	if mine.TS.Secs != latest.TS.Secs {
		return mine.TS.Secs+windowSecs >= latest.TS.Secs
	}
	return mine.TS.Inc+1000 >= latest.TS.Inc
}

// freshEnoughForCatchupTakeover requires being the freshest node overall,
// strictly ahead of the primary, and that our last applied term predates the
// current term (i.e. the primary has not written anything yet).
func (c *Coordinator) freshEnoughForCatchupTakeover() bool {
	latest := c.latestKnownOpTime()
	mine := c.MyLastAppliedOpTime()
	if mine.Before(latest) {
		return false
	}
	if c.currentPrimaryIndex == -1 {
		return false
	}
	primaryApplied := c.members[c.currentPrimaryIndex].LastAppliedOpTime()
	if !mine.After(primaryApplied) {
		return false
	}
	return mine.Term < c.term
}

// BecomeCandidateIfElectable flips follower→candidate when every
// electability check passes, or returns ErrNodeNotElectable naming the
// failed checks.
func (c *Coordinator) BecomeCandidateIfElectable(now time.Time, reason StartElectionReason) error {
	if c.role == repl.RoleLeader {
		return fmt.Errorf("%w: not standing for election again; already primary", ErrNodeNotElectable)
	}
	if c.role == repl.RoleCandidate {
		return fmt.Errorf("%w: not standing for election again; already candidate", ErrNodeNotElectable)
	}
	if ur := c.myUnelectableReason(now, reason); ur != 0 {
		return fmt.Errorf("%w: not standing for election because %s", ErrNodeNotElectable, ur)
	}
	c.role = repl.RoleCandidate
	return nil
}

// VoteForMyself records the self-vote a candidate casts at the start of a
// real (non-dry-run) election.
func (c *Coordinator) VoteForMyself() {
	if c.role != repl.RoleCandidate {
		panic("VoteForMyself while not a candidate")
	}
	c.lastVote = repl.LastVote{Term: c.term, CandidateIndex: c.selfIndex}
}

// LoadLastVote restores the durably persisted vote at startup so a restart
// cannot double-vote within a term.
func (c *Coordinator) LoadLastVote(lastVote repl.LastVote) {
	c.lastVote = lastVote
}

// LastVote returns the most recently granted vote.
func (c *Coordinator) LastVote() repl.LastVote { return c.lastVote }

// ProcessRequestVotes decides an incoming vote request. The returned
// persist flag tells the driver it must durably store LastVote before the
// response may leave this node; dry-run requests never set it.
func (c *Coordinator) ProcessRequestVotes(args *repl.VoteRequest) (resp repl.VoteResponse, persist bool) {
	resp.Term = c.term

	switch {
	case args.Term < c.term:
		resp.Reason = fmt.Sprintf("candidate's term (%d) is lower than mine (%d)", args.Term, c.term)
	case args.ConfigVersion != c.cfg.Version:
		resp.Reason = fmt.Sprintf("candidate's config version (%d) differs from mine (%d)", args.ConfigVersion, c.cfg.Version)
	case args.SetName != c.cfg.SetName:
		resp.Reason = fmt.Sprintf("candidate's set name (%s) differs from mine (%s)", args.SetName, c.cfg.SetName)
	case args.LastDurableOpTime.Before(c.MyLastAppliedOpTime()):
		resp.Reason = fmt.Sprintf("candidate's data is staler than mine. candidate's last applied OpTime: %v, my last applied OpTime: %v",
			args.LastDurableOpTime, c.MyLastAppliedOpTime())
	case !args.DryRun && c.lastVote.Term == args.Term:
		resp.Reason = fmt.Sprintf("already voted for another candidate (%s) this term (%d)",
			c.cfg.MemberAt(c.lastVote.CandidateIndex).Host, c.lastVote.Term)
	default:
		if betterPrimary := c.findHealthyPrimaryOfEqualOrGreaterPriority(args.CandidateIndex); c.selfConfig().Arbiter && betterPrimary >= 0 {
			resp.Reason = fmt.Sprintf("can see a healthy primary (%s) of equal or greater priority",
				c.cfg.MemberAt(betterPrimary).Host)
		} else {
			if !args.DryRun {
				c.lastVote = repl.LastVote{Term: args.Term, CandidateIndex: args.CandidateIndex}
				persist = true
			}
			resp.VoteGranted = true
		}
	}

	log.Printf("topology: vote request term=%d candidate=%d dryRun=%v -> granted=%v %s",
		args.Term, args.CandidateIndex, args.DryRun, resp.VoteGranted, resp.Reason)
	return resp, persist
}

// findHealthyPrimaryOfEqualOrGreaterPriority returns the index of an up
// primary, other than the candidate, whose priority is at least the
// candidate's; -1 when none is visible.
func (c *Coordinator) findHealthyPrimaryOfEqualOrGreaterPriority(candidateIndex int) int {
	candidatePriority := c.cfg.MemberAt(candidateIndex).Priority
	for i, m := range c.members {
		if !m.Up() || !m.State().Primary() {
			continue
		}
		if i != candidateIndex && c.cfg.MemberAt(i).Priority >= candidatePriority {
			return i
		}
	}
	return -1
}

// UpdateTermResult reports what UpdateTerm did with a newly learned term.
type UpdateTermResult int

const (
	// TermAlreadyUpToDate: the term was not newer, nothing changed.
	TermAlreadyUpToDate UpdateTermResult = iota
	// TermTriggerStepDown: we are primary; the driver must run the
	// unconditional step-down protocol, after which the term is adopted.
	TermTriggerStepDown
	// TermUpdated: the new term was adopted immediately.
	TermUpdated
)

// UpdateTerm digests a term learned from any remote. A leader defers the
// bump until step-down completes so it never reports PRIMARY in a stale
// term; everyone also pushes the anti-election-storm sleep window forward.
func (c *Coordinator) UpdateTerm(term repl.Term, now time.Time) UpdateTermResult {
	if term <= c.term {
		return TermAlreadyUpToDate
	}
	// Don't run for election right after standing up or learning of a new
	// term.
	c.electionSleepUntil = now.Add(c.electionTimeout())
	if c.iAmPrimary() {
		return TermTriggerStepDown
	}
	log.Printf("topology: updating term from %d to %d", c.term, term)
	c.term = term
	return TermUpdated
}

// ElectionSleepUntil returns the earliest time this node may next start an
// election on its own initiative.
func (c *Coordinator) ElectionSleepUntil() time.Time { return c.electionSleepUntil }

// ProcessWinElection installs this candidate as leader-elect. The commit
// point is pinned to the maximum optime until CompleteTransitionToPrimary
// reports drain completion, so stale-term data cannot advance it meanwhile.
func (c *Coordinator) ProcessWinElection(electionID uuid.UUID, electionOpTime repl.Timestamp) {
	if c.role != repl.RoleCandidate {
		panic("ProcessWinElection while not a candidate")
	}
	if c.leaderMode != repl.LeaderModeNotLeader {
		panic("ProcessWinElection with leader mode already set")
	}
	c.role = repl.RoleLeader
	c.setLeaderMode(repl.LeaderModeLeaderElect)
	c.electionID = electionID
	c.electionTime = electionOpTime
	c.currentPrimaryIndex = c.selfIndex
	c.syncSource = ""
	c.forceSyncSourceIndex = -1
	c.firstOpTimeOfMyTerm = repl.MaxOpTime
}

// ProcessLoseElection returns a defeated candidate to follower.
func (c *Coordinator) ProcessLoseElection() {
	if c.role != repl.RoleCandidate {
		panic("ProcessLoseElection while not a candidate")
	}
	if c.leaderMode != repl.LeaderModeNotLeader {
		panic("ProcessLoseElection with leader mode set")
	}
	c.electionTime = repl.Timestamp{}
	c.electionID = uuid.UUID{}
	c.role = repl.RoleFollower
}

// CanCompleteTransitionToPrimary reports whether the drain that finished in
// the given term may still promote this node to a writable master.
func (c *Coordinator) CanCompleteTransitionToPrimary(termWhenDrainCompleted repl.Term) bool {
	if termWhenDrainCompleted != c.term {
		return false
	}
	// A step-down attempt may still fail, so AttemptingStepDown remains
	// completable.
	return c.leaderMode == repl.LeaderModeLeaderElect || c.leaderMode == repl.LeaderModeAttemptingStepDown
}

// CompleteTransitionToPrimary unpins the commit point with the first optime
// of this term once the apply queue has drained, making the node a writable
// master. Fails with ErrPrimarySteppedDown when the term moved on meanwhile.
func (c *Coordinator) CompleteTransitionToPrimary(firstOpTimeOfTerm repl.OpTime) error {
	if !c.CanCompleteTransitionToPrimary(firstOpTimeOfTerm.Term) {
		return fmt.Errorf("%w: node was no longer eligible to complete its transition to primary", ErrPrimarySteppedDown)
	}
	if c.leaderMode == repl.LeaderModeLeaderElect {
		c.setLeaderMode(repl.LeaderModeMaster)
	}
	c.firstOpTimeOfMyTerm = firstOpTimeOfTerm
	return nil
}

// PrepareForUnconditionalStepDown begins the required step-down flow (e.g.
// on learning of a higher term). Only one can be in flight; a voluntary
// attempt in progress is overridden. Returns false when an unconditional
// step-down is already running.
func (c *Coordinator) PrepareForUnconditionalStepDown() bool {
	if c.leaderMode == repl.LeaderModeSteppingDown {
		return false
	}
	c.setLeaderMode(repl.LeaderModeSteppingDown)
	return true
}

// FinishUnconditionalStepDown completes the required step-down. The new
// believed primary is the single other up member reporting itself primary;
// seeing two such members is treated as a transient artifact of async
// polling and leaves the primary unknown for the next heartbeat round to
// resolve.
func (c *Coordinator) FinishUnconditionalStepDown() {
	if c.leaderMode != repl.LeaderModeSteppingDown {
		panic("FinishUnconditionalStepDown while not stepping down")
	}
	remotePrimaryIndex := -1
	for i, m := range c.members {
		if i == c.selfIndex {
			continue
		}
		if m.State().Primary() && m.Up() {
			if remotePrimaryIndex != -1 {
				log.Printf("topology: two remote primaries (transiently)")
				remotePrimaryIndex = -1
				break
			}
			remotePrimaryIndex = i
		}
	}
	c.stepDownSelfAndReplaceWith(remotePrimaryIndex)
}

// StepDownAttemptAbortFn restores the leader mode a voluntary step-down
// attempt displaced, unless the attempt already concluded.
type StepDownAttemptAbortFn func()

// PrepareForStepDownAttempt begins a voluntary (operator-requested)
// step-down. Returns an abort closure restoring the previous mode if the
// attempt is abandoned.
func (c *Coordinator) PrepareForStepDownAttempt() (StepDownAttemptAbortFn, error) {
	if c.leaderMode == repl.LeaderModeSteppingDown || c.leaderMode == repl.LeaderModeAttemptingStepDown {
		return nil, fmt.Errorf("%w: this node is already in the process of stepping down", ErrConflictingOperationInProgress)
	}
	if c.leaderMode == repl.LeaderModeNotLeader {
		return nil, fmt.Errorf("%w: this node is not a primary", ErrNotMaster)
	}
	previous := c.leaderMode
	c.setLeaderMode(repl.LeaderModeAttemptingStepDown)
	return func() {
		if c.leaderMode == repl.LeaderModeAttemptingStepDown {
			c.setLeaderMode(previous)
		}
	}, nil
}

// AttemptStepDown tries to complete a voluntary step-down. It fails
// permanently with ErrPrimarySteppedDown when leadership or the term moved
// on, and with ErrExceededTimeLimit when the deadlines passed; it returns
// (false, nil) when the attempt may be retried on the next state change.
// Success requires either force past waitUntil, or the safe-step-down gate.
func (c *Coordinator) AttemptStepDown(termAtStart repl.Term, now, waitUntil, stepDownUntil time.Time, force bool) (bool, error) {
	if c.role != repl.RoleLeader || c.leaderMode == repl.LeaderModeSteppingDown || c.term != termAtStart {
		return false, fmt.Errorf("%w: while waiting for secondaries to catch up before stepping down, this node decided to step down for other reasons", ErrPrimarySteppedDown)
	}
	if c.leaderMode != repl.LeaderModeAttemptingStepDown {
		panic("AttemptStepDown without a prepared attempt")
	}
	if !now.Before(stepDownUntil) {
		return false, fmt.Errorf("%w: by the time we were ready to step down, we were already past the time we were supposed to step down until", ErrExceededTimeLimit)
	}
	if !c.canCompleteStepDownAttempt(now, waitUntil, force) {
		// Check waitUntil only after at least one attempt, so a zero
		// catch-up period can still succeed.
		if !now.Before(waitUntil) {
			return false, fmt.Errorf("%w: no electable secondaries caught up as of %v; use the force option to step down anyway", ErrExceededTimeLimit, now)
		}
		return false, nil
	}
	c.stepDownUntil = stepDownUntil
	c.stepDownSelfAndReplaceWith(-1)
	return true, nil
}

func (c *Coordinator) canCompleteStepDownAttempt(now, waitUntil time.Time, force bool) bool {
	if force && !now.Before(waitUntil) {
		return true
	}
	return c.IsSafeToStepDown()
}

// IsSafeToStepDown reports whether a majority of voting members has applied
// this node's last-applied optime and at least one caught-up member besides
// self is individually electable.
func (c *Coordinator) IsSafeToStepDown() bool {
	if c.cfg == nil || c.selfIndex < 0 {
		return false
	}
	lastApplied := c.MyLastAppliedOpTime()

	pattern, err := c.cfg.FindCustomWriteMode(config.MajorityWriteConcernModeName)
	if err != nil {
		panic("built-in majority write mode missing")
	}
	if !c.HaveTaggedNodesReachedOpTime(lastApplied, pattern, false) {
		return false
	}
	for i := 0; i < c.cfg.NumMembers(); i++ {
		if i == c.selfIndex {
			continue
		}
		if c.isCaughtUpAndElectable(i, lastApplied) {
			return true
		}
	}
	return false
}

func (c *Coordinator) isCaughtUpAndElectable(memberIndex int, lastApplied repl.OpTime) bool {
	if c.unelectableReasonOf(memberIndex) != 0 {
		return false
	}
	return c.members[memberIndex].LastAppliedOpTime().AtLeast(lastApplied)
}

// ChooseElectionHandoffCandidate picks the caught-up electable member with
// the highest priority (lowest index on ties) for step-down handoff, or -1
// when no member qualifies.
func (c *Coordinator) ChooseElectionHandoffCandidate() int {
	lastApplied := c.MyLastAppliedOpTime()
	bestIndex := -1
	highestPriority := -1.0
	for i := 0; i < c.cfg.NumMembers(); i++ {
		if i == c.selfIndex {
			continue
		}
		if !c.isCaughtUpAndElectable(i, lastApplied) {
			continue
		}
		if priority := c.cfg.MemberAt(i).Priority; priority > highestPriority {
			bestIndex = i
			highestPriority = priority
		}
	}
	return bestIndex
}

// stepDownSelfAndReplaceWith flips leader→follower and installs the new
// believed primary index (-1 for unknown).
func (c *Coordinator) stepDownSelfAndReplaceWith(newPrimary int) {
	if c.role != repl.RoleLeader {
		panic("stepDownSelfAndReplaceWith while not leader")
	}
	if c.selfIndex == -1 || c.selfIndex == newPrimary || c.selfIndex != c.currentPrimaryIndex {
		panic("inconsistent indices during step-down")
	}
	c.currentPrimaryIndex = newPrimary
	c.role = repl.RoleFollower
	c.setLeaderMode(repl.LeaderModeNotLeader)
}

// IsSteppingDownUnconditionally reports an in-flight required step-down.
func (c *Coordinator) IsSteppingDownUnconditionally() bool {
	return c.leaderMode == repl.LeaderModeSteppingDown
}

// IsSteppingDown reports any in-flight step-down, voluntary or required.
func (c *Coordinator) IsSteppingDown() bool {
	return c.IsSteppingDownUnconditionally() || c.leaderMode == repl.LeaderModeAttemptingStepDown
}

// setLeaderMode guards the leader sub-mode transitions; an impossible
// transition is a programming error.
func (c *Coordinator) setLeaderMode(newMode repl.LeaderMode) {
	valid := false
	switch c.leaderMode {
	case repl.LeaderModeNotLeader:
		valid = newMode == repl.LeaderModeLeaderElect
	case repl.LeaderModeLeaderElect:
		valid = newMode == repl.LeaderModeNotLeader || newMode == repl.LeaderModeMaster ||
			newMode == repl.LeaderModeAttemptingStepDown || newMode == repl.LeaderModeSteppingDown
	case repl.LeaderModeMaster:
		valid = newMode == repl.LeaderModeNotLeader ||
			newMode == repl.LeaderModeAttemptingStepDown || newMode == repl.LeaderModeSteppingDown
	case repl.LeaderModeAttemptingStepDown:
		valid = newMode == repl.LeaderModeNotLeader || newMode == repl.LeaderModeMaster ||
			newMode == repl.LeaderModeSteppingDown || newMode == repl.LeaderModeLeaderElect
	case repl.LeaderModeSteppingDown:
		valid = newMode == repl.LeaderModeNotLeader
	}
	if !valid {
		panic(fmt.Sprintf("invalid leader mode transition %v -> %v", c.leaderMode, newMode))
	}
	c.leaderMode = newMode
}

// PrepareFreezeResponse handles the operator freeze command: secs of
// election ineligibility, or secs==0 to unfreeze. Unfreezing a single-node
// set tells the driver to self-elect. Only followers freeze.
func (c *Coordinator) PrepareFreezeResponse(now time.Time, secs int) (singleNodeSelfElect bool, err error) {
	if c.role != repl.RoleFollower {
		state := "running for election"
		if c.role == repl.RoleLeader {
			state = "primary"
		}
		return false, fmt.Errorf("%w: cannot freeze node when %s", ErrNotSecondary, state)
	}
	if secs == 0 {
		c.stepDownUntil = now
		log.Printf("topology: 'unfreezing'")
		return c.isElectableNodeInSingleNodeReplicaSet(), nil
	}
	until := now.Add(time.Duration(secs) * time.Second)
	if until.After(c.stepDownUntil) {
		c.stepDownUntil = until
	}
	log.Printf("topology: 'freezing' for %d seconds", secs)
	return false, nil
}

// SetCurrentPrimaryIndex overrides the believed primary; used by the driver
// when external information (e.g. a vote round) identifies the primary.
func (c *Coordinator) SetCurrentPrimaryIndex(primaryIndex int) {
	c.currentPrimaryIndex = primaryIndex
}
