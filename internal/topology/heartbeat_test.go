package topology

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replset/internal/config"
	"github.com/dreamware/replset/internal/repl"
)

// TestPrepareHeartbeatRequest verifies the payload and the retry-window
// timeout bookkeeping.
func TestPrepareHeartbeatRequest(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)

	req, timeout := c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	assert.Equal(t, "rs0", req.SetName)
	assert.Equal(t, int64(1), req.ConfigVersion)
	assert.Equal(t, repl.MemberID(0), req.SenderID)
	assert.Equal(t, repl.HostAndPort("a:1"), req.SenderHost)
	assert.Equal(t, config.DefaultHeartbeatTimeout, timeout)

	// A retry inside the same window gets only the remaining time
	c.ProcessHeartbeatResponse(now, 0, "b:1", nil, errors.New("refused"), false)
	_, timeout = c.PrepareHeartbeatRequest(now.Add(3*time.Second), "rs0", "b:1")
	assert.Equal(t, config.DefaultHeartbeatTimeout-3*time.Second, timeout)
}

// TestPrepareHeartbeatRequestNoConfig verifies the pre-config payload.
func TestPrepareHeartbeatRequestNoConfig(t *testing.T) {
	c := New(DefaultOptions())
	req, _ := c.PrepareHeartbeatRequest(time.Now(), "rs0", "b:1")
	assert.Equal(t, repl.MemberID(-1), req.SenderID)
	assert.Equal(t, int64(-2), req.ConfigVersion)
}

// TestPrepareHeartbeatResponse verifies the reply contents and the rejection
// paths for mismatched set names and self-addressed requests.
func TestPrepareHeartbeatResponse(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	c.SetMyLastAppliedOpTimeAndWallTime(optw(42, 0), now, false)

	resp, err := c.PrepareHeartbeatResponse(now, &repl.HeartbeatRequest{
		SetName: "rs0", ConfigVersion: 1, SenderID: 1, Term: 0,
	}, "rs0")
	require.NoError(t, err)
	assert.Equal(t, repl.StateSecondary, resp.State)
	assert.Equal(t, opt(42, 0), resp.AppliedOpTime.OpTime)
	assert.Equal(t, int64(1), resp.ConfigVersion)
	// The sender's liveness clock was refreshed
	assert.Equal(t, now, c.MemberData()[1].LastUpdate())

	// Wrong set name
	_, err = c.PrepareHeartbeatResponse(now, &repl.HeartbeatRequest{SetName: "other"}, "rs0")
	assert.ErrorIs(t, err, ErrInconsistentReplicaSetNames)

	// Sender claims our own id
	_, err = c.PrepareHeartbeatResponse(now, &repl.HeartbeatRequest{
		SetName: "rs0", ConfigVersion: 1, SenderID: 0,
	}, "rs0")
	assert.ErrorIs(t, err, ErrBadValue)
}

// TestPrepareHeartbeatResponseRemoved verifies a removed node reports its
// config as invalid.
func TestPrepareHeartbeatResponseRemoved(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	c.UpdateConfig(testConfig(t, 2, dataMember(1, "b:1"), dataMember(2, "c:1")), -1, now)

	_, err := c.PrepareHeartbeatResponse(now, &repl.HeartbeatRequest{SetName: "rs0", SenderID: 1}, "rs0")
	assert.ErrorIs(t, err, ErrInvalidReplicaSetConfig)
}

// TestHeartbeatRetriesThenDown verifies the retry and down-marking protocol:
// a member survives two rapid retries and is marked down on the third
// consecutive failure.
func TestHeartbeatRetriesThenDown(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	boom := errors.New("connection refused")

	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	action := c.ProcessHeartbeatResponse(now, 0, "b:1", nil, boom, false)
	// Retry immediately, still inside the window
	assert.Equal(t, now, action.NextHeartbeatStart)
	assert.False(t, c.MemberData()[1].State() == repl.StateDown)

	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	c.ProcessHeartbeatResponse(now, 0, "b:1", nil, boom, false)
	assert.False(t, c.MemberData()[1].State() == repl.StateDown)

	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	action = c.ProcessHeartbeatResponse(now, 0, "b:1", nil, boom, false)
	assert.Equal(t, repl.StateDown, c.MemberData()[1].State())
	assert.Equal(t, "connection refused", c.MemberData()[1].LastHeartbeatMsg())
	// The next attempt waits a full interval
	assert.True(t, action.NextHeartbeatStart.After(now))
}

// TestHeartbeatTimeoutMarksDown verifies that exceeding the heartbeat
// timeout inside a window marks the member down even with retries left.
func TestHeartbeatTimeoutMarksDown(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)

	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	late := now.Add(config.DefaultHeartbeatTimeout)
	c.ProcessHeartbeatResponse(late, 0, "b:1", nil, errors.New("timeout"), false)
	assert.Equal(t, repl.StateDown, c.MemberData()[1].State())
}

// TestHeartbeatAuthFailure verifies auth failures are counted as responses
// (they prove reachability) but flag the member.
func TestHeartbeatAuthFailure(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)

	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	c.ProcessHeartbeatResponse(now, 5*time.Millisecond, "b:1", nil, ErrUnauthorized, true)
	assert.True(t, c.MemberData()[1].HasAuthIssue())
	assert.False(t, c.MemberData()[1].Up())
}

// TestOnlyAuthErrorHeartbeatsReportRecovering verifies the credential
// partition overlay: every peer down with at least one auth failure turns a
// secondary's reported state into RECOVERING.
func TestOnlyAuthErrorHeartbeatsReportRecovering(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)

	// One peer is up, the other fails auth: still SECONDARY
	receiveHeartbeat(c, now, "c:1", secondaryResponse(0, 1))
	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	c.ProcessHeartbeatResponse(now, 0, "b:1", nil, ErrUnauthorized, true)
	require.Equal(t, repl.StateSecondary, c.MemberState(), "one live path still possible")

	// The up peer goes down too: every peer is dark, one for credentials
	for i := 0; i < 3; i++ {
		c.PrepareHeartbeatRequest(now, "rs0", "c:1")
		c.ProcessHeartbeatResponse(now, 0, "c:1", nil, errors.New("refused"), false)
	}
	assert.Equal(t, repl.StateRecovering, c.MemberState())

	// One peer comes back: SECONDARY again
	receiveHeartbeat(c, now, "c:1", secondaryResponse(0, 1))
	assert.Equal(t, repl.StateSecondary, c.MemberState())
}

// TestReconfigActionOnNewerVersion verifies that a heartbeat advertising a
// newer config version yields a reconfig action.
func TestReconfigActionOnNewerVersion(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)

	c.PrepareHeartbeatRequest(now, "rs0", "b:1")
	resp := secondaryResponse(0, 10)
	resp.SetName = "rs0"
	resp.ConfigVersion = 7
	action := c.ProcessHeartbeatResponse(now, time.Millisecond, "b:1", resp, nil, false)
	assert.Equal(t, ActionReconfig, action.Kind)
}

// TestPrimaryDiscoveryPrefersHighestTerm verifies the believed primary is
// the up member reporting PRIMARY in the highest term.
func TestPrimaryDiscoveryPrefersHighestTerm(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	c.UpdateTerm(3, now)

	receiveHeartbeat(c, now, "b:1", primaryResponse(2, 10))
	assert.Equal(t, 1, c.CurrentPrimaryIndex())

	// A primary in a newer term displaces the older one
	receiveHeartbeat(c, now, "c:1", primaryResponse(3, 10))
	assert.Equal(t, 2, c.CurrentPrimaryIndex())

	// The stale primary going down leaves only the new one
	for i := 0; i < 3; i++ {
		failHeartbeat(c, now, "b:1", errors.New("refused"))
	}
	assert.Equal(t, 2, c.CurrentPrimaryIndex())
}

// TestPriorityTakeoverAction verifies a higher-priority node is told to
// schedule a priority takeover on a heartbeat from the primary.
func TestPriorityTakeoverAction(t *testing.T) {
	now := time.Now()
	c := New(DefaultOptions())
	cfg := testConfig(t, 1,
		config.MemberConfig{ID: 0, Host: "a:1", Priority: 2, Votes: 1, BuildIndexes: true},
		dataMember(1, "b:1"),
		dataMember(2, "c:1"),
	)
	c.UpdateConfig(cfg, 0, now)
	c.SetFollowerMode(repl.StateSecondary)
	c.UpdateTerm(1, now)
	c.SetMyLastAppliedOpTimeAndWallTime(optw(10, 1), now, false)

	action := receiveHeartbeat(c, now, "b:1", primaryResponse(1, 10))
	assert.Equal(t, ActionPriorityTakeover, action.Kind)
}

// TestCatchupTakeoverAction verifies a fresher node is told to schedule a
// catchup takeover against a primary that is behind.
func TestCatchupTakeoverAction(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	c.UpdateTerm(1, now)
	c.SetMyLastAppliedOpTimeAndWallTime(optw(100, 1), now, false)

	action := receiveHeartbeat(c, now, "b:1", primaryResponse(1, 50))
	assert.Equal(t, ActionCatchupTakeover, action.Kind)
}

// TestNoTakeoverFromStaleTermPrimary verifies takeovers are only evaluated
// against a primary in our current term.
func TestNoTakeoverFromStaleTermPrimary(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	c.UpdateTerm(5, now)
	c.SetMyLastAppliedOpTimeAndWallTime(optw(100, 5), now, false)

	action := receiveHeartbeat(c, now, "b:1", primaryResponse(4, 50))
	assert.Equal(t, ActionNone, action.Kind)
}

// TestCatchupTakeoverDisabled verifies the config sentinel suppresses
// catchup takeovers.
func TestCatchupTakeoverDisabled(t *testing.T) {
	now := time.Now()
	c := New(DefaultOptions())
	cfg, err := config.New(config.ReplSetConfig{
		SetName: "rs0",
		Version: 1,
		Members: []config.MemberConfig{
			dataMember(0, "a:1"), dataMember(1, "b:1"), dataMember(2, "c:1"),
		},
		CatchUpTakeoverDelay: config.CatchUpTakeoverDisabled,
	})
	require.NoError(t, err)
	c.UpdateConfig(cfg, 0, now)
	c.SetFollowerMode(repl.StateSecondary)
	c.UpdateTerm(1, now)
	c.SetMyLastAppliedOpTimeAndWallTime(optw(100, 1), now, false)

	action := receiveHeartbeat(c, now, "b:1", primaryResponse(1, 50))
	assert.Equal(t, ActionNone, action.Kind)
}

// TestCheckMemberTimeoutsStepsDownPrimary verifies the liveness sweep: a
// primary that can no longer see a majority is told to step itself down.
func TestCheckMemberTimeoutsStepsDownPrimary(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	winElection(t, c, now)

	// Both peers go silent past the election timeout
	late := now.Add(config.DefaultElectionTimeout + time.Second)
	action := c.CheckMemberTimeouts(late)
	assert.Equal(t, ActionStepDownSelf, action.Kind)
	assert.Equal(t, 0, action.StepDownIndex)
	assert.Equal(t, repl.StateDown, c.MemberData()[1].State())
	assert.Equal(t, repl.StateDown, c.MemberData()[2].State())
}

// TestCheckMemberTimeoutsKeepsMajority verifies no step-down while a
// majority remains visible.
func TestCheckMemberTimeoutsKeepsMajority(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	winElection(t, c, now)

	// One peer stays fresh
	late := now.Add(config.DefaultElectionTimeout + time.Second)
	receiveHeartbeat(c, late, "b:1", secondaryResponse(c.Term(), 11))

	action := c.CheckMemberTimeouts(late)
	assert.Equal(t, ActionNone, action.Kind)
	assert.True(t, c.MemberState().Primary())
}

// TestHeartbeatRestartCycle verifies the stable catch-up target gate: the
// latest known optime is only reported once every peer has produced a fresh
// heartbeat result after the restart.
func TestHeartbeatRestartCycle(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(t, now)
	makeAllUp(c, now, 0, 50)

	c.RestartHeartbeats()
	_, ok := c.LatestKnownOpTimeSinceHeartbeatRestart()
	assert.False(t, ok, "no fresh evidence yet")

	receiveHeartbeat(c, now, "b:1", secondaryResponse(0, 60))
	_, ok = c.LatestKnownOpTimeSinceHeartbeatRestart()
	assert.False(t, ok, "one peer still silent")

	receiveHeartbeat(c, now, "c:1", secondaryResponse(0, 55))
	latest, ok := c.LatestKnownOpTimeSinceHeartbeatRestart()
	require.True(t, ok)
	assert.Equal(t, opt(60, 0), latest)
}
