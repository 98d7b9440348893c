package member

import (
	"time"

	"github.com/dreamware/replset/internal/repl"
)

// Data is one registry entry: everything this node knows about one configured
// member, fed by heartbeat responses and progress reports.
//
// Thread-safety: none of its own. Data is only touched by the coordinator,
// which is externally synchronized.
type Data struct {
	// up is the health bit. A member starts down and comes up on its first
	// successful heartbeat.
	up bool

	// upSince is when the member last transitioned to up.
	upSince time.Time

	lastHeartbeat     time.Time // last response processed, success or not
	lastHeartbeatRecv time.Time // last successful response
	lastHeartbeatMsg  string

	// lastUpdate tracks any liveness evidence (heartbeat either way, or a
	// progress report). lastUpdateStale is set once lastUpdate ages past the
	// election timeout without renewal.
	lastUpdate      time.Time
	lastUpdateStale bool

	authIssue bool

	// updatedSinceRestart clears when heartbeats are restarted and sets on
	// the next heartbeat result, marking entries with post-restart evidence.
	updatedSinceRestart bool

	state repl.MemberState
	term  repl.Term

	// Progress as reported via heartbeat (the remote's own position).
	heartbeatAppliedOpTime repl.OpTimeAndWallTime
	heartbeatDurableOpTime repl.OpTimeAndWallTime

	// Progress as reported via downstream position updates. Kept separately
	// because a chained secondary can report fresher positions than the
	// heartbeat path has seen.
	lastAppliedOpTime repl.OpTimeAndWallTime
	lastDurableOpTime repl.OpTimeAndWallTime

	configIndex int
	memberID    repl.MemberID
	host        repl.HostAndPort
	isSelf      bool
}

// NewData returns a down, unknown-state entry bound to no config slot.
func NewData() *Data {
	return &Data{
		state:       repl.StateUnknown,
		term:        repl.UninitializedTerm,
		configIndex: -1,
		memberID:    repl.UnknownMemberID,
	}
}

// Up reports the health bit.
func (d *Data) Up() bool { return d.up }

// UpSince returns when the member last came up, or the zero time.
func (d *Data) UpSince() time.Time { return d.upSince }

// IsSelf reports whether this entry describes the local node.
func (d *Data) IsSelf() bool { return d.isSelf }

// State returns the member's last reported replication state.
func (d *Data) State() repl.MemberState { return d.state }

// Term returns the member's last reported term.
func (d *Data) Term() repl.Term { return d.term }

// ConfigIndex returns the member's slot in the current config, -1 if none.
func (d *Data) ConfigIndex() int { return d.configIndex }

// MemberID returns the member's configured id.
func (d *Data) MemberID() repl.MemberID { return d.memberID }

// Host returns the member's address.
func (d *Data) Host() repl.HostAndPort { return d.host }

// LastHeartbeat returns when the last heartbeat result was recorded.
func (d *Data) LastHeartbeat() time.Time { return d.lastHeartbeat }

// LastHeartbeatRecv returns when the last successful response arrived.
func (d *Data) LastHeartbeatRecv() time.Time { return d.lastHeartbeatRecv }

// LastHeartbeatMsg returns the status text from the last down transition or
// remote-provided message.
func (d *Data) LastHeartbeatMsg() string { return d.lastHeartbeatMsg }

// HasAuthIssue reports whether the most recent failure was an auth failure.
func (d *Data) HasAuthIssue() bool { return d.authIssue }

// LastUpdate returns the time of the newest liveness evidence.
func (d *Data) LastUpdate() time.Time { return d.lastUpdate }

// LastUpdateStale reports whether the entry aged past the election timeout
// without liveness evidence.
func (d *Data) LastUpdateStale() bool { return d.lastUpdateStale }

// HeartbeatAppliedOpTime returns the applied optime from the heartbeat path.
func (d *Data) HeartbeatAppliedOpTime() repl.OpTime { return d.heartbeatAppliedOpTime.OpTime }

// HeartbeatDurableOpTime returns the durable optime from the heartbeat path.
func (d *Data) HeartbeatDurableOpTime() repl.OpTime { return d.heartbeatDurableOpTime.OpTime }

// LastAppliedOpTime returns the freshest known applied optime across both
// the heartbeat and the position-report paths.
func (d *Data) LastAppliedOpTime() repl.OpTime { return d.lastAppliedOpTime.OpTime }

// LastAppliedOpTimeAndWallTime returns LastAppliedOpTime with its wall time.
func (d *Data) LastAppliedOpTimeAndWallTime() repl.OpTimeAndWallTime { return d.lastAppliedOpTime }

// LastDurableOpTime returns the freshest known durable optime.
func (d *Data) LastDurableOpTime() repl.OpTime { return d.lastDurableOpTime.OpTime }

// LastDurableOpTimeAndWallTime returns LastDurableOpTime with its wall time.
func (d *Data) LastDurableOpTimeAndWallTime() repl.OpTimeAndWallTime { return d.lastDurableOpTime }

// Health returns 1 for up members and 0 for down ones, the status-report
// convention.
func (d *Data) Health() float64 {
	if d.up {
		return 1
	}
	return 0
}

// SetConfigBinding binds the entry to a config slot. Called only during
// registry rebuilds.
func (d *Data) SetConfigBinding(configIndex int, id repl.MemberID, host repl.HostAndPort, isSelf bool) {
	d.configIndex = configIndex
	d.memberID = id
	d.host = host
	d.isSelf = isSelf
}

// SetUpValues applies a successful heartbeat response, marking the member up
// and folding in its reported state, term and progress. Optimes only move
// forward; state and term always take the response's values. Returns whether
// the member's known applied optime advanced.
func (d *Data) SetUpValues(now time.Time, resp *repl.HeartbeatResponse) bool {
	if !d.up {
		d.upSince = now
	}
	d.up = true
	d.authIssue = false
	d.lastHeartbeat = now
	d.lastHeartbeatRecv = now
	d.lastUpdate = now
	d.lastUpdateStale = false
	d.updatedSinceRestart = true
	d.lastHeartbeatMsg = ""

	d.state = resp.State
	d.term = resp.Term

	advanced := false
	if resp.AppliedOpTime.OpTime.After(d.heartbeatAppliedOpTime.OpTime) {
		d.heartbeatAppliedOpTime = resp.AppliedOpTime
	}
	if resp.AppliedOpTime.OpTime.After(d.lastAppliedOpTime.OpTime) {
		d.lastAppliedOpTime = resp.AppliedOpTime
		advanced = true
	}
	if resp.DurableOpTime.OpTime.After(d.heartbeatDurableOpTime.OpTime) {
		d.heartbeatDurableOpTime = resp.DurableOpTime
	}
	if resp.DurableOpTime.OpTime.After(d.lastDurableOpTime.OpTime) {
		d.lastDurableOpTime = resp.DurableOpTime
	}
	return advanced
}

// SetDownValues marks the member down with a reason, clearing its reported
// state. Recorded progress is kept; a down member's old optimes are still
// valid history.
func (d *Data) SetDownValues(now time.Time, reason string) {
	d.up = false
	d.upSince = time.Time{}
	d.lastHeartbeat = now
	d.lastUpdate = now
	d.lastUpdateStale = false
	d.updatedSinceRestart = true
	d.lastHeartbeatMsg = reason
	d.state = repl.StateDown
}

// SetAuthIssue marks the member as failing authentication. Treated as a
// distinct condition from down: the node is reachable but unusable.
func (d *Data) SetAuthIssue(now time.Time) {
	d.up = false
	d.upSince = time.Time{}
	d.lastHeartbeat = now
	d.lastUpdate = now
	d.lastUpdateStale = false
	d.updatedSinceRestart = true
	d.authIssue = true
	d.state = repl.StateUnknown
}

// UpdateLiveness renews the liveness clock without a heartbeat, e.g. after
// heartbeats are restarted.
func (d *Data) UpdateLiveness(now time.Time) {
	d.lastUpdate = now
	d.lastUpdateStale = false
}

// Restart clears the post-restart evidence marker; the next heartbeat
// result sets it again.
func (d *Data) Restart() { d.updatedSinceRestart = false }

// UpdatedSinceRestart reports whether any heartbeat result arrived after the
// last Restart.
func (d *Data) UpdatedSinceRestart() bool { return d.updatedSinceRestart }

// MarkLastUpdateStale flags the entry as having exceeded the election
// timeout without liveness evidence.
func (d *Data) MarkLastUpdateStale() { d.lastUpdateStale = true }

// IsStale reports whether the entry's liveness evidence is older than the
// election timeout. Self entries are never stale.
func (d *Data) IsStale(now time.Time, electionTimeout time.Duration) bool {
	if d.isSelf {
		return false
	}
	return now.Sub(d.lastUpdate) >= electionTimeout
}

// AdvanceAppliedOpTime records an applied-position report, moving forward
// only. Returns whether the position advanced.
func (d *Data) AdvanceAppliedOpTime(opTime repl.OpTimeAndWallTime, now time.Time) bool {
	d.lastUpdate = now
	d.lastUpdateStale = false
	if opTime.OpTime.After(d.lastAppliedOpTime.OpTime) {
		d.lastAppliedOpTime = opTime
		return true
	}
	return false
}

// AdvanceDurableOpTime records a durable-position report, moving forward
// only. Returns whether the position advanced.
func (d *Data) AdvanceDurableOpTime(opTime repl.OpTimeAndWallTime, now time.Time) bool {
	d.lastUpdate = now
	d.lastUpdateStale = false
	if opTime.OpTime.After(d.lastDurableOpTime.OpTime) {
		d.lastDurableOpTime = opTime
		return true
	}
	return false
}

// SetAppliedOpTime overwrites the applied position regardless of order. Used
// for the self entry, where rollback may legitimately move the position
// backwards under the driver's explicit control.
func (d *Data) SetAppliedOpTime(opTime repl.OpTimeAndWallTime, now time.Time) {
	d.lastUpdate = now
	d.lastUpdateStale = false
	d.lastAppliedOpTime = opTime
	if opTime.OpTime.After(d.heartbeatAppliedOpTime.OpTime) {
		d.heartbeatAppliedOpTime = opTime
	}
}

// SetDurableOpTime overwrites the durable position regardless of order.
func (d *Data) SetDurableOpTime(opTime repl.OpTimeAndWallTime, now time.Time) {
	d.lastUpdate = now
	d.lastUpdateStale = false
	d.lastDurableOpTime = opTime
	if opTime.OpTime.After(d.heartbeatDurableOpTime.OpTime) {
		d.heartbeatDurableOpTime = opTime
	}
}
