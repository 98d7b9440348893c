package repl

import (
	"fmt"
	"time"
)

// Term is a monotonically non-decreasing 64-bit election epoch.
type Term int64

// Sentinel terms. A node that has never seen a config reports
// UninitializedTerm; the first installed config starts the node at
// InitialTerm.
const (
	UninitializedTerm Term = -1
	InitialTerm       Term = 0
)

// Timestamp is an oplog position: seconds since epoch plus an increment that
// distinguishes operations within the same second.
type Timestamp struct {
	Secs uint32 `json:"secs"`
	Inc  uint32 `json:"inc"`
}

// MaxTimestamp is the largest representable oplog position. Used as a
// sentinel to pin the commit point while a fresh primary drains.
var MaxTimestamp = Timestamp{Secs: 1<<32 - 1, Inc: 1<<32 - 1}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Secs == 0 && t.Inc == 0
}

// Compare returns -1, 0 or 1 as t orders before, equal to or after other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Secs < other.Secs:
		return -1
	case t.Secs > other.Secs:
		return 1
	case t.Inc < other.Inc:
		return -1
	case t.Inc > other.Inc:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d", t.Secs, t.Inc)
}

// OpTime identifies a single operation in the replication log. OpTimes order
// by term first, timestamp second, which is a total order across the whole
// replica set.
type OpTime struct {
	TS   Timestamp `json:"ts"`
	Term Term      `json:"term"`
}

// MaxOpTime is the largest representable OpTime.
var MaxOpTime = OpTime{TS: MaxTimestamp, Term: Term(1<<63 - 1)}

// IsNull reports whether o is the null optime (no operations applied yet).
func (o OpTime) IsNull() bool {
	return o.TS.IsZero() && o.Term <= InitialTerm
}

// Compare returns -1, 0 or 1 as o orders before, equal to or after other.
func (o OpTime) Compare(other OpTime) int {
	switch {
	case o.Term < other.Term:
		return -1
	case o.Term > other.Term:
		return 1
	}
	return o.TS.Compare(other.TS)
}

// Before reports whether o orders strictly before other.
func (o OpTime) Before(other OpTime) bool { return o.Compare(other) < 0 }

// After reports whether o orders strictly after other.
func (o OpTime) After(other OpTime) bool { return o.Compare(other) > 0 }

// AtLeast reports whether o orders at or after other.
func (o OpTime) AtLeast(other OpTime) bool { return o.Compare(other) >= 0 }

func (o OpTime) String() string {
	return fmt.Sprintf("{ts: %s, term: %d}", o.TS, o.Term)
}

// OpTimeAndWallTime pairs an optime with the wall-clock time at which the
// operation was written on the node that generated it.
type OpTimeAndWallTime struct {
	OpTime   OpTime    `json:"optime"`
	WallTime time.Time `json:"wall_time"`
}

// Compare orders by optime only; wall time rides along.
func (o OpTimeAndWallTime) Compare(other OpTimeAndWallTime) int {
	return o.OpTime.Compare(other.OpTime)
}

// HostAndPort is a member's network address in "host:port" form.
type HostAndPort string

// Empty reports whether no address is set.
func (h HostAndPort) Empty() bool { return h == "" }

// MemberID identifies a configured member slot. It stays stable across
// reconfigurations of that slot and is unique within one config.
type MemberID int

// UnknownMemberID marks registry entries that are not bound to a config slot.
const UnknownMemberID MemberID = -1

// MemberState is the externally visible replication state of a member.
type MemberState int

// Member states, numbered compatibly with the classic replica-set protocol.
const (
	StateStartup    MemberState = 0
	StatePrimary    MemberState = 1
	StateSecondary  MemberState = 2
	StateRecovering MemberState = 3
	StateStartup2   MemberState = 5
	StateUnknown    MemberState = 6
	StateArbiter    MemberState = 7
	StateDown       MemberState = 8
	StateRollback   MemberState = 9
	StateRemoved    MemberState = 10
)

// Primary reports whether the state is PRIMARY.
func (s MemberState) Primary() bool { return s == StatePrimary }

// Secondary reports whether the state is SECONDARY.
func (s MemberState) Secondary() bool { return s == StateSecondary }

// Readable reports whether the member can serve as a sync source: only
// PRIMARY and SECONDARY members have a usable oplog.
func (s MemberState) Readable() bool { return s.Primary() || s.Secondary() }

// Arbiter reports whether the state is ARBITER.
func (s MemberState) Arbiter() bool { return s == StateArbiter }

// Removed reports whether the member has been removed from the config.
func (s MemberState) Removed() bool { return s == StateRemoved }

func (s MemberState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StatePrimary:
		return "PRIMARY"
	case StateSecondary:
		return "SECONDARY"
	case StateRecovering:
		return "RECOVERING"
	case StateStartup2:
		return "STARTUP2"
	case StateUnknown:
		return "UNKNOWN"
	case StateArbiter:
		return "ARBITER"
	case StateDown:
		return "DOWN"
	case StateRollback:
		return "ROLLBACK"
	case StateRemoved:
		return "REMOVED"
	}
	return fmt.Sprintf("MemberState(%d)", int(s))
}

// Role is the coordinator's position in the election protocol.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// LeaderMode is the sub-state a node moves through while Role is Leader.
// NotLeader holds exactly when Role is not Leader.
type LeaderMode int

const (
	LeaderModeNotLeader LeaderMode = iota
	LeaderModeLeaderElect
	LeaderModeMaster
	LeaderModeAttemptingStepDown
	LeaderModeSteppingDown
)

func (m LeaderMode) String() string {
	switch m {
	case LeaderModeNotLeader:
		return "not-leader"
	case LeaderModeLeaderElect:
		return "leader-elect"
	case LeaderModeMaster:
		return "master"
	case LeaderModeAttemptingStepDown:
		return "attempting-stepdown"
	case LeaderModeSteppingDown:
		return "stepping-down"
	}
	return fmt.Sprintf("LeaderMode(%d)", int(m))
}

// LastVote records the vote this node granted most recently. It must be made
// durable before the vote response leaves the node, and reloaded at startup,
// so a restart cannot double-vote within a term.
type LastVote struct {
	Term           Term `json:"term" msgpack:"term"`
	CandidateIndex int  `json:"candidate_index" msgpack:"candidate_index"`
}
