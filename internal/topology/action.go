package topology

import (
	"fmt"
	"time"
)

// ActionKind enumerates the follow-up actions the heartbeat engine can hand
// back to the driver. The coordinator itself never executes them; it only
// decides.
type ActionKind int

const (
	// ActionNone means nothing beyond scheduling the next heartbeat.
	ActionNone ActionKind = iota

	// ActionReconfig means a peer advertised a newer config version; the
	// driver must fetch and install it.
	ActionReconfig

	// ActionStepDownSelf means this primary lost sight of a majority and
	// must begin an unconditional step-down.
	ActionStepDownSelf

	// ActionPriorityTakeover means this node outranks the current primary
	// and should schedule a priority takeover election.
	ActionPriorityTakeover

	// ActionCatchupTakeover means this node holds fresher data than a
	// still-catching-up primary and should schedule a catch-up takeover.
	ActionCatchupTakeover
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "no-action"
	case ActionReconfig:
		return "reconfig"
	case ActionStepDownSelf:
		return "step-down-self"
	case ActionPriorityTakeover:
		return "priority-takeover"
	case ActionCatchupTakeover:
		return "catchup-takeover"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// HeartbeatResponseAction is the heartbeat engine's decision for the driver:
// what to do next and when to start the next heartbeat to the same target.
type HeartbeatResponseAction struct {
	Kind ActionKind

	// StepDownIndex is the index of the member stepping down when Kind is
	// ActionStepDownSelf.
	StepDownIndex int

	// NextHeartbeatStart is when the driver should begin the next heartbeat
	// to the target this response came from.
	NextHeartbeatStart time.Time

	// AdvancedOpTime reports whether the response moved the target's known
	// applied optime forward; the driver uses it to re-run commit-point and
	// write-concern evaluation.
	AdvancedOpTime bool
}

func noAction() HeartbeatResponseAction {
	return HeartbeatResponseAction{Kind: ActionNone, StepDownIndex: -1}
}

func stepDownSelfAction(selfIndex int) HeartbeatResponseAction {
	return HeartbeatResponseAction{Kind: ActionStepDownSelf, StepDownIndex: selfIndex}
}
