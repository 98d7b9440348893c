package topology

import (
	"time"

	"github.com/dreamware/replset/internal/repl"
)

// MemberStatus is one member's row in a status response.
type MemberStatus struct {
	ID       repl.MemberID    `json:"id"`
	Host     repl.HostAndPort `json:"host"`
	Health   float64          `json:"health"`
	State    repl.MemberState `json:"state"`
	StateStr string           `json:"state_str"`
	Self     bool             `json:"self,omitempty"`

	Uptime            int64             `json:"uptime,omitempty"`
	OpTime            repl.OpTime       `json:"optime"`
	OpTimeDurable     repl.OpTime       `json:"optime_durable"`
	LastHeartbeat     *time.Time        `json:"last_heartbeat,omitempty"`
	LastHeartbeatRecv *time.Time        `json:"last_heartbeat_recv,omitempty"`
	PingMillis        *int64            `json:"ping_ms,omitempty"`
	LastHeartbeatMsg  string            `json:"last_heartbeat_message,omitempty"`
	SyncSource        repl.HostAndPort  `json:"sync_source,omitempty"`
	InfoMessage       string            `json:"info_message,omitempty"`
	ElectionTime      *repl.Timestamp   `json:"election_time,omitempty"`
	ConfigVersion     int64             `json:"config_version"`
}

// StatusResponse is the full replSetGetStatus-style report.
type StatusResponse struct {
	SetName           string                 `json:"set_name,omitempty"`
	Date              time.Time              `json:"date"`
	MyState           repl.MemberState       `json:"my_state"`
	Term              repl.Term              `json:"term"`
	SyncSource        repl.HostAndPort       `json:"sync_source,omitempty"`
	HeartbeatInterval time.Duration          `json:"heartbeat_interval_millis"`
	LastCommitted     repl.OpTimeAndWallTime `json:"last_committed_optime"`
	Members           []MemberStatus         `json:"members,omitempty"`
	Uninitialized     bool                   `json:"uninitialized,omitempty"`
}

// PrepareStatusResponse builds the operator status report. It always
// succeeds: a node with no config reports itself uninitialized, and down
// members report whatever was last known about them.
func (c *Coordinator) PrepareStatusResponse(now time.Time, selfUptime time.Duration) *StatusResponse {
	resp := &StatusResponse{
		Date:    now,
		MyState: c.MemberState(),
		Term:    c.term,
	}
	if c.cfg == nil {
		resp.Uninitialized = true
		resp.Members = []MemberStatus{{
			ID:       c.selfMemberData().MemberID(),
			Health:   1,
			State:    c.MemberState(),
			StateStr: c.MemberState().String(),
			Self:     true,
			OpTime:   c.MyLastAppliedOpTime(),
		}}
		return resp
	}

	resp.SetName = c.cfg.SetName
	resp.SyncSource = c.syncSource
	resp.HeartbeatInterval = c.heartbeatInterval()
	resp.LastCommitted = c.lastCommitted

	for i := 0; i < c.cfg.NumMembers(); i++ {
		mc := c.cfg.MemberAt(i)
		m := c.members[i]
		ms := MemberStatus{
			ID:            mc.ID,
			Host:          mc.Host,
			ConfigVersion: c.cfg.Version,
		}
		if i == c.selfIndex {
			ms.Health = 1
			ms.State = c.MemberState()
			ms.StateStr = ms.State.String()
			ms.Self = true
			ms.Uptime = int64(selfUptime / time.Second)
			ms.OpTime = c.MyLastAppliedOpTime()
			ms.OpTimeDurable = c.MyLastDurableOpTime()
			ms.InfoMessage = c.heartbeatMessage(now)
			ms.SyncSource = c.syncSource
			if c.iAmPrimary() {
				et := c.electionTime
				ms.ElectionTime = &et
			}
		} else {
			ms.Health = m.Health()
			ms.State = m.State()
			ms.StateStr = ms.State.String()
			if !m.Up() {
				ms.StateStr = "(not reachable/healthy)"
			} else {
				ms.Uptime = int64(now.Sub(m.UpSince()) / time.Second)
			}
			ms.OpTime = m.HeartbeatAppliedOpTime()
			ms.OpTimeDurable = m.HeartbeatDurableOpTime()
			if hb := m.LastHeartbeat(); !hb.IsZero() {
				ms.LastHeartbeat = &hb
			}
			if hb := m.LastHeartbeatRecv(); !hb.IsZero() {
				ms.LastHeartbeatRecv = &hb
			}
			if rtt, ok := c.pingTime(mc.Host); ok {
				millis := rtt.Milliseconds()
				ms.PingMillis = &millis
			}
			ms.LastHeartbeatMsg = m.LastHeartbeatMsg()
		}
		resp.Members = append(resp.Members, ms)
	}
	return resp
}

// FillIsMasterForReplSet builds the client topology handshake from the
// installed config and the current role.
func (c *Coordinator) FillIsMasterForReplSet() *repl.IsMasterResponse {
	resp := &repl.IsMasterResponse{}
	if c.cfg == nil {
		resp.IsMaster = false
		resp.Secondary = false
		return resp
	}

	resp.SetName = c.cfg.SetName
	resp.SetVersion = c.cfg.Version
	resp.HasConfig = true

	for i := 0; i < c.cfg.NumMembers(); i++ {
		mc := c.cfg.MemberAt(i)
		switch {
		case mc.Hidden || mc.SlaveDelay > 0:
			// Hidden and delayed members never appear in the handshake.
		case mc.Arbiter:
			resp.Arbiters = append(resp.Arbiters, mc.Host)
		case mc.Priority == 0:
			resp.Passives = append(resp.Passives, mc.Host)
		default:
			resp.Hosts = append(resp.Hosts, mc.Host)
		}
	}

	state := c.MemberState()
	resp.IsMaster = state.Primary()
	resp.Secondary = state.Secondary()
	if primary := c.currentPrimaryMember(); primary != nil {
		resp.Primary = primary.Host
	}

	if c.selfIndex >= 0 {
		self := c.selfConfig()
		resp.Me = self.Host
		if self.Arbiter {
			resp.ArbiterOnly = true
		} else if self.Priority == 0 {
			resp.Passive = true
		}
		if self.Hidden {
			resp.Hidden = true
		}
		if !self.BuildIndexes {
			bi := false
			resp.BuildIndexes = &bi
		}
		if self.SlaveDelay > 0 {
			resp.SlaveDelaySeconds = int64(self.SlaveDelay / time.Second)
		}
		if len(self.Tags) > 0 {
			resp.Tags = self.Tags
		}
	}
	if c.iAmPrimary() {
		resp.ElectionID = c.electionID
	}
	return resp
}

// PrepareReplSetMetadata builds the gossip block attached to data-path
// replies. lastVisibleOpTime is the newest optime this node allows readers
// to observe.
func (c *Coordinator) PrepareReplSetMetadata(lastVisibleOpTime repl.OpTime) repl.ReplSetMetadata {
	meta := repl.ReplSetMetadata{
		Term:            c.term,
		LastOpCommitted: c.lastCommitted,
		LastOpVisible:   lastVisibleOpTime,
		PrimaryIndex:    c.currentPrimaryIndex,
		SyncSourceIndex: c.syncSourceIndex(),
	}
	if c.cfg != nil {
		meta.ConfigVersion = c.cfg.Version
		meta.ReplicaSetID = c.cfg.ReplicaSetID
	}
	return meta
}

// PrepareOplogQueryMetadata builds the gossip block attached to oplog fetch
// replies. rbid is this node's current rollback id.
func (c *Coordinator) PrepareOplogQueryMetadata(rbid int) repl.OplogQueryMetadata {
	return repl.OplogQueryMetadata{
		LastOpCommitted: c.lastCommitted,
		LastOpApplied:   c.MyLastAppliedOpTime(),
		RBID:            rbid,
		PrimaryIndex:    c.currentPrimaryIndex,
		SyncSourceIndex: c.syncSourceIndex(),
	}
}

func (c *Coordinator) syncSourceIndex() int {
	if c.syncSource.Empty() || c.cfg == nil {
		return -1
	}
	return c.cfg.FindMemberIndexByHostAndPort(c.syncSource)
}
