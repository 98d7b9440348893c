package repl

import "github.com/google/uuid"

// HeartbeatRequest is the payload a member sends to each of its peers on
// every heartbeat round.
type HeartbeatRequest struct {
	SetName       string      `json:"set_name"`
	ConfigVersion int64       `json:"config_version"`
	SenderID      MemberID    `json:"sender_id"`
	SenderHost    HostAndPort `json:"sender_host"`
	Term          Term        `json:"term"`
}

// HeartbeatResponse reports the responder's replication progress back to the
// heartbeat sender.
type HeartbeatResponse struct {
	SetName       string            `json:"set_name"`
	State         MemberState       `json:"state"`
	Term          Term              `json:"term"`
	ConfigVersion int64             `json:"config_version"`
	AppliedOpTime OpTimeAndWallTime `json:"applied_optime"`
	DurableOpTime OpTimeAndWallTime `json:"durable_optime"`
	// PrimaryID is the responder's believed primary, or UnknownMemberID.
	PrimaryID MemberID `json:"primary_id"`
}

// VoteRequest asks a peer for its vote in a (possibly dry-run) election.
type VoteRequest struct {
	SetName           string `json:"set_name"`
	DryRun            bool   `json:"dry_run"`
	Term              Term   `json:"term"`
	CandidateIndex    int    `json:"candidate_index"`
	ConfigVersion     int64  `json:"config_version"`
	LastDurableOpTime OpTime `json:"last_durable_optime"`
}

// VoteResponse carries the vote decision. Reason is set on every denial.
type VoteResponse struct {
	Term        Term   `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
	Reason      string `json:"reason,omitempty"`
}

// ReplSetMetadata is the gossip block attached to data-path replies: enough
// for the receiver to learn the sender's term, commit point and topology
// view without a dedicated round trip.
type ReplSetMetadata struct {
	Term            Term              `json:"term"`
	LastOpCommitted OpTimeAndWallTime `json:"last_op_committed"`
	LastOpVisible   OpTime            `json:"last_op_visible"`
	ConfigVersion   int64             `json:"config_version"`
	ReplicaSetID    string            `json:"replica_set_id"`
	PrimaryIndex    int               `json:"primary_index"`
	SyncSourceIndex int               `json:"sync_source_index"`
}

// OplogQueryMetadata is the gossip block attached to oplog fetch replies.
// RBID is the responder's rollback id, used by fetchers to detect rollbacks
// between queries.
type OplogQueryMetadata struct {
	LastOpCommitted OpTimeAndWallTime `json:"last_op_committed"`
	LastOpApplied   OpTime            `json:"last_op_applied"`
	RBID            int               `json:"rbid"`
	PrimaryIndex    int               `json:"primary_index"`
	SyncSourceIndex int               `json:"sync_source_index"`
}

// IsMasterResponse is the client-facing topology handshake: which hosts
// exist, who is primary, and what this member is.
type IsMasterResponse struct {
	SetName            string            `json:"set_name,omitempty"`
	SetVersion         int64             `json:"set_version,omitempty"`
	IsMaster           bool              `json:"is_master"`
	Secondary          bool              `json:"secondary"`
	Hosts              []HostAndPort     `json:"hosts,omitempty"`
	Passives           []HostAndPort     `json:"passives,omitempty"`
	Arbiters           []HostAndPort     `json:"arbiters,omitempty"`
	Primary            HostAndPort       `json:"primary,omitempty"`
	ArbiterOnly        bool              `json:"arbiter_only,omitempty"`
	Passive            bool              `json:"passive,omitempty"`
	Hidden             bool              `json:"hidden,omitempty"`
	BuildIndexes       *bool             `json:"build_indexes,omitempty"`
	SlaveDelaySeconds  int64             `json:"slave_delay_seconds,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	Me                 HostAndPort       `json:"me,omitempty"`
	ElectionID         uuid.UUID         `json:"election_id,omitempty"`
	HasConfig          bool              `json:"has_config"`
}
