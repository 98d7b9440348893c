package config

import (
	"fmt"
	"time"

	"github.com/dreamware/replset/internal/repl"
)

// Protocol tunable defaults, applied by New when the corresponding field is
// left unset.
const (
	DefaultHeartbeatInterval    = 2 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultElectionTimeout      = 10 * time.Second
	DefaultCatchUpTimeout       = 30 * time.Second
	DefaultCatchUpTakeoverDelay = 30 * time.Second

	// CatchUpDisabled and CatchUpTakeoverDisabled turn the respective
	// mechanisms off when assigned to their timeout fields.
	CatchUpDisabled         = time.Duration(-1)
	CatchUpTakeoverDisabled = time.Duration(-1)
)

// MajorityWriteConcernModeName is the built-in write-concern mode satisfied
// by a majority of voting, data-bearing members.
const MajorityWriteConcernModeName = "majority"

// MemberConfig describes one configured member slot. Read-only once the
// enclosing ReplSetConfig has been built.
type MemberConfig struct {
	ID           repl.MemberID     `json:"id"`
	Host         repl.HostAndPort  `json:"host"`
	Priority     float64           `json:"priority"`
	Votes        int               `json:"votes"`
	Tags         map[string]string `json:"tags,omitempty"`
	SlaveDelay   time.Duration     `json:"slave_delay"`
	Hidden       bool              `json:"hidden"`
	Arbiter      bool              `json:"arbiter"`
	BuildIndexes bool              `json:"build_indexes"`
}

// IsVoter reports whether the member carries a vote.
func (m *MemberConfig) IsVoter() bool { return m.Votes > 0 }

// IsElectable reports whether the member may stand for election at all:
// data-bearing with a positive priority.
func (m *MemberConfig) IsElectable() bool { return !m.Arbiter && m.Priority > 0 }

// ReplSetConfig is one immutable configuration snapshot. Reconfiguration
// replaces the whole snapshot; nothing mutates an installed config.
type ReplSetConfig struct {
	SetName      string         `json:"set_name"`
	ReplicaSetID string         `json:"replica_set_id"`
	Version      int64          `json:"version"`
	Members      []MemberConfig `json:"members"`

	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `json:"heartbeat_timeout"`
	ElectionTimeout      time.Duration `json:"election_timeout"`
	CatchUpTimeout       time.Duration `json:"catch_up_timeout"`
	CatchUpTakeoverDelay time.Duration `json:"catch_up_takeover_delay"`
	ChainingAllowed      bool          `json:"chaining_allowed"`

	// WriteConcernMajorityJournalDefault selects durable optimes (instead of
	// applied optimes) when computing the majority commit point.
	WriteConcernMajorityJournalDefault bool `json:"write_concern_majority_journal_default"`

	// CustomWriteConcerns maps a mode name to tagKey→minimum distinct tag
	// values required among satisfied members.
	CustomWriteConcerns map[string]map[string]int `json:"custom_write_concerns,omitempty"`

	totalVotingMembers int
	majorityVoteCount  int
	writeMajority      int
}

// New applies defaults, validates and freezes a snapshot. The zero values of
// the tunables select the protocol defaults; members default to one vote,
// priority 1 and buildIndexes true unless the raw loader already set them.
func New(cfg ReplSetConfig) (*ReplSetConfig, error) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = DefaultElectionTimeout
	}
	if cfg.CatchUpTimeout == 0 {
		cfg.CatchUpTimeout = DefaultCatchUpTimeout
	}
	if cfg.CatchUpTakeoverDelay == 0 {
		cfg.CatchUpTakeoverDelay = DefaultCatchUpTakeoverDelay
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.calculateMajorities()
	return &cfg, nil
}

func (c *ReplSetConfig) validate() error {
	if c.SetName == "" {
		return fmt.Errorf("replica set config: set name must not be empty")
	}
	if c.Version < 1 {
		return fmt.Errorf("replica set config: version must be >= 1, got %d", c.Version)
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("replica set config: member list must not be empty")
	}
	seenIDs := make(map[repl.MemberID]bool, len(c.Members))
	seenHosts := make(map[repl.HostAndPort]bool, len(c.Members))
	voters := 0
	for i := range c.Members {
		m := &c.Members[i]
		if m.Host.Empty() {
			return fmt.Errorf("replica set config: member %d has no host", i)
		}
		if seenIDs[m.ID] {
			return fmt.Errorf("replica set config: duplicate member id %d", m.ID)
		}
		if seenHosts[m.Host] {
			return fmt.Errorf("replica set config: duplicate member host %s", m.Host)
		}
		seenIDs[m.ID] = true
		seenHosts[m.Host] = true
		if m.Votes < 0 || m.Votes > 1 {
			return fmt.Errorf("replica set config: member %d votes must be 0 or 1, got %d", m.ID, m.Votes)
		}
		if m.Priority < 0 {
			return fmt.Errorf("replica set config: member %d priority must be >= 0, got %v", m.ID, m.Priority)
		}
		if m.Arbiter && m.Priority > 0 {
			return fmt.Errorf("replica set config: member %d is an arbiter and cannot have priority", m.ID)
		}
		if m.Hidden && m.Priority > 0 {
			return fmt.Errorf("replica set config: member %d is hidden and cannot have priority", m.ID)
		}
		voters += m.Votes
	}
	if voters == 0 {
		return fmt.Errorf("replica set config: at least one member must carry a vote")
	}
	return nil
}

func (c *ReplSetConfig) calculateMajorities() {
	voters := 0
	writableVoters := 0
	for i := range c.Members {
		m := &c.Members[i]
		if !m.IsVoter() {
			continue
		}
		voters++
		if !m.Arbiter {
			writableVoters++
		}
	}
	c.totalVotingMembers = voters
	c.majorityVoteCount = voters/2 + 1
	c.writeMajority = c.majorityVoteCount
	if writableVoters < c.writeMajority {
		c.writeMajority = writableVoters
	}
}

// NumMembers returns the member count.
func (c *ReplSetConfig) NumMembers() int { return len(c.Members) }

// MemberAt returns the member config at index i.
func (c *ReplSetConfig) MemberAt(i int) *MemberConfig { return &c.Members[i] }

// TotalVotingMembers returns the summed vote weight of the config.
func (c *ReplSetConfig) TotalVotingMembers() int { return c.totalVotingMembers }

// MajorityVoteCount returns the vote count needed to win an election.
func (c *ReplSetConfig) MajorityVoteCount() int { return c.majorityVoteCount }

// WriteMajority returns the number of data-bearing voters needed before an
// operation counts as majority-committed.
func (c *ReplSetConfig) WriteMajority() int { return c.writeMajority }

// FindMemberIndexByHostAndPort returns the index of the member at host, or
// -1 if no member has that address.
func (c *ReplSetConfig) FindMemberIndexByHostAndPort(host repl.HostAndPort) int {
	for i := range c.Members {
		if c.Members[i].Host == host {
			return i
		}
	}
	return -1
}

// FindMemberIndexByID returns the index of the member with the given id, or
// -1 if no member has it.
func (c *ReplSetConfig) FindMemberIndexByID(id repl.MemberID) int {
	for i := range c.Members {
		if c.Members[i].ID == id {
			return i
		}
	}
	return -1
}

// PriorityRank returns how many members carry a strictly greater priority
// than the given one. Rank 0 means no member outranks it.
func (c *ReplSetConfig) PriorityRank(priority float64) int {
	rank := 0
	for i := range c.Members {
		if c.Members[i].Priority > priority {
			rank++
		}
	}
	return rank
}

// TagPattern is the resolved form of a write-concern mode: a tag key mapped
// to the number of distinct tag values required among satisfied members.
type TagPattern map[string]int

// FindCustomWriteMode resolves a write-concern mode name to its tag pattern.
// The built-in "majority" mode is always available.
func (c *ReplSetConfig) FindCustomWriteMode(name string) (TagPattern, error) {
	if name == MajorityWriteConcernModeName {
		return TagPattern{voterTagKey: c.writeMajority}, nil
	}
	if pattern, ok := c.CustomWriteConcerns[name]; ok {
		return TagPattern(pattern), nil
	}
	return nil, fmt.Errorf("unknown write concern mode %q", name)
}

// voterTagKey is the implicit tag carried by every voting data-bearing
// member, keyed by member id so each such member counts once.
const voterTagKey = "$voter"

// TagsOf returns the member's tags including the implicit voter tag.
func (c *ReplSetConfig) TagsOf(i int) map[string]string {
	m := &c.Members[i]
	tags := make(map[string]string, len(m.Tags)+1)
	for k, v := range m.Tags {
		tags[k] = v
	}
	if m.IsVoter() && !m.Arbiter {
		tags[voterTagKey] = fmt.Sprintf("%d", m.ID)
	}
	return tags
}

// TagMatcher accumulates members against a tag pattern and reports when the
// pattern is satisfied by distinct tag values.
type TagMatcher struct {
	pattern TagPattern
	seen    map[string]map[string]bool
}

// NewTagMatcher builds a matcher for the given resolved pattern.
func NewTagMatcher(pattern TagPattern) *TagMatcher {
	return &TagMatcher{pattern: pattern, seen: make(map[string]map[string]bool)}
}

// Update folds one member's tags in and reports whether every constraint in
// the pattern is now satisfied.
func (t *TagMatcher) Update(tags map[string]string) bool {
	for key, value := range tags {
		if _, constrained := t.pattern[key]; !constrained {
			continue
		}
		if t.seen[key] == nil {
			t.seen[key] = make(map[string]bool)
		}
		t.seen[key][value] = true
	}
	for key, need := range t.pattern {
		if len(t.seen[key]) < need {
			return false
		}
	}
	return true
}
