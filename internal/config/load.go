package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/replset/internal/repl"
)

// fileMember is the YAML shape of one member entry. Durations are given in
// seconds; unset priority/votes/build_indexes take the replica-set defaults.
type fileMember struct {
	ID           int               `yaml:"id"`
	Host         string            `yaml:"host"`
	Priority     *float64          `yaml:"priority"`
	Votes        *int              `yaml:"votes"`
	Tags         map[string]string `yaml:"tags"`
	SlaveDelay   int64             `yaml:"slave_delay_seconds"`
	Hidden       bool              `yaml:"hidden"`
	Arbiter      bool              `yaml:"arbiter"`
	BuildIndexes *bool             `yaml:"build_indexes"`
}

// fileConfig is the YAML shape of a replica-set config file.
type fileConfig struct {
	SetName      string       `yaml:"set_name"`
	ReplicaSetID string       `yaml:"replica_set_id"`
	Version      int64        `yaml:"version"`
	Members      []fileMember `yaml:"members"`

	HeartbeatIntervalMillis    int64 `yaml:"heartbeat_interval_millis"`
	HeartbeatTimeoutMillis     int64 `yaml:"heartbeat_timeout_millis"`
	ElectionTimeoutMillis      int64 `yaml:"election_timeout_millis"`
	CatchUpTimeoutMillis       int64 `yaml:"catch_up_timeout_millis"`
	CatchUpTakeoverDelayMillis int64 `yaml:"catch_up_takeover_delay_millis"`

	ChainingAllowed                    *bool `yaml:"chaining_allowed"`
	WriteConcernMajorityJournalDefault *bool `yaml:"write_concern_majority_journal_default"`

	CustomWriteConcerns map[string]map[string]int `yaml:"custom_write_concerns"`
}

// Load reads and validates a replica-set config snapshot from a YAML file.
func Load(path string) (*ReplSetConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg := ReplSetConfig{
		SetName:             fc.SetName,
		ReplicaSetID:        fc.ReplicaSetID,
		Version:             fc.Version,
		CustomWriteConcerns: fc.CustomWriteConcerns,
		ChainingAllowed:     true,
		WriteConcernMajorityJournalDefault: true,

		HeartbeatInterval:    time.Duration(fc.HeartbeatIntervalMillis) * time.Millisecond,
		HeartbeatTimeout:     time.Duration(fc.HeartbeatTimeoutMillis) * time.Millisecond,
		ElectionTimeout:      time.Duration(fc.ElectionTimeoutMillis) * time.Millisecond,
		CatchUpTimeout:       time.Duration(fc.CatchUpTimeoutMillis) * time.Millisecond,
		CatchUpTakeoverDelay: time.Duration(fc.CatchUpTakeoverDelayMillis) * time.Millisecond,
	}
	if fc.ChainingAllowed != nil {
		cfg.ChainingAllowed = *fc.ChainingAllowed
	}
	if fc.WriteConcernMajorityJournalDefault != nil {
		cfg.WriteConcernMajorityJournalDefault = *fc.WriteConcernMajorityJournalDefault
	}
	for _, fm := range fc.Members {
		m := MemberConfig{
			ID:           repl.MemberID(fm.ID),
			Host:         repl.HostAndPort(fm.Host),
			Priority:     1,
			Votes:        1,
			Tags:         fm.Tags,
			SlaveDelay:   time.Duration(fm.SlaveDelay) * time.Second,
			Hidden:       fm.Hidden,
			Arbiter:      fm.Arbiter,
			BuildIndexes: true,
		}
		if fm.Priority != nil {
			m.Priority = *fm.Priority
		}
		if fm.Votes != nil {
			m.Votes = *fm.Votes
		}
		if fm.BuildIndexes != nil {
			m.BuildIndexes = *fm.BuildIndexes
		}
		if fm.Arbiter || fm.Hidden {
			m.Priority = 0
		}
		cfg.Members = append(cfg.Members, m)
	}
	return New(cfg)
}
