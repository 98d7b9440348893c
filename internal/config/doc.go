// Package config models the replica-set configuration snapshot: the ordered
// member list, per-member attributes (priority, votes, tags, delays), and the
// protocol tunables (heartbeat interval, election timeout, chaining policy).
//
// A ReplSetConfig is immutable once built. Reconfiguration installs a whole
// new snapshot with a higher version; nothing ever mutates an installed
// config in place, so readers mid-heartbeat-cycle always see one consistent
// version.
//
// The package also loads snapshots from YAML files for the daemon. The
// coordinator core never parses anything itself; it consumes an already
// validated *ReplSetConfig.
package config
