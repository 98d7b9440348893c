// Package topology implements the replica-set topology coordinator: the
// single state machine that tracks member liveness, drives the heartbeat
// protocol, elects and maintains a primary, selects sync sources, and tracks
// the majority commit point.
//
// # Architecture
//
// One Coordinator instance owns five cooperating responsibilities:
//
//	┌─────────────────────────────────────┐
//	│           COORDINATOR               │
//	├─────────────────────────────────────┤
//	│  Member registry (liveness,         │
//	│  progress, ping latency)            │
//	│                                     │
//	│  Heartbeat engine (requests,        │
//	│  responses, timeouts, actions)      │
//	│                                     │
//	│  Election state machine (role,      │
//	│  leader mode, votes, step-down)     │
//	│                                     │
//	│  Sync source selector (ranking,     │
//	│  chaining policy, blacklist)        │
//	│                                     │
//	│  Commit-point tracker (majority     │
//	│  applied/durable optime)            │
//	└─────────────────────────────────────┘
//
// # Concurrency model
//
// The Coordinator is synchronous and single-threaded in effect. Every method
// assumes exclusive access for its duration; in a multi-threaded host, all
// entry points must run under one external mutex. No method blocks, sleeps,
// performs I/O, or reads the wall clock — callers pass now on every entry
// point, which keeps the whole state machine deterministic under test.
//
// Network traffic happens entirely outside: the driver issues heartbeat and
// vote requests asynchronously and later feeds the completed-or-timed-out
// results back in under the same lock. All waiting semantics (catch-up before
// step-down, majority commit) are pure state queries the driver re-polls.
//
// # Ordering
//
// Optime, term, and config-version comparisons are total orders, and every
// mutation re-checks forward progress before applying, so heartbeat results
// arriving out of order are tolerated.
package topology
