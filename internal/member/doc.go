// Package member holds the per-member bookkeeping the topology coordinator
// maintains between heartbeats: liveness, reported state, replication
// progress, and round-trip latency statistics.
//
// A Data record lives exactly as long as the configuration snapshot that
// created it. Reconfiguration rebuilds the whole registry, carrying matching
// records over; nothing outside the coordinator should retain a *Data across
// a reconfiguration boundary.
//
// All mutation is forward-progress guarded: reported optimes only move
// ahead, so heartbeat results applied out of order cannot regress a member's
// recorded progress. Reported state and term always take the latest value.
package member
