// Package transport carries the replica-set control plane over HTTP+JSON.
//
// Each member exposes POST endpoints for heartbeats, vote requests and
// replication progress, plus a GET endpoint serving its current config.
// The client side measures heartbeat round-trip times for the topology
// coordinator's ping statistics and maps 401 responses to the coordinator's
// unauthorized error so credential failures are distinguishable from
// unreachable hosts.
package transport
