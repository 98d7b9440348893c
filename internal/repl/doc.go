// Package repl defines the shared value types of the replica-set coordination
// layer: operation times, election terms, member states, roles, and the
// request/response payloads exchanged between members.
//
// # Overview
//
// Every other package in this module speaks in terms of these types. They are
// plain values with total-order comparisons and no behavior beyond that, so
// the package sits at the bottom of the dependency graph and imports nothing
// from the rest of the module.
//
// # Ordering
//
// OpTime orders by term first and timestamp second. Term is a monotonically
// non-decreasing election epoch. Config versions order as plain integers.
// These three total orders are what lets the coordinator apply out-of-order
// heartbeat results safely: every mutation re-checks forward progress against
// them before applying.
//
// # Wire format
//
// The structs carry JSON tags for the HTTP transport, but nothing in this
// package performs I/O. Encoding happens in internal/transport and in the
// daemon handlers.
package repl
