// Package lastvote persists the node's most recently granted election vote.
//
// A node must never cast two votes in the same term, even across a process
// restart. The store writes the vote to a small msgpack file with an
// atomic rename, and the daemon reloads it before answering any vote
// request.
package lastvote
