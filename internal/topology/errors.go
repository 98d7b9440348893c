package topology

import "errors"

// Error taxonomy of the coordinator. Precondition and state violations come
// back as wrapped sentinel errors a caller can test with errors.Is; transient
// link failures never surface as errors at all (they are absorbed into
// member down-state); broken driver contracts panic.
var (
	// ErrNotMaster means an operation that requires being primary was
	// invoked on a non-primary node.
	ErrNotMaster = errors.New("node is not primary")

	// ErrNotSecondary means an operation that requires being a readable
	// secondary was invoked elsewhere.
	ErrNotSecondary = errors.New("node is not a secondary")

	// ErrNodeNotElectable means the node failed one or more electability
	// checks; the wrapped message names every failed check.
	ErrNodeNotElectable = errors.New("node is not electable")

	// ErrConflictingOperationInProgress means a conflicting state transition
	// is already running, e.g. a second concurrent step-down attempt.
	ErrConflictingOperationInProgress = errors.New("conflicting operation in progress")

	// ErrInvalidReplicaSetConfig means this node's config is missing,
	// invalid, or does not include this node.
	ErrInvalidReplicaSetConfig = errors.New("invalid replica set config")

	// ErrInconsistentReplicaSetNames means a peer reported a different
	// replica set name than ours.
	ErrInconsistentReplicaSetNames = errors.New("inconsistent replica set names")

	// ErrPrimarySteppedDown means the node stopped being primary (or its
	// term moved on) while a primary-only multi-step operation was underway.
	ErrPrimarySteppedDown = errors.New("primary stepped down")

	// ErrExceededTimeLimit means a deadline passed before an operation's
	// preconditions were met.
	ErrExceededTimeLimit = errors.New("exceeded time limit")

	// ErrNodeNotFound means the named member is not in the current config.
	ErrNodeNotFound = errors.New("node not found in replica set config")

	// ErrInvalidOptions means an operator request named an unusable target.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrUnauthorized means the target member rejected our credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrHostUnreachable means the target member is down.
	ErrHostUnreachable = errors.New("host unreachable")

	// ErrBadValue means a request payload failed validation.
	ErrBadValue = errors.New("bad value")
)
