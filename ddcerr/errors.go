// Package ddcerr defines the sentinel error codes surfaced by the
// deduplication index core, matching the taxonomy in spec.md section 7.
package ddcerr

import "errors"

// Sentinel errors. Call sites wrap these with fmt.Errorf("...: %w", Err...)
// and callers unwrap with errors.Is.
var (
	// ErrNotSavedCleanly means the on-disk state was loaded without a
	// saved open chapter and the caller did not allow a replay.
	ErrNotSavedCleanly = errors.New("index not saved cleanly")

	// ErrNoIndex means a LOAD was requested but no prior index exists.
	ErrNoIndex = errors.New("no index exists")

	// ErrCorruptComponent means a collaborator reported structurally
	// invalid persisted state; construction cannot continue.
	ErrCorruptComponent = errors.New("corrupt component")

	// ErrCorruptData means data read back during replay violates an
	// index-page-map invariant.
	ErrCorruptData = errors.New("corrupt data")

	ErrOutOfMemory = errors.New("out of memory")

	// ErrOverflow is returned by the master index when a delta list is
	// full; it is transient-tolerated by search and replay.
	ErrOverflow = errors.New("master index overflow")

	// ErrDuplicateName is returned by the master index on a redundant
	// insert; it is transient-tolerated by replay.
	ErrDuplicateName = errors.New("duplicate name")

	ErrBadState = errors.New("bad state")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrShuttingDown is not a failure: it is replay's clean-abort signal
	// when LoadContext transitions to FREEING mid-replay.
	ErrShuttingDown = errors.New("shutting down")
)
