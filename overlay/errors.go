package overlay

import "errors"

// Sentinel errors corresponding to the error kinds named in spec.md 7. The
// façade layer maps these onto its own stable, domain-prefixed messages;
// the runtime itself only ever returns these kinds.
var (
	// ErrNoPeers is returned by Fetch when the connected peer set is empty.
	ErrNoPeers = errors.New("no peers connected")

	// ErrSlotBusy is returned when a second Fetch arrives while one is
	// already in progress. Search does not return this; a second Search
	// quietly returns only the current local match (see handleSearch).
	ErrSlotBusy = errors.New("fetch already in progress")

	// ErrDHTQuorumFailure is returned by GetRecord when no unexpired record
	// exists for the requested key.
	ErrDHTQuorumFailure = errors.New("dht quorum failure")

	// ErrCallerGone is the result a pending Fetch receives when the runtime
	// is stopped before the transfer finishes. Reply sends block until the
	// caller's channel accepts them; the runtime does not detect a caller
	// that has stopped listening.
	ErrCallerGone = errors.New("caller gone")

	// ErrFatalInit is returned from StartRuntime when the hidden service
	// could not be created; without an inbound endpoint the runtime cannot
	// serve chunks, so startup aborts entirely.
	ErrFatalInit = errors.New("fatal init: hidden service could not be created")
)
