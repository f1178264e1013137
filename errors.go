package allib

import (
	"errors"
	"fmt"

	"github.com/allibrary/allib/overlay"
)

// Sentinel errors the façade itself can return, independent of any runtime
// command.
var (
	// ErrNotStarted is returned by any command method called before Start or
	// after Stop.
	ErrNotStarted = errors.New("allib: p2p runtime not started")

	// ErrAnonymityUnavailable is returned by Start when the anonymity
	// manager never reached Ready.
	ErrAnonymityUnavailable = errors.New("allib: anonymity layer unavailable")

	// ErrFatalInit mirrors overlay.ErrFatalInit at the façade boundary.
	ErrFatalInit = overlay.ErrFatalInit
)

// mapFacadeMessage renders an internal overlay error as the stable,
// domain-prefixed string callers see, per spec.md 7.
func mapFacadeMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, overlay.ErrNoPeers):
		return "no peers connected"
	case errors.Is(err, overlay.ErrSlotBusy):
		return "fetch already in progress"
	case errors.Is(err, overlay.ErrDHTQuorumFailure):
		return "dht quorum failure"
	case errors.Is(err, overlay.ErrCallerGone):
		return "caller gone"
	case errors.Is(err, overlay.ErrFatalInit):
		return "hidden service could not be created"
	default:
		return fmt.Sprintf("p2p error: %v", err)
	}
}
