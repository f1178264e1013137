// allib - Anonymous library content exchange core
//
// Package allib exposes the Command Façade: a stable, typed command API
// over a single Overlay Runtime, plus the anonymity bootstrap that must
// complete before the runtime can start. One Node is created per process.
package allib

import (
	"os"
	"strings"
	"time"
)

// bootstrapEnv names the environment variable carrying seed-peer addresses
// dialed at startup, per spec.md 6.
const bootstrapEnv = "ALLIB_BOOTSTRAP_ONIONS"

// Config controls how Start brings the anonymity manager and the overlay
// runtime up.
type Config struct {
	// DataDir is the private directory the embedded anonymity daemon writes
	// its state into.
	DataDir string

	// SocksAddr, if set, is used directly instead of spawning a daemon.
	SocksAddr string

	// Bridges are passed through to the anonymity manager's bridge mode.
	Bridges []string

	// BootstrapTimeout bounds anonymity bootstrap; defaults to 30s.
	BootstrapTimeout time.Duration

	// LocalPort is the loopback port the overlay listens on and the hidden
	// service forwards into. Zero defaults to 4001 (see Start).
	LocalPort int

	// VirtualPort is the port remote peers dial on the hidden service.
	VirtualPort int

	// Bootstrap is a list of seed-peer addresses dialed once the runtime is
	// up. If nil, ALLIB_BOOTSTRAP_ONIONS is consulted.
	Bootstrap []string
}

// bootstrapFromEnv parses ALLIB_BOOTSTRAP_ONIONS as a comma-separated list
// of host:port seed addresses, per spec.md 6.
func bootstrapFromEnv() []string {
	raw := os.Getenv(bootstrapEnv)
	if raw == "" {
		return nil
	}
	var addrs []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			addrs = append(addrs, part)
		}
	}
	return addrs
}

// resolveBootstrap returns cfg.Bootstrap if set, otherwise falls back to the
// environment variable.
func resolveBootstrap(cfg Config) []string {
	if len(cfg.Bootstrap) > 0 {
		return cfg.Bootstrap
	}
	return bootstrapFromEnv()
}
