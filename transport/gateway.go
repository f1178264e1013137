// Package transport provides the overlay with an outbound dialer that routes
// through the local anonymity SOCKS egress, and a local listener that a
// hidden service forwards inbound connections to.
//
// The Gateway abstraction and its in-process mock mirror tornet/gateway.go
// from the teacher: production code dials real destinations, tests swap in
// a Gateway backed entirely by in-memory pipes.
package transport

import (
	"context"
	"net"
)

// Gateway is an entry point for both outbound dials and inbound listeners.
// Real code uses NewProxiedGateway (SOCKS5 through the anonymity egress);
// tests use NewMockGateway (memconn-backed, no network at all).
type Gateway interface {
	// Dial opens a byte stream to a logical address (host:port, or the
	// /dnsaddr/<host>/tcp/<port>/... form) through the gateway's egress.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen binds a local listener that accepts inbound connections arriving
	// through the gateway (a hidden service forwarding to localPort, in the
	// real implementation).
	Listen(localPort int) (net.Listener, error)
}
