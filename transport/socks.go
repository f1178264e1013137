package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// dialTimeout bounds a SOCKS5 CONNECT to the overlay's session layer, per
// spec.md 5.
const dialTimeout = 20 * time.Second

// proxiedGateway dials arbitrary host:port destinations through a local
// SOCKS5 egress (the anonymity manager's SOCKS address), and listens on a
// chosen loopback port for the hidden service to forward into. It is the
// production Gateway implementation, grounded on tornet/gateway.go's
// torGateway, generalized from onion-only destinations to any host:port per
// spec.md 4.B.
type proxiedGateway struct {
	socksAddr string
}

// NewProxiedGateway creates a Gateway that tunnels all outbound dials through
// the SOCKS5 egress at socksAddr.
func NewProxiedGateway(socksAddr string) Gateway {
	return &proxiedGateway{socksAddr: socksAddr}
}

// Dial parses a logical address, extracting host and TCP port, and connects
// to it through the local SOCKS egress. Accepts DNS-like, IPv4, and IPv6
// host forms, and the /dnsaddr/.../tcp/<port>/... multiaddr notation from
// spec.md 6.
func (g *proxiedGateway) Dial(ctx context.Context, addr string) (net.Conn, error) {
	host, port, err := parseLogicalAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}
	dialer, err := proxy.SOCKS5("tcp", g.socksAddr, nil, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("transport: build SOCKS5 dialer: %w", err)
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial("tcp", target)
		done <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("transport: socks dial %s: %w", target, r.err)
		}
		return r.conn, nil
	case <-time.After(dialTimeout):
		return nil, fmt.Errorf("transport: socks dial %s: timed out", target)
	}
}

// Listen binds a TCP listener on loopback:localPort for the hidden service
// to forward into.
func (g *proxiedGateway) Listen(localPort int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
}

// parseLogicalAddress extracts (host, port) from either a bare "host:port"
// or the multiaddr-flavored notation from spec.md 6:
// /dnsaddr/<host>/tcp/<port>/ws[/p2p/<peer-id>].
func parseLogicalAddress(addr string) (string, int, error) {
	if strings.HasPrefix(addr, "/") {
		return parseMultiaddr(addr)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

func parseMultiaddr(addr string) (string, int, error) {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	var host string
	var port int
	for i := 0; i+1 < len(parts); i += 2 {
		switch parts[i] {
		case "dnsaddr", "dns4", "dns6", "dns", "ip4", "ip6":
			host = parts[i+1]
		case "tcp":
			p, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return "", 0, fmt.Errorf("invalid tcp component: %w", err)
			}
			port = p
		}
	}
	if host == "" {
		return "", 0, errors.New("missing host component")
	}
	if port == 0 {
		return "", 0, errors.New("missing tcp port component")
	}
	return host, port, nil
}
