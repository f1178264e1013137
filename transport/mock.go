package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/akutz/memconn"
)

// mockGateway simulates the whole anonymity overlay in process: dialing a
// logical address resolves directly to a registered in-memory listener, with
// no real network or SOCKS hop involved at all. This generalizes
// tornet/gateway.go's mockGateway (which simulated onion addressing over
// loopback TCP) to memconn, so tests never touch a real socket.
type mockGateway struct {
	name string

	lock      sync.Mutex
	listeners map[string]net.Listener
}

// mockGatewayNetwork is shared process-wide state keyed by logical address,
// letting independently-constructed mock gateways in the same test dial one
// another the way separate nodes on a real anonymity overlay would.
var mockGatewayNetwork = struct {
	lock sync.Mutex
	reg  map[string]net.Listener
}{reg: make(map[string]net.Listener)}

// NewMockGateway returns a Gateway with no real network dependency, backed
// entirely by in-process memconn pipes. name is the logical address this
// gateway's Listen calls register under for other mock gateways to dial.
func NewMockGateway(name string) Gateway {
	return &mockGateway{name: name, listeners: make(map[string]net.Listener)}
}

// Dial extracts the host component from addr exactly as the real SOCKS
// dialer does, then looks it up in the shared mock registry and connects to
// it via memconn, ignoring SOCKS/anonymity entirely. Registering gateways
// under their bare host (no port) is sufficient since mock addressing has
// no real DNS or onion resolution to emulate.
func (g *mockGateway) Dial(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := parseLogicalAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid mock address %q: %w", addr, err)
	}
	mockGatewayNetwork.lock.Lock()
	_, ok := mockGatewayNetwork.reg[host]
	mockGatewayNetwork.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: mock gateway has no listener registered for %q", host)
	}
	return memconn.DialContext(ctx, "memb", host)
}

// Listen binds an in-memory listener under this gateway's own name, standing
// in for a hidden service forwarding into a local port. localPort is
// ignored; mock gateways are addressed by name, not port.
func (g *mockGateway) Listen(localPort int) (net.Listener, error) {
	l, err := memconn.Listen("memb", g.name)
	if err != nil {
		return nil, fmt.Errorf("transport: mock listen %q: %w", g.name, err)
	}

	mockGatewayNetwork.lock.Lock()
	mockGatewayNetwork.reg[g.name] = l
	mockGatewayNetwork.lock.Unlock()

	g.lock.Lock()
	g.listeners[g.name] = l
	g.lock.Unlock()

	return &deregisteringListener{Listener: l, name: g.name}, nil
}

// deregisteringListener removes its address from the shared mock registry
// once closed, so a stopped node stops looking reachable to others.
type deregisteringListener struct {
	net.Listener
	name string
}

func (l *deregisteringListener) Close() error {
	mockGatewayNetwork.lock.Lock()
	delete(mockGatewayNetwork.reg, l.name)
	mockGatewayNetwork.lock.Unlock()
	return l.Listener.Close()
}
