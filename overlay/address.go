package overlay

import (
	"fmt"
	"strings"
)

// buildAnnounceAddress renders the self-announce address in the
// multi-component notation from spec.md 6:
// /dnsaddr/<onion-host>/tcp/<port>/ws/p2p/<peer-id>.
func buildAnnounceAddress(onionHost string, virtualPort int, peer PeerID) string {
	return fmt.Sprintf("/dnsaddr/%s/tcp/%d/ws/p2p/%s", onionHost, virtualPort, peer)
}

// parseAnnouncePeerID extracts the trailing /p2p/<peer-id> component from an
// announce address, if present. p2p/<peer-id> is optional on dial but
// required in self-announce per spec.md 6.
func parseAnnouncePeerID(addr string) (PeerID, bool) {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "p2p" {
			return PeerID(parts[i+1]), true
		}
	}
	return "", false
}

// looksLikeAnnounceAddress reports whether addr parses as the expected
// multi-component notation, used to validate inbound peers-topic gossip
// before dialing it (spec.md 4.C: "any inbound gossip ... that parses as a
// valid multi-component address is dialed").
func looksLikeAnnounceAddress(addr string) bool {
	return strings.HasPrefix(addr, "/dnsaddr/") && strings.Contains(addr, "/tcp/") && strings.Contains(addr, "/ws")
}
