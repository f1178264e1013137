package transport

import "testing"

func TestParseLogicalAddressHostPort(t *testing.T) {
	host, port, err := parseLogicalAddress("abcdefghijklmnop.onion:4001")
	if err != nil {
		t.Fatalf("parseLogicalAddress: %v", err)
	}
	if host != "abcdefghijklmnop.onion" || port != 4001 {
		t.Fatalf("got (%s, %d)", host, port)
	}
}

func TestParseLogicalAddressMultiaddr(t *testing.T) {
	host, port, err := parseLogicalAddress("/dnsaddr/abcdefghijklmnop.onion/tcp/4001/ws/p2p/QmPeerID")
	if err != nil {
		t.Fatalf("parseLogicalAddress: %v", err)
	}
	if host != "abcdefghijklmnop.onion" || port != 4001 {
		t.Fatalf("got (%s, %d)", host, port)
	}
}

func TestParseLogicalAddressMissingPort(t *testing.T) {
	if _, _, err := parseLogicalAddress("/dnsaddr/abcdefghijklmnop.onion/ws"); err == nil {
		t.Fatal("expected error for missing tcp component")
	}
}
