package anonymity

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// pickFreePort asks the OS for an ephemeral loopback TCP port and releases it
// immediately; mirrors the free-port idiom the teacher's mock Tor gateway
// uses (tornet/gateway.go) and the original Rust implementation's
// pick_free_port.
func pickFreePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// writeTorrc generates the runtime-config file for a spawned daemon, per
// spec.md 6 ("Embedded-daemon runtime config"): DataDirectory, ControlPort,
// CookieAuthentication, SocksPort, optional bridge lines, and a log sink.
// Path values are quoted to tolerate spaces.
func writeTorrc(dataDir string, controlPort, socksPort int, bridges []string) (string, error) {
	logPath := filepath.Join(dataDir, "tor.log")

	var b strings.Builder
	fmt.Fprintf(&b, "DataDirectory %q\n", dataDir)
	fmt.Fprintf(&b, "ControlPort %d\n", controlPort)
	b.WriteString("CookieAuthentication 1\n")
	fmt.Fprintf(&b, "SocksPort %d\n", socksPort)
	if len(bridges) > 0 {
		b.WriteString("UseBridges 1\n")
		for _, line := range bridges {
			fmt.Fprintf(&b, "Bridge %s\n", line)
		}
	}
	fmt.Fprintf(&b, "Log notice file %q\n", logPath)

	torrcPath := filepath.Join(dataDir, "torrc")
	if err := os.WriteFile(torrcPath, []byte(b.String()), 0o600); err != nil {
		return "", err
	}
	return torrcPath, nil
}
