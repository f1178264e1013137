package anonymity

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// control is a minimal line-oriented client for the Tor control protocol.
// It issues AUTHENTICATE, GETINFO, SETCONF, RESETCONF, SIGNAL NEWNYM and
// ADD_ONION; it has no GETCONF operation. Replies are parsed line by line
// looking for a "2xx" status code, per spec.md 6.
//
// This purposefully bypasses any higher level control wrapper bine exposes
// so the authentication and hidden-service algorithms from spec.md 4.A are
// visible and directly testable (see control_test.go).
type control struct {
	conn net.Conn
	r    *bufio.Reader

	lock sync.Mutex
}

// dialControl connects to the daemon's control port, reads the auth cookie
// from disk, hex-encodes it and authenticates, per spec.md 4.A.
func dialControl(ctx context.Context, port int, cookiePath string) (*control, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("dial control port: %w", err)
	}
	c := &control{conn: conn, r: bufio.NewReader(conn)}

	cookie, err := os.ReadFile(cookiePath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth cookie: %w", err)
	}
	if _, err := c.sendAwaitOK(fmt.Sprintf("AUTHENTICATE %s", hex.EncodeToString(cookie))); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return c, nil
}

func (c *control) close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.conn.Close()
}

// send writes a single command terminated by CRLF and reads back the full
// reply (possibly multi-line, "250-" continuation lines followed by a final
// "250 " or "250 OK" line).
func (c *control) send(cmd string) ([]string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return lines, err
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			// Final line of the reply: "NNN <text>" with a space, not a dash.
			break
		}
	}
	return lines, nil
}

// sendAwaitOK sends a command and requires the final status code to be 2xx.
func (c *control) sendAwaitOK(cmd string) ([]string, error) {
	lines, err := c.send(cmd)
	if err != nil {
		return lines, err
	}
	if len(lines) == 0 {
		return lines, errors.New("anonymity: empty control reply")
	}
	last := lines[len(lines)-1]
	if len(last) < 3 || last[0] != '2' {
		return lines, fmt.Errorf("anonymity: control command failed: %s", strings.Join(lines, " | "))
	}
	return lines, nil
}

// bootstrapPercent queries GETINFO status/bootstrap-phase and extracts the
// PROGRESS= value.
func (c *control) bootstrapPercent() (int, error) {
	lines, err := c.sendAwaitOK("GETINFO status/bootstrap-phase")
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		idx := strings.Index(line, "PROGRESS=")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("PROGRESS="):]
		end := strings.IndexAny(rest, " \t")
		if end >= 0 {
			rest = rest[:end]
		}
		pct, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("anonymity: parse bootstrap progress: %w", err)
		}
		return pct, nil
	}
	return 0, errors.New("anonymity: no PROGRESS field in bootstrap-phase reply")
}

// resetConf issues RESETCONF for the named option, clearing any prior value.
func (c *control) resetConf(option string) error {
	_, err := c.sendAwaitOK("RESETCONF " + option)
	return err
}

// setBridges issues SETCONF UseBridges=1 and one Bridge= line per entry.
func (c *control) setBridges(lines []string) error {
	if len(lines) == 0 {
		_, err := c.sendAwaitOK("SETCONF UseBridges=0")
		return err
	}
	cmd := "SETCONF UseBridges=1"
	for _, b := range lines {
		cmd += fmt.Sprintf(" Bridge=%q", b)
	}
	_, err := c.sendAwaitOK(cmd)
	return err
}

// signalNewnym requests a fresh circuit/identity.
func (c *control) signalNewnym() error {
	_, err := c.sendAwaitOK("SIGNAL NEWNYM")
	return err
}

// addOnion creates an ephemeral ed25519-v3 hidden service mapping virtual
// port localPort to 127.0.0.1:localPort, per spec.md 4.A/6.
func (c *control) addOnion(localPort int) (string, error) {
	cmd := fmt.Sprintf("ADD_ONION NEW:ED25519-V3 Port=%d,127.0.0.1:%d", localPort, localPort)
	lines, err := c.sendAwaitOK(cmd)
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, "250-ServiceID="); ok {
			sid := strings.TrimSpace(rest)
			if !strings.HasSuffix(sid, ".onion") {
				sid += ".onion"
			}
			return sid, nil
		}
	}
	return "", fmt.Errorf("anonymity: missing ServiceID in ADD_ONION reply: %s", strings.Join(lines, " | "))
}

// listOnions returns the onion hosts created through this control channel by
// querying GETINFO onions/current (service IDs only; without the .onion
// suffix per Tor's own reply format, restored here for consistency).
func (c *control) listOnions() []string {
	lines, err := c.sendAwaitOK("GETINFO onions/current")
	if err != nil {
		return nil
	}
	var onions []string
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, "250-onions/current="); ok {
			id := strings.TrimSpace(rest)
			if id == "" {
				continue
			}
			if !strings.HasSuffix(id, ".onion") {
				id += ".onion"
			}
			onions = append(onions, id)
		}
	}
	return onions
}
