// allib - Anonymous library content exchange core
// Package anonymity supervises the Tor daemon this node routes through.
//
// The manager never talks to the overlay or transport packages directly; it
// exposes a SOCKS egress address and a set of control operations, and lets
// the caller (package transport for dialing, package allib for wiring) use
// them. This mirrors the teacher's separation between the embedded Tor
// process (backend.go) and the network layer built on top of it
// (tornet.Gateway).
package anonymity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/ipsn/go-libtor"

	"github.com/ethereum/go-ethereum/log"
)

// State is the lifecycle of the anonymity manager, per spec.
type State int

const (
	NotStarted State = iota
	Starting
	Bootstrapping
	Ready
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Bootstrapping:
		return "bootstrapping"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// wellKnownSocksAddrs are probed, in order, when the caller did not supply an
// explicit SOCKS address: Tor Browser's bundled SOCKS port, then a system Tor
// daemon's default port.
var wellKnownSocksAddrs = []string{"127.0.0.1:9150", "127.0.0.1:9050"}

// Config controls how Start selects and configures the underlying daemon.
type Config struct {
	// SocksAddr, if set, is used directly; no daemon is spawned or probed.
	SocksAddr string

	// DataDir is the private directory the embedded daemon writes its state,
	// cookie and runtime-config file into. Required only when spawning.
	DataDir string

	// Bridges, if non-empty, are written into the spawned runtime-config as
	// `Bridge <line>` entries alongside `UseBridges 1`.
	Bridges []string

	// BootstrapTimeout bounds how long Start waits for the cookie file and
	// bootstrap progress before giving up. Defaults to 30s.
	BootstrapTimeout time.Duration
}

// Status is the snapshot returned by Status and at the end of Start.
type Status struct {
	State              State
	BootstrapPercent   int
	CircuitEstablished bool
	BridgesEnabled     bool
	Socks              string
	ControlAvailable   bool
}

// Manager supervises a Tor daemon and exposes its SOCKS egress and control
// channel to the rest of the node. One Manager is created per process.
type Manager struct {
	logger log.Logger

	lock  sync.RWMutex
	state State

	socks   string
	bridges []string

	proxy   *tor.Tor   // non-nil only when we spawned the embedded daemon
	ctl     *control    // line-oriented control channel, nil if unavailable
	dataDir string

	bootstrapPct int
	circuit      bool
}

// New creates an idle anonymity manager. Call Start to bring it up.
func New() *Manager {
	return &Manager{
		logger: log.New("module", "anonymity"),
		state:  NotStarted,
	}
}

// Start brings the manager to Ready (or returns a non-bootstrapped status on
// failure). It is idempotent: calling Start twice on an already-started
// manager just returns the current status.
func (m *Manager) Start(ctx context.Context, config Config) (Status, error) {
	m.lock.Lock()
	if m.state != NotStarted && m.state != Stopped {
		st := m.statusLocked()
		m.lock.Unlock()
		return st, nil
	}
	m.state = Starting
	m.lock.Unlock()

	deadline := config.BootstrapTimeout
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	startCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Strategy 1: explicit external SOCKS address.
	if config.SocksAddr != "" {
		m.logger.Info("Using externally supplied SOCKS egress", "addr", config.SocksAddr)
		return m.finishExternal(config.SocksAddr, config.Bridges), nil
	}

	// Strategy 2: discover an already-running client on a well-known port.
	if addr, ok := probeWellKnownSocks(startCtx); ok {
		m.logger.Info("Discovered local Tor client", "addr", addr)
		return m.finishExternal(addr, config.Bridges), nil
	}

	// Strategy 3: spawn a bundled daemon.
	m.logger.Info("Spawning embedded Tor daemon", "dataDir", config.DataDir)
	return m.spawn(startCtx, config)
}

// finishExternal records an already-reachable SOCKS egress without owning a
// control channel (the caller may still enable bridges via a manual control
// address in the future; for now external strategies expose no control).
func (m *Manager) finishExternal(addr string, bridges []string) Status {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.socks = addr
	m.bridges = bridges
	m.state = Ready
	m.bootstrapPct = 100
	m.circuit = true
	return m.statusLocked()
}

// spawn starts an embedded daemon via go-libtor + cretz/bine, waits for the
// authentication cookie and for bootstrap progress, per spec.md 4.A.
func (m *Manager) spawn(ctx context.Context, config Config) (Status, error) {
	if config.DataDir == "" {
		return Status{State: NotStarted}, errors.New("anonymity: DataDir required to spawn embedded daemon")
	}
	if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
		return Status{State: NotStarted}, fmt.Errorf("anonymity: create data dir: %w", err)
	}

	controlPort := pickFreePort()
	socksPort := pickFreePort()

	torrcPath, err := writeTorrc(config.DataDir, controlPort, socksPort, config.Bridges)
	if err != nil {
		return Status{State: NotStarted}, fmt.Errorf("anonymity: write runtime config: %w", err)
	}

	startConf := &tor.StartConf{
		TorrcFile:         torrcPath,
		DataDir:           config.DataDir,
		RetainTempDataDir: true,
	}
	// TOR_BIN_PATH lets an operator point at a system Tor binary instead of
	// the embedded go-libtor daemon, per spec.md 6.
	if exe := os.Getenv("TOR_BIN_PATH"); exe != "" {
		startConf.ExePath = exe
	} else {
		startConf.ProcessCreator = libtor.Creator
	}
	proxy, err := tor.Start(ctx, startConf)
	if err != nil {
		m.setState(NotStarted)
		return Status{State: NotStarted}, fmt.Errorf("anonymity: start daemon: %w", err)
	}

	m.lock.Lock()
	m.proxy = proxy
	m.dataDir = config.DataDir
	m.bridges = config.Bridges
	m.state = Bootstrapping
	m.lock.Unlock()

	// Wait for the authentication cookie to appear, then authenticate our own
	// control channel over the control port we picked above.
	cookiePath := filepath.Join(config.DataDir, "control_auth_cookie")
	if err := waitForFile(ctx, cookiePath); err != nil {
		m.setState(NotStarted)
		return Status{State: NotStarted}, fmt.Errorf("anonymity: auth cookie never appeared: %w", err)
	}

	ctl, err := dialControl(ctx, controlPort, cookiePath)
	if err != nil {
		m.logger.Warn("Could not open control channel to spawned daemon", "err", err)
	} else {
		m.lock.Lock()
		m.ctl = ctl
		m.lock.Unlock()
	}

	if err := m.waitBootstrapped(ctx); err != nil {
		m.setState(NotStarted)
		return Status{State: NotStarted}, err
	}

	socksAddr := fmt.Sprintf("127.0.0.1:%d", socksPort)

	m.lock.Lock()
	m.socks = socksAddr
	m.state = Ready
	m.bootstrapPct = 100
	m.circuit = true
	st := m.statusLocked()
	m.lock.Unlock()

	m.logger.Info("Anonymity daemon ready", "socks", socksAddr)
	return st, nil
}

// waitBootstrapped polls bootstrap progress via the control channel (when
// available) until it reaches 100%, or simply marks progress complete when
// no control channel could be opened (bine itself already waited for a
// functioning circuit as part of tor.Start).
func (m *Manager) waitBootstrapped(ctx context.Context) error {
	m.lock.RLock()
	ctl := m.ctl
	m.lock.RUnlock()

	if ctl == nil {
		return nil
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		pct, err := ctl.bootstrapPercent()
		if err == nil {
			m.lock.Lock()
			m.bootstrapPct = pct
			m.lock.Unlock()
			if pct >= 100 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			m.lock.RLock()
			last := m.bootstrapPct
			m.lock.RUnlock()
			return fmt.Errorf("anonymity: bootstrap deadline exceeded at %d%%", last)
		case <-ticker.C:
		}
	}
}

// Status returns the current bootstrap state.
func (m *Manager) Status() Status {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:              m.state,
		BootstrapPercent:   m.bootstrapPct,
		CircuitEstablished: m.circuit,
		BridgesEnabled:     len(m.bridges) > 0,
		Socks:              m.socks,
		ControlAvailable:   m.ctl != nil,
	}
}

// EnableBridges resets any prior bridge configuration and applies new lines
// via the control channel, per spec.md 4.A.
func (m *Manager) EnableBridges(lines []string) error {
	m.lock.Lock()
	ctl := m.ctl
	m.lock.Unlock()

	if ctl == nil {
		return errors.New("anonymity: no control channel available")
	}
	if err := ctl.resetConf("UseBridges"); err != nil {
		return err
	}
	if err := ctl.setBridges(lines); err != nil {
		return err
	}
	m.lock.Lock()
	m.bridges = lines
	m.lock.Unlock()
	return nil
}

// RotateCircuit signals the daemon to acquire a new identity (SIGNAL NEWNYM).
func (m *Manager) RotateCircuit() error {
	m.lock.RLock()
	ctl := m.ctl
	m.lock.RUnlock()

	if ctl == nil {
		return errors.New("anonymity: no control channel available")
	}
	return ctl.signalNewnym()
}

// CreateHiddenService opens an ephemeral hidden service mapping virtual port
// localPort to 127.0.0.1:localPort, returning the ".onion" host.
func (m *Manager) CreateHiddenService(localPort int) (string, error) {
	m.lock.RLock()
	ctl := m.ctl
	proxy := m.proxy
	m.lock.RUnlock()

	if ctl != nil {
		return ctl.addOnion(localPort)
	}
	if proxy == nil {
		return "", errors.New("anonymity: no daemon available to create hidden service")
	}
	// A spawned daemon whose control port could not be authenticated; fall
	// back to bine's own onion-service API against the embedded proxy object.
	// External strategies have neither and return the error above.
	onion, err := proxy.Listen(context.Background(), &tor.ListenConf{
		RemotePorts: []int{localPort},
		Version3:    true,
	})
	if err != nil {
		return "", fmt.Errorf("anonymity: create hidden service: %w", err)
	}
	return onion.Addr().String(), nil
}

// ListHidden returns the onion hosts of all services this manager created
// through its control channel.
func (m *Manager) ListHidden() []string {
	m.lock.RLock()
	ctl := m.ctl
	m.lock.RUnlock()
	if ctl == nil {
		return nil
	}
	return ctl.listOnions()
}

// Stop tears down the embedded daemon, if any, and any control channel.
func (m *Manager) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var err error
	if m.ctl != nil {
		m.ctl.close()
		m.ctl = nil
	}
	if m.proxy != nil {
		err = m.proxy.Close()
		m.proxy = nil
	}
	m.state = Stopped
	m.socks = ""
	return err
}

func (m *Manager) setState(s State) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.state = s
}

// probeWellKnownSocks tries each well-known local SOCKS port with a short
// dial timeout and returns the first reachable one.
func probeWellKnownSocks(ctx context.Context) (string, bool) {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	for _, addr := range wellKnownSocksAddrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		conn.Close()
		return addr, true
	}
	return "", false
}

// waitForFile polls for a file's existence up to the context deadline.
func waitForFile(ctx context.Context, path string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
