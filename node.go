package allib

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/allibrary/allib/anonymity"
	"github.com/allibrary/allib/overlay"
	"github.com/allibrary/allib/transport"
	"github.com/ethereum/go-ethereum/log"
)

// Node is the Command Façade: it owns the anonymity manager and the overlay
// runtime for one process and exposes one method per command in spec.md
// 4.D. Node itself holds no overlay state; every method just builds a
// Command and forwards it to the runtime's inbound queue.
type Node struct {
	logger log.Logger

	anon    *anonymity.Manager
	runtime *overlay.Runtime

	housekeeping *housekeeper

	mu     sync.RWMutex
	closed bool
}

// cell is the small process-wide pointer spec.md 5 describes: established
// once in Start, cleared in Stop, read-mostly thereafter under a short-lived
// lock. It exists because the façade is invoked from many unrelated caller
// contexts (REST handlers, a TUI, CLI commands) that never hold a reference
// to the Node directly.
var cell struct {
	lock sync.RWMutex
	node *Node
}

// Start brings the anonymity layer up, then starts the overlay runtime, and
// installs the resulting Node as the process-wide active node. Calling Start
// while a node is already active returns that node instead of starting a
// second one.
func Start(ctx context.Context, cfg Config) (*Node, error) {
	cell.lock.Lock()
	if cell.node != nil {
		existing := cell.node
		cell.lock.Unlock()
		return existing, nil
	}
	cell.lock.Unlock()

	logger := log.New("module", "allib")

	anon := anonymity.New()
	status, err := anon.Start(ctx, anonymity.Config{
		SocksAddr:        cfg.SocksAddr,
		DataDir:          cfg.DataDir,
		Bridges:          cfg.Bridges,
		BootstrapTimeout: cfg.BootstrapTimeout,
	})
	if err != nil || status.State != anonymity.Ready {
		return nil, fmt.Errorf("%w: %v", ErrAnonymityUnavailable, err)
	}

	localPort := cfg.LocalPort
	if localPort == 0 {
		localPort = 4001
	}
	virtualPort := cfg.VirtualPort
	if virtualPort == 0 {
		virtualPort = localPort
	}

	gateway := transport.NewProxiedGateway(status.Socks)
	runtime, err := overlay.StartRuntime(overlay.Config{
		Gateway:     gateway,
		Hidden:      anon,
		LocalPort:   localPort,
		VirtualPort: virtualPort,
		Bootstrap:   resolveBootstrap(cfg),
		Logger:      log.New("module", "overlay"),
	})
	if err != nil {
		anon.Stop()
		return nil, err
	}

	n := &Node{logger: logger, anon: anon, runtime: runtime}
	n.housekeeping = startHousekeeper(runtime, logger)

	cell.lock.Lock()
	cell.node = n
	cell.lock.Unlock()

	return n, nil
}

// Active returns the process-wide node, if one is running.
func Active() (*Node, bool) {
	cell.lock.RLock()
	defer cell.lock.RUnlock()
	return cell.node, cell.node != nil
}

// Stop tears down the overlay runtime and the anonymity manager, and clears
// the process-wide cell. Calling Stop more than once returns ErrNotStarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.closed = true
	n.mu.Unlock()

	cell.lock.Lock()
	if cell.node == n {
		cell.node = nil
	}
	cell.lock.Unlock()

	n.housekeeping.stop()
	n.runtime.Stop()
	return n.anon.Stop()
}

// active reports whether the node is still between Start and Stop. Every
// façade method below checks this before touching the runtime, so a call
// made after Stop returns ErrNotStarted instead of blocking forever on a
// reply the stopped event loop will never send.
func (n *Node) active() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.closed
}

// AddBootstrap dials every address in addrs.
func (n *Node) AddBootstrap(addrs []string) {
	if !n.active() {
		return
	}
	n.runtime.Submit(overlay.AddBootstrapCmd{Addrs: addrs})
}

// PublishHash broadcasts an already-indexed hash over gossip and the DHT.
func (n *Node) PublishHash(hash string) {
	if !n.active() {
		return
	}
	n.runtime.Submit(overlay.PublishHashCmd{Hash: hash})
}

// UpdateIndex adds or replaces a locally hosted content entry.
func (n *Node) UpdateIndex(hash, path, title, author string, tags []string) {
	if !n.active() {
		return
	}
	n.runtime.Submit(overlay.UpdateIndexCmd{Hash: hash, Path: path, Title: title, Author: author, Tags: tags})
}

// Fetch requests content by hash, written to outPath, and blocks until the
// runtime replies.
func (n *Node) Fetch(hash, outPath string) (string, error) {
	if !n.active() {
		return "", ErrNotStarted
	}
	reply := make(chan overlay.FetchResult, 1)
	n.runtime.Submit(overlay.FetchCmd{Hash: hash, OutPath: outPath, Reply: reply})
	res := <-reply
	if res.Err != nil {
		return "", errors.New(mapFacadeMessage(res.Err))
	}
	return res.Path, nil
}

// SearchResult is one (hash, name) pair returned from Search.
type SearchResult = overlay.SearchResult

// Search issues a mesh-wide search for query and blocks for the search
// window.
func (n *Node) Search(query string) []SearchResult {
	if !n.active() {
		return nil
	}
	reply := make(chan []overlay.SearchResult, 1)
	n.runtime.Submit(overlay.SearchCmd{Query: query, Reply: reply})
	return <-reply
}

// MetricsSnapshot reports transfer progress across all content hashes.
type MetricsSnapshot struct {
	Hash       string
	Downloaded uint64
	Size       uint64
	RateBps    float64
	Status     string
}

// GetMetrics returns a snapshot of all transfer stats.
func (n *Node) GetMetrics() []MetricsSnapshot {
	if !n.active() {
		return nil
	}
	reply := make(chan []overlay.MetricsEntry, 1)
	n.runtime.Submit(overlay.GetMetricsCmd{Reply: reply})
	entries := <-reply
	out := make([]MetricsSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, MetricsSnapshot{Hash: e.Hash, Downloaded: e.Downloaded, Size: e.Size, RateBps: e.RateBps, Status: e.Status})
	}
	return out
}

// PutRecord writes a DHT record under key.
func (n *Node) PutRecord(key string, value []byte) error {
	if !n.active() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	n.runtime.Submit(overlay.PutRecordCmd{Key: key, Value: value, Reply: reply})
	return <-reply
}

// GetRecord reads a DHT record by key.
func (n *Node) GetRecord(key string) ([]byte, error) {
	if !n.active() {
		return nil, ErrNotStarted
	}
	reply := make(chan overlay.GetRecordResult, 1)
	n.runtime.Submit(overlay.GetRecordCmd{Key: key, Reply: reply})
	res := <-reply
	if res.Err != nil {
		return nil, errors.New(mapFacadeMessage(res.Err))
	}
	return res.Value, nil
}

// Bootstrap forces an immediate DHT bootstrap refresh.
func (n *Node) Bootstrap() error {
	if !n.active() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	n.runtime.Submit(overlay.BootstrapCmd{Reply: reply})
	return <-reply
}

// GetMyOnionAddress returns this node's own announce address.
func (n *Node) GetMyOnionAddress() (string, error) {
	if !n.active() {
		return "", ErrNotStarted
	}
	reply := make(chan overlay.GetMyOnionAddressResult, 1)
	n.runtime.Submit(overlay.GetMyOnionAddressCmd{Reply: reply})
	res := <-reply
	if res.Err != nil {
		return "", res.Err
	}
	return res.Address, nil
}

// GetNetworkPeers lists currently connected peer ids.
func (n *Node) GetNetworkPeers() []string {
	if !n.active() {
		return nil
	}
	reply := make(chan []overlay.PeerID, 1)
	n.runtime.Submit(overlay.GetNetworkPeersCmd{Reply: reply})
	peers := <-reply
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, string(p))
	}
	return out
}

// AddPeerAddress dials and trusts one operator-supplied address.
func (n *Node) AddPeerAddress(addr string) (string, error) {
	if !n.active() {
		return "", ErrNotStarted
	}
	reply := make(chan overlay.AddPeerAddressResult, 1)
	n.runtime.Submit(overlay.AddPeerAddressCmd{Address: addr, Reply: reply})
	res := <-reply
	if res.Err != nil {
		return "", res.Err
	}
	return res.Message, nil
}

// ForceCreateOnionService recreates the hidden-service endpoint even if one
// already exists.
func (n *Node) ForceCreateOnionService() (string, error) {
	if !n.active() {
		return "", ErrNotStarted
	}
	reply := make(chan overlay.ForceCreateOnionServiceResult, 1)
	n.runtime.Submit(overlay.ForceCreateOnionServiceCmd{Reply: reply})
	res := <-reply
	if res.Err != nil {
		return "", res.Err
	}
	return res.Address, nil
}

// AnonymityStatus returns the current anonymity manager status.
func (n *Node) AnonymityStatus() anonymity.Status {
	return n.anon.Status()
}
