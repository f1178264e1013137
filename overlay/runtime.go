package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/allibrary/allib/metrics"
	"github.com/allibrary/allib/transport"
	"github.com/ethereum/go-ethereum/log"
)

// searchWindow is the duration a Search command keeps collecting remote
// replies before replying to the caller. spec.md 9 leaves this as an open
// question in the 200-1200 ms range; this implementation documents 1200 ms,
// matching the behavior of the original_source reference implementation.
const searchWindow = 1200 * time.Millisecond

// tickInterval drives search-window expiry checks and the bootstrap
// counter, per spec.md 4.C.
const tickInterval = 50 * time.Millisecond

// announceInterval drives self-announce publication, per spec.md 4.C.
const announceInterval = time.Second

// bootstrapEvery is how many ticks make up one bootstrap period (1 s at a
// 50 ms tick).
const bootstrapEvery = int(time.Second / tickInterval)

// dialTimeout bounds a single peer dial, per spec.md 5.
const dialTimeout = 20 * time.Second

// RuntimeState names the lifecycle states from spec.md 4.C.
type RuntimeState int

const (
	StateInit RuntimeState = iota
	StateListening
	StateConnected
	StateClosing
	StateTerminated
)

func (s RuntimeState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Endpoint is the hidden-service triple from spec.md 3.
type Endpoint struct {
	OnionHost   string
	VirtualPort int
	LocalPort   int
}

// HiddenServiceProvider is the subset of the Anonymity Manager the runtime
// needs: the ability to open a hidden-service endpoint. Kept as
// an interface so overlay tests never need a real daemon.
type HiddenServiceProvider interface {
	CreateHiddenService(localPort int) (string, error)
}

// Config carries everything StartRuntime needs to bring an Overlay Runtime
// up, per spec.md 4.C.
type Config struct {
	Gateway     transport.Gateway
	Hidden      HiddenServiceProvider
	LocalPort   int
	VirtualPort int
	Bootstrap   []string
	Logger      log.Logger
}

// fetchSlot is the single pending-fetch record from spec.md 3.
type fetchSlot struct {
	peer    PeerID
	hash    string
	offset  uint64
	file    *os.File
	outPath string
	reply   chan FetchResult
}

// searchState is the single in-flight search record from spec.md 3.
type searchState struct {
	id      string
	started time.Time
	reply   chan []SearchResult
	results []SearchResult
	seen    map[string]struct{}
}

// transferStats tracks per-content-hash transfer progress, per spec.md 3.
type transferStats struct {
	downloaded      uint64
	size            uint64
	status          string
	windowStart     time.Time
	windowBytes     uint64
	lastRateBps     float64
}

// contentRecord is the JSON payload written to the DHT under content:<hash>.
type contentRecord struct {
	Hash   string   `json:"hash"`
	Path   string   `json:"path"`
	Title  string   `json:"title"`
	Author string   `json:"author"`
	Tags   []string `json:"tags"`
	PeerID PeerID   `json:"peer_id"`
}

// Runtime is the Overlay Runtime: a single event-loop goroutine owning all
// overlay state, reached only through Submit, per spec.md 3 invariant 1-2.
type Runtime struct {
	logger log.Logger

	self   *identity
	peerID PeerID

	gateway  transport.Gateway
	hidden   HiddenServiceProvider
	listener net.Listener
	endpoint Endpoint
	selfAddr string

	index   *contentIndex
	table   *dht
	seen    *seenCache
	stats   map[string]*transferStats
	peers   map[PeerID]*session

	// loopback holds every session dialed to this node's own peer id. A
	// self-dial produces two sessions over the two ends of one pipe, both
	// reporting the runtime's own peer id; peers only ever needs to remember
	// one of them (picking an outbound session is arbitrary once established),
	// but both must be kept alive so a self-fetch has a live reader on each
	// end. handlePeerJoined/handlePeerClosed are the only places that touch
	// this slice.
	loopback []*session

	pendingFetch *fetchSlot
	search       *searchState

	state          RuntimeState
	bootstrapTicks int

	commands chan Command
	inbound  chan inboundFrame
	closed   chan *session
	joined   chan *session
	newConns chan net.Conn

	quit       chan chan struct{}
	stopAccept chan struct{}
}

// StartRuntime generates a fresh identity, opens the local listener, asks
// the anonymity manager for a hidden service, and starts the event loop.
// Hidden-service failure is fatal per spec.md 4.C: the runtime returns an
// error and no command queue is published.
func StartRuntime(cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("module", "overlay")
	}

	id, err := generateIdentity()
	if err != nil {
		return nil, fmt.Errorf("overlay: generate identity: %w", err)
	}

	listener, err := cfg.Gateway.Listen(cfg.LocalPort)
	if err != nil {
		return nil, fmt.Errorf("overlay: listen: %w", err)
	}

	onionHost, err := cfg.Hidden.CreateHiddenService(cfg.LocalPort)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: %v", ErrFatalInit, err)
	}

	r := &Runtime{
		logger:     logger,
		self:       id,
		peerID:     id.peerID(),
		gateway:    cfg.Gateway,
		hidden:     cfg.Hidden,
		listener:   listener,
		endpoint:   Endpoint{OnionHost: onionHost, VirtualPort: cfg.VirtualPort, LocalPort: cfg.LocalPort},
		index:      newContentIndex(),
		table:      newDHT(),
		seen:       newSeenCache(),
		stats:      make(map[string]*transferStats),
		peers:      make(map[PeerID]*session),
		state:      StateListening,
		commands:   make(chan Command, 64),
		inbound:    make(chan inboundFrame, 256),
		closed:     make(chan *session, 16),
		joined:     make(chan *session, 16),
		newConns:   make(chan net.Conn, 16),
		quit:       make(chan chan struct{}),
		stopAccept: make(chan struct{}),
	}
	r.selfAddr = buildAnnounceAddress(r.endpoint.OnionHost, r.endpoint.VirtualPort, r.peerID)

	go r.acceptLoop()
	go r.loop()

	if len(cfg.Bootstrap) > 0 {
		r.Submit(AddBootstrapCmd{Addrs: cfg.Bootstrap})
	}
	return r, nil
}

// Submit enqueues a command on the inbound queue. It is the only way
// external callers touch runtime state, per spec.md 3 invariant 2.
func (r *Runtime) Submit(cmd Command) {
	select {
	case r.commands <- cmd:
	case <-r.stopAccept:
	}
}

// Self returns the node's own peer id and announce address.
func (r *Runtime) Self() (PeerID, string) {
	return r.peerID, r.selfAddr
}

// Stop tears down the event loop and all sessions.
func (r *Runtime) Stop() {
	done := make(chan struct{})
	select {
	case r.quit <- done:
		<-done
	case <-r.stopAccept:
	}
}

func (r *Runtime) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		select {
		case r.newConns <- conn:
		case <-r.stopAccept:
			conn.Close()
			return
		}
	}
}

// loop is the sole goroutine allowed to touch Runtime's state fields, the
// same actor shape as scheduler.go's loop in the teacher.
func (r *Runtime) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	announce := time.NewTicker(announceInterval)
	defer announce.Stop()

	for {
		select {
		case done := <-r.quit:
			r.shutdown()
			close(done)
			return

		case cmd := <-r.commands:
			r.handleCommand(cmd)

		case conn := <-r.newConns:
			go r.acceptSession(conn)

		case s := <-r.joined:
			r.handlePeerJoined(s)

		case s := <-r.closed:
			r.handlePeerClosed(s)

		case inf := <-r.inbound:
			r.handleInboundFrame(inf)

		case <-ticker.C:
			r.handleTick()

		case <-announce.C:
			r.handleAnnounceTick()
		}
	}
}

func (r *Runtime) shutdown() {
	r.state = StateClosing
	r.listener.Close()
	close(r.stopAccept)
	for _, s := range r.peers {
		s.close()
	}
	for _, s := range r.loopback {
		s.close()
	}
	if r.pendingFetch != nil {
		r.pendingFetch.file.Close()
		r.pendingFetch.reply <- FetchResult{Err: ErrCallerGone}
		r.pendingFetch = nil
	}
	if r.search != nil {
		r.search.reply <- r.search.results
		r.search = nil
	}
	r.state = StateTerminated
}

// acceptSession completes the handshake for an inbound connection off the
// event-loop goroutine, then hands the established session back in.
func (r *Runtime) acceptSession(conn net.Conn) {
	s, err := newSession(conn, r.self, r.inbound, r.closed)
	if err != nil {
		r.logger.Debug("Inbound handshake failed", "err", err)
		conn.Close()
		return
	}
	select {
	case r.joined <- s:
	case <-r.stopAccept:
		s.close()
	}
}

// dialPeer opens an outbound connection to addr and, on success, reports the
// established session back to the event loop.
func (r *Runtime) dialPeer(addr string) {
	metrics.BootstrapAttemptsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := r.gateway.Dial(ctx, addr)
	if err != nil {
		r.logger.Debug("Dial failed", "addr", addr, "err", err)
		return
	}
	s, err := newSession(conn, r.self, r.inbound, r.closed)
	if err != nil {
		r.logger.Debug("Outbound handshake failed", "addr", addr, "err", err)
		conn.Close()
		return
	}
	select {
	case r.joined <- s:
	case <-r.stopAccept:
		s.close()
	}
}

func (r *Runtime) handlePeerJoined(s *session) {
	if s.peer == r.peerID {
		// A self-dial produces two sessions over the two ends of one pipe:
		// dialPeer's outbound end and acceptSession's inbound end. Both
		// report the runtime's own peer id, but both must stay alive — a
		// self-fetch needs a live reader on each end, one to carry the chunk
		// request out and one to carry the response back. The dedup below
		// would otherwise close whichever arrived second, tearing down the
		// shared pipe out from under the first.
		r.loopback = append(r.loopback, s)
		r.peers[s.peer] = s
		if r.state == StateListening {
			r.state = StateConnected
		}
		r.logger.Info("Peer connected", "peer", s.peer, "loopback", true)
		return
	}
	if _, exists := r.peers[s.peer]; exists {
		s.close()
		return
	}
	r.peers[s.peer] = s
	if r.state == StateListening {
		r.state = StateConnected
	}
	r.logger.Info("Peer connected", "peer", s.peer)
}

func (r *Runtime) handlePeerClosed(s *session) {
	if cur, ok := r.peers[s.peer]; ok && cur == s {
		delete(r.peers, s.peer)
	}
	if s.peer == r.peerID {
		for i, ls := range r.loopback {
			if ls == s {
				r.loopback = append(r.loopback[:i], r.loopback[i+1:]...)
				break
			}
		}
	}
	r.logger.Info("Peer disconnected", "peer", s.peer)

	if r.pendingFetch != nil && r.pendingFetch.peer == s.peer {
		r.pendingFetch.file.Close()
		r.pendingFetch.reply <- FetchResult{Err: fmt.Errorf("overlay: peer disconnected mid-fetch")}
		if st := r.stats[r.pendingFetch.hash]; st != nil {
			st.status = "failed"
		}
		r.pendingFetch = nil
	}
}

func (r *Runtime) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case AddBootstrapCmd:
		for _, addr := range c.Addrs {
			go r.dialPeer(addr)
		}

	case PublishHashCmd:
		r.handlePublishHash(c.Hash)

	case UpdateIndexCmd:
		r.index.update(c.Hash, c.Path, c.Title, c.Author, c.Tags)

	case FetchCmd:
		r.handleFetch(c)

	case SearchCmd:
		r.handleSearch(c)

	case GetMetricsCmd:
		c.Reply <- r.snapshotMetrics()

	case GetSwarmStatsCmd:
		c.Reply <- SwarmStats{Peers: len(r.peers), DHTRecords: r.table.len()}

	case PutRecordCmd:
		r.table.put(c.Key, c.Value, r.peerID, time.Now())
		c.Reply <- nil

	case GetRecordCmd:
		value, _, ok := r.table.get(c.Key, time.Now())
		if !ok {
			c.Reply <- GetRecordResult{Err: ErrDHTQuorumFailure}
			return
		}
		// Return the real stored value, not a placeholder.
		c.Reply <- GetRecordResult{Value: value}

	case BootstrapCmd:
		r.runBootstrap()
		c.Reply <- nil

	case GetMyOnionAddressCmd:
		if r.selfAddr == "" {
			c.Reply <- GetMyOnionAddressResult{Err: fmt.Errorf("overlay: hidden service not yet created")}
			return
		}
		c.Reply <- GetMyOnionAddressResult{Address: r.selfAddr}

	case GetNetworkPeersCmd:
		peers := make([]PeerID, 0, len(r.peers))
		for id := range r.peers {
			peers = append(peers, id)
		}
		c.Reply <- peers

	case AddPeerAddressCmd:
		r.table.put(manualKey(c.Address), []byte(c.Address), r.peerID, time.Now())
		go r.dialPeer(c.Address)
		c.Reply <- AddPeerAddressResult{Message: "dialing"}

	case ForceCreateOnionServiceCmd:
		onionHost, err := r.hidden.CreateHiddenService(r.endpoint.LocalPort)
		if err != nil {
			c.Reply <- ForceCreateOnionServiceResult{Err: err}
			return
		}
		r.endpoint.OnionHost = onionHost
		r.selfAddr = buildAnnounceAddress(onionHost, r.endpoint.VirtualPort, r.peerID)
		c.Reply <- ForceCreateOnionServiceResult{Address: r.selfAddr}

	default:
		r.logger.Warn("Unknown command submitted", "type", fmt.Sprintf("%T", cmd))
	}
}

func (r *Runtime) handlePublishHash(hash string) {
	entry, ok := r.index.get(hash)
	if !ok {
		r.logger.Warn("PublishHash for unknown content", "hash", hash)
		return
	}
	r.broadcast(topicContent, encodeContentAnnounce(entry.Hash, entry.Title, entry.Author, entry.Tags))

	record := contentRecord{Hash: entry.Hash, Path: entry.Path, Title: entry.Title, Author: entry.Author, Tags: entry.Tags, PeerID: r.peerID}
	payload, err := json.Marshal(record)
	if err != nil {
		r.logger.Warn("Marshal content record failed", "err", err)
		return
	}
	r.table.put(contentKey(hash), payload, r.peerID, time.Now())
}

func (r *Runtime) handleFetch(c FetchCmd) {
	if r.pendingFetch != nil {
		c.Reply <- FetchResult{Err: ErrSlotBusy}
		return
	}
	if len(r.peers) == 0 {
		c.Reply <- FetchResult{Err: ErrNoPeers}
		return
	}
	f, err := os.Create(c.OutPath)
	if err != nil {
		c.Reply <- FetchResult{Err: fmt.Errorf("overlay: open output file: %w", err)}
		return
	}

	var peer PeerID
	var sess *session
	for id, s := range r.peers {
		peer, sess = id, s
		break
	}

	r.pendingFetch = &fetchSlot{peer: peer, hash: c.Hash, file: f, outPath: c.OutPath, reply: c.Reply}
	r.stats[c.Hash] = &transferStats{status: "fetching", windowStart: time.Now()}
	sess.send(&frame{ChunkReq: &chunkRequest{ContentHash: c.Hash, Offset: 0}})
}

func (r *Runtime) handleSearch(c SearchCmd) {
	metrics.SearchesTotal.Inc()
	local := r.index.matchLocal(c.Query)
	if r.search != nil {
		// A second concurrent search degrades to a local-only instant
		// reply rather than queueing or erroring, since the Search
		// command has no error reply slot in spec.md 4.D's table.
		c.Reply <- local
		return
	}
	id := fmt.Sprintf("%s-%d", r.peerID, time.Now().UnixNano())
	st := &searchState{id: id, started: time.Now(), reply: c.Reply, seen: make(map[string]struct{})}
	for _, res := range local {
		st.seen[res.Hash] = struct{}{}
		st.results = append(st.results, res)
	}
	r.search = st
	r.broadcast(topicContent, encodeSearchQuery(id, c.Query))
}

func (r *Runtime) handleInboundFrame(inf inboundFrame) {
	f := inf.frame
	peer := inf.sess.peer
	switch {
	case f.Gossip != nil:
		r.handleGossip(peer, f.Gossip)
	case f.ChunkReq != nil:
		r.serveChunk(inf.sess, f.ChunkReq)
	case f.ChunkResp != nil:
		r.handleChunkResponse(inf.sess, f.ChunkResp)
	case f.Disconnect != nil:
		r.logger.Debug("Peer sent disconnect", "peer", peer, "reason", f.Disconnect.Reason)
	}
}

func (r *Runtime) handleGossip(peer PeerID, g *gossipFrame) {
	id := messageID(g.Topic, []byte(g.Payload))
	if r.seen.markSeen(id) {
		return
	}
	switch g.Topic {
	case topicContent:
		msg, err := decodeContentMessage(g.Payload)
		if err != nil {
			r.logger.Debug("Dropped malformed gossip line", "peer", peer, "err", err)
			return
		}
		switch {
		case msg.Content != nil:
			r.index.noteDiscovered(msg.Content.Hash, msg.Content.Title, peer)
		case msg.Search != nil:
			r.serveSearch(msg.Search)
		case msg.Reply != nil:
			r.handleSearchReply(msg.Reply)
		}
	case topicPeers:
		r.handlePeersGossip(g.Payload)
	}
}

func (r *Runtime) serveSearch(q *searchQuery) {
	for _, res := range r.index.matchLocal(q.Query) {
		r.broadcast(topicContent, encodeSearchReply(q.ID, res.Hash, res.Name))
	}
}

func (r *Runtime) handleSearchReply(rep *searchReply) {
	if r.search == nil || r.search.id != rep.ID {
		return
	}
	if _, dup := r.search.seen[rep.Hash]; dup {
		return
	}
	r.search.seen[rep.Hash] = struct{}{}
	r.search.results = append(r.search.results, SearchResult{Hash: rep.Hash, Name: rep.Name})
}

func (r *Runtime) handlePeersGossip(addr string) {
	if !looksLikeAnnounceAddress(addr) {
		return
	}
	if pid, ok := parseAnnouncePeerID(addr); ok {
		if pid == r.peerID {
			return
		}
		if _, connected := r.peers[pid]; connected {
			return
		}
	}
	go r.dialPeer(addr)
}

// serveChunk always replies on sess, the exact session the request arrived
// on, rather than looking the peer back up in r.peers: a self-dial's two
// sessions share one peer id, so only the originating session identifies
// which physical connection the response must go out on.
func (r *Runtime) serveChunk(sess *session, req *chunkRequest) {
	entry, ok := r.index.get(req.ContentHash)
	if !ok {
		sess.send(&frame{ChunkResp: &chunkResponse{ContentHash: req.ContentHash}})
		return
	}
	f, err := os.Open(entry.Path)
	if err != nil {
		sess.send(&frame{ChunkResp: &chunkResponse{ContentHash: req.ContentHash}})
		return
	}
	defer f.Close()

	if _, err := f.Seek(int64(req.Offset), io.SeekStart); err != nil {
		sess.send(&frame{ChunkResp: &chunkResponse{ContentHash: req.ContentHash}})
		return
	}
	buf := make([]byte, ChunkSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		sess.send(&frame{ChunkResp: &chunkResponse{ContentHash: req.ContentHash}})
		return
	}
	sess.send(&frame{ChunkResp: &chunkResponse{ContentHash: req.ContentHash, Data: buf[:n]}})
}

// handleChunkResponse continues the fetch on sess, the session the response
// arrived on, for the same reason serveChunk replies on its originating
// session: a self-dial's two ends share one peer id, so r.peers can't
// disambiguate them.
func (r *Runtime) handleChunkResponse(sess *session, resp *chunkResponse) {
	pf := r.pendingFetch
	if pf == nil || pf.peer != sess.peer || pf.hash != resp.ContentHash {
		return
	}
	st := r.stats[pf.hash]

	if len(resp.Data) == 0 {
		pf.file.Close()
		pf.reply <- FetchResult{Path: pf.outPath}
		if st != nil {
			st.status = "done"
			st.size = pf.offset
		}
		r.pendingFetch = nil
		return
	}

	if _, err := pf.file.Write(resp.Data); err != nil {
		pf.file.Close()
		pf.reply <- FetchResult{Err: fmt.Errorf("overlay: write output file: %w", err)}
		if st != nil {
			st.status = "failed"
		}
		r.pendingFetch = nil
		return
	}
	pf.offset += uint64(len(resp.Data))
	if st != nil {
		st.downloaded += uint64(len(resp.Data))
		r.recordWindow(st, len(resp.Data))
	}

	sess.send(&frame{ChunkReq: &chunkRequest{ContentHash: resp.ContentHash, Offset: pf.offset}})
}

// recordWindow updates a rolling one-second throughput estimate.
func (r *Runtime) recordWindow(st *transferStats, n int) {
	st.windowBytes += uint64(n)
	elapsed := time.Since(st.windowStart)
	if elapsed >= time.Second {
		st.lastRateBps = float64(st.windowBytes) / elapsed.Seconds()
		st.windowBytes = 0
		st.windowStart = time.Now()
	}
}

func (r *Runtime) snapshotMetrics() []MetricsEntry {
	entries := make([]MetricsEntry, 0, len(r.stats))
	for hash, st := range r.stats {
		entries = append(entries, MetricsEntry{
			Hash:       hash,
			Downloaded: st.downloaded,
			Size:       st.size,
			RateBps:    st.lastRateBps,
			Status:     st.status,
		})
	}
	return entries
}

func (r *Runtime) handleTick() {
	if r.search != nil && time.Since(r.search.started) >= searchWindow {
		r.search.reply <- r.search.results
		r.search = nil
	}
	r.bootstrapTicks++
	if r.bootstrapTicks >= bootstrapEvery {
		r.bootstrapTicks = 0
		r.runBootstrap()
	}
}

// runBootstrap refreshes the DHT's routing state. With a single in-memory
// table (no peer replication) this degrades to periodic expiry collection;
// a multi-node DHT implementation would instead refresh k-bucket contacts
// here.
func (r *Runtime) runBootstrap() {
	r.table.gc(time.Now())
}

func (r *Runtime) handleAnnounceTick() {
	r.broadcast(topicPeers, r.selfAddr)
	r.table.put(peerKey(r.peerID), []byte(r.selfAddr), r.peerID, time.Now())

	known := map[string]struct{}{r.selfAddr: {}}
	if val, _, ok := r.table.get(discoveryKey, time.Now()); ok {
		for _, addr := range strings.Split(string(val), ",") {
			if addr != "" {
				known[addr] = struct{}{}
			}
		}
	}
	merged := make([]string, 0, len(known))
	for addr := range known {
		merged = append(merged, addr)
	}
	r.table.put(discoveryKey, []byte(strings.Join(merged, ",")), r.peerID, time.Now())

	for addr := range known {
		if addr == r.selfAddr {
			continue
		}
		if pid, ok := parseAnnouncePeerID(addr); ok {
			if _, connected := r.peers[pid]; connected {
				continue
			}
		}
		go r.dialPeer(addr)
	}
}

// broadcast sends a gossip frame on topic to every connected peer. Publish
// errors are dropped silently per spec.md 7 (best-effort broadcast): send
// itself never blocks past the session's outbox buffer.
func (r *Runtime) broadcast(topic, payload string) {
	for _, s := range r.peers {
		s.send(&frame{Gossip: &gossipFrame{Topic: topic, Payload: payload}})
	}
}
