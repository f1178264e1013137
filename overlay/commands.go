package overlay

// Command is the inbound-queue message type. Every concrete command struct
// that expects a reply carries its own one-shot reply channel; commands that
// expect none have no reply field. This matches the façade contract in
// spec.md 4.D: each command carries at most one reply, fulfilled exactly
// once by the event loop.
type Command interface {
	isCommand()
}

// FetchResult is the outcome of a Fetch command.
type FetchResult struct {
	Path string
	Err  error
}

// MetricsEntry reports transfer progress for one content hash.
type MetricsEntry struct {
	Hash       string
	Downloaded uint64
	Size       uint64
	RateBps    float64
	Status     string
}

// AddBootstrapCmd dials every address in Addrs at startup or on demand.
type AddBootstrapCmd struct {
	Addrs []string
}

func (AddBootstrapCmd) isCommand() {}

// PublishHashCmd broadcasts an already-indexed hash over gossip and the DHT.
type PublishHashCmd struct {
	Hash string
}

func (PublishHashCmd) isCommand() {}

// UpdateIndexCmd adds or replaces a locally hosted content entry.
type UpdateIndexCmd struct {
	Hash   string
	Path   string
	Title  string
	Author string
	Tags   []string
}

func (UpdateIndexCmd) isCommand() {}

// FetchCmd requests content by hash, written to OutPath.
type FetchCmd struct {
	Hash    string
	OutPath string
	Reply   chan FetchResult
}

func (FetchCmd) isCommand() {}

// SearchCmd issues a mesh-wide search for Query.
type SearchCmd struct {
	Query string
	Reply chan []SearchResult
}

func (SearchCmd) isCommand() {}

// GetMetricsCmd requests a snapshot of all transfer stats.
type GetMetricsCmd struct {
	Reply chan []MetricsEntry
}

func (GetMetricsCmd) isCommand() {}

// SwarmStats reports aggregate overlay size for periodic metrics sampling.
type SwarmStats struct {
	Peers      int
	DHTRecords int
}

// GetSwarmStatsCmd requests the current connected-peer and DHT record
// counts, consulted by the housekeeping metrics sampler rather than carried
// alongside GetMetricsCmd's per-transfer entries.
type GetSwarmStatsCmd struct {
	Reply chan SwarmStats
}

func (GetSwarmStatsCmd) isCommand() {}

// PutRecordCmd writes a DHT record under Key.
type PutRecordCmd struct {
	Key   string
	Value []byte
	Reply chan error
}

func (PutRecordCmd) isCommand() {}

// GetRecordResult is the outcome of a GetRecord command.
type GetRecordResult struct {
	Value []byte
	Err   error
}

// GetRecordCmd reads a DHT record by Key.
type GetRecordCmd struct {
	Key   string
	Reply chan GetRecordResult
}

func (GetRecordCmd) isCommand() {}

// BootstrapCmd forces an immediate DHT bootstrap refresh.
type BootstrapCmd struct {
	Reply chan error
}

func (BootstrapCmd) isCommand() {}

// GetMyOnionAddressResult is the outcome of GetMyOnionAddress.
type GetMyOnionAddressResult struct {
	Address string
	Err     error
}

// GetMyOnionAddressCmd asks for this node's own announce address.
type GetMyOnionAddressCmd struct {
	Reply chan GetMyOnionAddressResult
}

func (GetMyOnionAddressCmd) isCommand() {}

// GetNetworkPeersCmd lists currently connected peer ids.
type GetNetworkPeersCmd struct {
	Reply chan []PeerID
}

func (GetNetworkPeersCmd) isCommand() {}

// AddPeerAddressResult is the outcome of AddPeerAddress.
type AddPeerAddressResult struct {
	Message string
	Err     error
}

// AddPeerAddressCmd dials and trusts one operator-supplied address, also
// recording it under the DHT's manual: namespace.
type AddPeerAddressCmd struct {
	Address string
	Reply   chan AddPeerAddressResult
}

func (AddPeerAddressCmd) isCommand() {}

// ForceCreateOnionServiceResult is the outcome of ForceCreateOnionService.
type ForceCreateOnionServiceResult struct {
	Address string
	Err     error
}

// ForceCreateOnionServiceCmd recreates the hidden-service endpoint even if
// one already exists.
type ForceCreateOnionServiceCmd struct {
	Reply chan ForceCreateOnionServiceResult
}

func (ForceCreateOnionServiceCmd) isCommand() {}
