package overlay

import "crypto/ed25519"

// Protocol name for the chunked request/response stream, per spec.md 6.
const chunkProtocol = "/chunk/1"

// ChunkSize is the fixed maximum chunk length for /chunk/1 transfers.
const ChunkSize = 64 * 1024

// protocolVersion is the only version this runtime speaks; handshake
// negotiation exists so future revisions can extend the set, mirroring
// protocols/handshake.go's MakeHandler pattern from the teacher.
const protocolVersion = 1

// frame is the envelope carrying every message exchanged between two peers
// once the session is established: at most one of its fields is non-nil, the
// same discriminated-union-by-pointer idiom as coronaMessage in handler.go.
type frame struct {
	Handshake   *handshakeMsg
	Gossip      *gossipFrame
	ChunkReq    *chunkRequest
	ChunkResp   *chunkResponse
	Disconnect  *disconnectMsg
}

// handshakeMsg is exchanged first on every new session, carrying the
// supported protocol versions, the announcing peer's claimed id, and a
// signature proving the sender holds the private key behind that id.
type handshakeMsg struct {
	Versions  []int
	PeerID    PeerID
	PublicKey ed25519.PublicKey
	Signature []byte
}

// gossipFrame carries one already-encoded gossip line on a named topic.
type gossipFrame struct {
	Topic   string
	Payload string
}

// chunkRequest asks for up to ChunkSize bytes of content starting at Offset.
type chunkRequest struct {
	ContentHash string
	Offset      uint64
}

// chunkResponse carries raw bytes; an empty Data is end-of-content, per
// spec.md 6.
type chunkResponse struct {
	ContentHash string
	Data        []byte
}

// disconnectMsg lets a peer announce the reason it is tearing the session
// down, mirroring system.Disconnect from the teacher's wire protocol.
type disconnectMsg struct {
	Reason string
}
