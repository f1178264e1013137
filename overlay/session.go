package overlay

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"time"
)

// handshakeTimeout bounds the version negotiation that opens every session,
// mirroring handler.go's handleContactHandshake.
const handshakeTimeout = 3 * time.Second

// session wraps one established peer connection: a gob encoder/decoder pair
// plus the channels the runtime uses to push outbound frames and receive
// inbound ones. Exactly one readLoop and one writeLoop goroutine run per
// session; all session state besides the channels themselves is read-only
// once constructed.
type session struct {
	peer PeerID
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder

	outbox chan *frame
	closed chan struct{}
}

// inboundFrame pairs a received frame with the session it arrived on, so the
// runtime's event loop can route a reply back down the exact connection the
// frame came in on, rather than through a peer-id lookup that a self-dial's
// two same-id sessions would make ambiguous.
type inboundFrame struct {
	sess  *session
	frame *frame
}

// newSession performs the handshake and, on success, starts the read/write
// goroutines that bridge conn to the runtime's channels.
func newSession(conn net.Conn, self *identity, inbound chan<- inboundFrame, closedSessions chan<- *session) (*session, error) {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	remote, err := handshake(enc, dec, self)
	if err != nil {
		return nil, err
	}

	s := &session{
		peer:   remote,
		conn:   conn,
		enc:    enc,
		dec:    dec,
		outbox: make(chan *frame, 64),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop(inbound, closedSessions)
	return s, nil
}

// handshake races an outbound handshake frame against an inbound one with a
// hard timeout, the same two-goroutines-plus-timer shape as
// handleContactHandshake in the teacher's handler.go. The frame carries a
// signature over the claimed peer id so the remote side proves it actually
// holds the private key behind the identity it announces, not just the id
// string.
func handshake(enc *gob.Encoder, dec *gob.Decoder, self *identity) (PeerID, error) {
	selfID := self.peerID()
	errc := make(chan error, 2)
	go func() {
		errc <- enc.Encode(&frame{Handshake: &handshakeMsg{
			Versions:  []int{protocolVersion},
			PeerID:    selfID,
			PublicKey: self.public,
			Signature: self.sign([]byte(selfID)),
		}})
	}()

	received := new(frame)
	go func() {
		errc <- dec.Decode(received)
	}()

	timeout := time.NewTimer(handshakeTimeout)
	defer timeout.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return "", fmt.Errorf("overlay: handshake: %w", err)
			}
		case <-timeout.C:
			return "", errors.New("overlay: handshake timed out")
		}
	}

	hs := received.Handshake
	if hs == nil {
		return "", errors.New("overlay: first frame was not a handshake")
	}
	var common bool
	for _, v := range hs.Versions {
		if v == protocolVersion {
			common = true
			break
		}
	}
	if !common {
		return "", fmt.Errorf("overlay: no common protocol version: %v", hs.Versions)
	}
	if fingerprintOf(hs.PublicKey) != hs.PeerID {
		return "", errors.New("overlay: handshake public key does not match claimed peer id")
	}
	if !verify(hs.PublicKey, []byte(hs.PeerID), hs.Signature) {
		return "", errors.New("overlay: handshake signature verification failed")
	}
	return hs.PeerID, nil
}

// send enqueues a frame for delivery; it never blocks the caller beyond the
// outbox buffer, matching the event loop's requirement never to block on
// peer I/O.
func (s *session) send(f *frame) {
	select {
	case s.outbox <- f:
	case <-s.closed:
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case f := <-s.outbox:
			if err := s.enc.Encode(f); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) readLoop(inbound chan<- inboundFrame, closedSessions chan<- *session) {
	defer func() {
		s.close()
		closedSessions <- s
	}()
	for {
		f := new(frame)
		if err := s.dec.Decode(f); err != nil {
			return
		}
		select {
		case inbound <- inboundFrame{sess: s, frame: f}:
		case <-s.closed:
			return
		}
	}
}

func (s *session) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		s.conn.Close()
	}
}
