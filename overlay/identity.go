package overlay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/sha3"
)

// PeerID is the stable identifier derived from a node's ed25519 public key
// for the lifetime of one process. Identity is ephemeral by design: a fresh
// keypair is generated on every Runtime start, the same way tornet generates
// a fresh SecretIdentity; on-disk persistence is a future extension.
type PeerID string

// identity is the local node's ed25519 keypair, generated fresh at runtime
// start per spec.md 3 ("Node identity").
type identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// generateIdentity creates a new random ed25519 identity, grounded on
// tornet/identity.go's GenerateIdentity.
func generateIdentity() (*identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &identity{public: pub, private: priv}, nil
}

// fingerprintOf derives the stable, base64-encoded peer identifier from a
// public key, mirroring tornet/identity.go's Fingerprint.
func fingerprintOf(pub ed25519.PublicKey) PeerID {
	hash := sha3.Sum256(pub)
	return PeerID(base64.RawURLEncoding.EncodeToString(hash[:]))
}

// peerID derives the stable peer identifier from the local public key.
func (id *identity) peerID() PeerID {
	return fingerprintOf(id.public)
}

// sign authenticates a byte slice with the node's private key. The gossip
// protocol itself carries no signatures (spec.md 9: messages are anonymous),
// but the session handshake (session.go) uses this to sign its own claimed
// peer id, so the remote side can confirm the sender actually controls that
// identity's private key rather than just asserting the id string.
func (id *identity) sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// verify checks a signature produced by sign against a remote public key.
// The handshake calls this to authenticate the peer id a new session
// claims before trusting it.
func verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
