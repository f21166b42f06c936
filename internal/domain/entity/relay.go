package entity

import (
	"fmt"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

// HandshakePubSize is the length of a relay's X25519 handshake public key.
const HandshakePubSize = 32

// Relay is one directory entry: identity fingerprint, network address and
// handshake public key. Immutable once loaded from the directory.
type Relay struct {
	fingerprint  vo.Fingerprint
	endpoint     vo.Endpoint
	handshakePub []byte
}

// NewRelay builds a relay record. The fingerprint must be the digest of the
// handshake key; a directory entry violating that is rejected at load time.
func NewRelay(fp vo.Fingerprint, ep vo.Endpoint, handshakePub []byte) (*Relay, error) {
	if len(handshakePub) != HandshakePubSize {
		return nil, fmt.Errorf("handshake key must be %d bytes, got %d", HandshakePubSize, len(handshakePub))
	}
	if !vo.NewFingerprint(handshakePub).Equal(fp) {
		return nil, fmt.Errorf("fingerprint does not match handshake key")
	}
	pub := make([]byte, HandshakePubSize)
	copy(pub, handshakePub)
	return &Relay{fingerprint: fp, endpoint: ep, handshakePub: pub}, nil
}

func (r *Relay) Fingerprint() vo.Fingerprint { return r.fingerprint }
func (r *Relay) Endpoint() vo.Endpoint       { return r.endpoint }

func (r *Relay) HandshakePub() []byte {
	pub := make([]byte, len(r.handshakePub))
	copy(pub, r.handshakePub)
	return pub
}

func (r *Relay) String() string {
	return fmt.Sprintf("Relay(%s@%s)", r.fingerprint.String()[:8], r.endpoint)
}
