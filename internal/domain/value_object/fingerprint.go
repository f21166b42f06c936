package value_object

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// FingerprintSize is the length of a relay identity digest.
const FingerprintSize = 32

// Fingerprint is the SHA-256 digest of a relay's handshake public key. It is
// the relay's identity: the directory is keyed by it and every handshake
// verifies the responding relay against it.
type Fingerprint [FingerprintSize]byte

// NewFingerprint computes the identity fingerprint of a handshake public key.
func NewFingerprint(handshakePub []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(handshakePub))
}

// FingerprintFromHex parses a 64-character hex fingerprint.
func FingerprintFromHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != FingerprintSize {
		return Fingerprint{}, fmt.Errorf("fingerprint must be %d bytes, got %d", FingerprintSize, len(b))
	}
	var fp Fingerprint
	copy(fp[:], b)
	return fp, nil
}

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Equal compares fingerprints in constant time.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], o[:]) == 1
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

func (f Fingerprint) Bytes() []byte {
	b := make([]byte, FingerprintSize)
	copy(b, f[:])
	return b
}
