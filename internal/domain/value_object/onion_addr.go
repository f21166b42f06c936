package value_object

import (
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const onionSuffix = ".onion"

// OnionAddr is a hidden service address derived from the service's public
// key: base32(SHA3-256(pub))[:52] + ".onion".
type OnionAddr struct{ val string }

// NewOnionAddr derives the address for a service public key.
func NewOnionAddr(servicePub []byte) OnionAddr {
	hash := sha3.Sum256(servicePub)
	addr := strings.ToLower(base32.StdEncoding.EncodeToString(hash[:])[:52]) + onionSuffix
	return OnionAddr{val: addr}
}

// OnionAddrFromString validates an externally supplied address.
func OnionAddrFromString(addr string) (OnionAddr, error) {
	addr = strings.ToLower(addr)
	if !strings.HasSuffix(addr, onionSuffix) {
		return OnionAddr{}, fmt.Errorf("not an onion address: %s", addr)
	}
	if len(addr) != 52+len(onionSuffix) {
		return OnionAddr{}, fmt.Errorf("onion address must be %d chars, got %d", 52+len(onionSuffix), len(addr))
	}
	return OnionAddr{val: addr}, nil
}

func (o OnionAddr) String() string         { return o.val }
func (o OnionAddr) Equal(a OnionAddr) bool { return o.val == a.val }

// Matches reports whether the address belongs to servicePub.
func (o OnionAddr) Matches(servicePub []byte) bool {
	return NewOnionAddr(servicePub).val == o.val
}
