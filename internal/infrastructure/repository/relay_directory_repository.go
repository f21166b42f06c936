package repository

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"

	"ikedadada/go-onion/internal/domain/entity"
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// RelayDirectory is the in-memory relay directory. Exposed as a concrete
// type so the relay-set loader and tests can populate it.
type RelayDirectory struct {
	mu     sync.RWMutex
	relays map[vo.Fingerprint]*entity.Relay
	order  []vo.Fingerprint
}

// NewRelayDirectoryRepository returns an in-memory relay directory.
func NewRelayDirectoryRepository() *RelayDirectory {
	return &RelayDirectory{relays: make(map[vo.Fingerprint]*entity.Relay)}
}

// Add registers one relay. Duplicate fingerprints are rejected.
func (r *RelayDirectory) Add(relay *entity.Relay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp := relay.Fingerprint()
	if _, dup := r.relays[fp]; dup {
		return repository.ErrDuplicate
	}
	r.relays[fp] = relay
	r.order = append(r.order, fp)
	return nil
}

func (r *RelayDirectory) FindByFingerprint(fp vo.Fingerprint) (*entity.Relay, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	relay, ok := r.relays[fp]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return relay, nil
}

func (r *RelayDirectory) All() ([]*entity.Relay, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.Relay, 0, len(r.order))
	for _, fp := range r.order {
		out = append(out, r.relays[fp])
	}
	return out, nil
}

// relaySetDoc is the on-disk TOML relay set.
type relaySetDoc struct {
	Relay []relayDoc `toml:"relay"`
}

type relayDoc struct {
	Fingerprint  string `toml:"fingerprint"`
	Host         string `toml:"host"`
	Port         uint16 `toml:"port"`
	HandshakeKey string `toml:"handshake_key"` // base64
}

// LoadRelaySet reads a TOML relay set into a directory. Entries whose
// fingerprint does not match their handshake key are rejected outright.
func LoadRelaySet(path string) (repository.RelayDirectoryRepository, error) {
	var doc relaySetDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("relay set %s: %w", path, err)
	}
	dir := NewRelayDirectoryRepository()
	for i, rd := range doc.Relay {
		fp, err := vo.FingerprintFromHex(rd.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("relay set %s entry %d: %w", path, i, err)
		}
		pub, err := base64.StdEncoding.DecodeString(rd.HandshakeKey)
		if err != nil {
			return nil, fmt.Errorf("relay set %s entry %d: handshake key: %w", path, i, err)
		}
		ep, err := vo.NewEndpoint(rd.Host, rd.Port)
		if err != nil {
			return nil, fmt.Errorf("relay set %s entry %d: %w", path, i, err)
		}
		relay, err := entity.NewRelay(fp, ep, pub)
		if err != nil {
			return nil, fmt.Errorf("relay set %s entry %d: %w", path, i, err)
		}
		if err := dir.Add(relay); err != nil {
			return nil, fmt.Errorf("relay set %s entry %d: %w", path, i, err)
		}
	}
	return dir, nil
}
