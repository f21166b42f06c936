package repository

import (
	"ikedadada/go-onion/internal/domain/entity"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// RelayDirectoryRepository is the injected relay directory lookup service.
// Read-only after load so tests can substitute a fixed relay set.
type RelayDirectoryRepository interface {
	// FindByFingerprint resolves a relay identity to its directory record,
	// or ErrNotFound.
	FindByFingerprint(fp vo.Fingerprint) (*entity.Relay, error)
	// All returns every known relay (rendezvous point selection).
	All() ([]*entity.Relay, error)
}
