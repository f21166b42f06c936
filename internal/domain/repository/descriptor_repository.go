package repository

import (
	"context"

	"ikedadada/go-onion/internal/domain/entity"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// DescriptorRepository is the injected descriptor lookup collaborator for
// hidden services.
type DescriptorRepository interface {
	// FindByAddress returns the service descriptor for an onion address,
	// or ErrNotFound when no descriptor resolves.
	FindByAddress(ctx context.Context, addr vo.OnionAddr) (*entity.ServiceDescriptor, error)
}
