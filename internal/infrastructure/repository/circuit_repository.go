package repository

import (
	"sync"

	"ikedadada/go-onion/internal/domain/entity"
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

type circuitRepositoryImpl struct {
	mu       sync.RWMutex
	circuits map[vo.CircuitID]*entity.Circuit
}

// NewCircuitRepository returns an in-memory circuit table.
func NewCircuitRepository() repository.CircuitRepository {
	return &circuitRepositoryImpl{circuits: make(map[vo.CircuitID]*entity.Circuit)}
}

func (r *circuitRepositoryImpl) Save(c *entity.Circuit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[c.ID()] = c
	return nil
}

func (r *circuitRepositoryImpl) Find(id vo.CircuitID) (*entity.Circuit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circuits[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (r *circuitRepositoryImpl) Delete(id vo.CircuitID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, id)
	return nil
}

func (r *circuitRepositoryImpl) All() ([]*entity.Circuit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.Circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, c)
	}
	return out, nil
}
