package repository

import (
	"ikedadada/go-onion/internal/domain/entity"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// CircuitRepository tracks the client's circuits.
type CircuitRepository interface {
	Save(*entity.Circuit) error
	Find(vo.CircuitID) (*entity.Circuit, error)
	Delete(vo.CircuitID) error
	All() ([]*entity.Circuit, error)
}
