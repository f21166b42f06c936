package usecase

import (
	"context"

	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/usecase/service"
)

// ---------- DTO ----------

type ExtendCircuitInput struct {
	CircuitID   vo.CircuitID
	Host        string
	Port        uint16
	Fingerprint vo.Fingerprint
}

type ExtendCircuitOutput struct {
	HopCount int
}

// ---------- UseCase ----------

// ExtendCircuitUseCase adds one hop to an existing circuit. A failed extend
// leaves the hop list unchanged.
type ExtendCircuitUseCase interface {
	Handle(ctx context.Context, in ExtendCircuitInput) (ExtendCircuitOutput, error)
}

type extendCircuitUseCaseImpl struct {
	builder  service.CircuitBuildService
	circuits repository.CircuitRepository
}

func NewExtendCircuitUseCase(b service.CircuitBuildService, cr repository.CircuitRepository) ExtendCircuitUseCase {
	return &extendCircuitUseCaseImpl{builder: b, circuits: cr}
}

func (uc *extendCircuitUseCaseImpl) Handle(ctx context.Context, in ExtendCircuitInput) (ExtendCircuitOutput, error) {
	cir, err := uc.circuits.Find(in.CircuitID)
	if err != nil {
		return ExtendCircuitOutput{}, err
	}
	ep, err := vo.NewEndpoint(in.Host, in.Port)
	if err != nil {
		return ExtendCircuitOutput{}, err
	}
	if err := uc.builder.Extend(ctx, cir, ep, in.Fingerprint); err != nil {
		return ExtendCircuitOutput{}, err
	}
	return ExtendCircuitOutput{HopCount: cir.HopCount()}, nil
}
