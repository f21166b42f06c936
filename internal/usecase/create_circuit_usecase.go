package usecase

import (
	"context"

	"ikedadada/go-onion/internal/domain/entity"
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/usecase/service"
)

// ---------- DTO ----------

type CreateCircuitInput struct {
	Host        string
	Port        uint16
	Fingerprint vo.Fingerprint
	TargetHops  int
	MaxHops     int
}

type CreateCircuitOutput struct {
	CircuitID vo.CircuitID
}

// ---------- UseCase ----------

// CreateCircuitUseCase allocates a circuit and performs the first-hop
// handshake. On failure no circuit is registered.
type CreateCircuitUseCase interface {
	Handle(ctx context.Context, in CreateCircuitInput) (CreateCircuitOutput, error)
}

type createCircuitUseCaseImpl struct {
	builder  service.CircuitBuildService
	circuits repository.CircuitRepository
}

func NewCreateCircuitUseCase(b service.CircuitBuildService, cr repository.CircuitRepository) CreateCircuitUseCase {
	return &createCircuitUseCaseImpl{builder: b, circuits: cr}
}

func (uc *createCircuitUseCaseImpl) Handle(ctx context.Context, in CreateCircuitInput) (CreateCircuitOutput, error) {
	ep, err := vo.NewEndpoint(in.Host, in.Port)
	if err != nil {
		return CreateCircuitOutput{}, err
	}
	cir, err := entity.NewCircuit(in.TargetHops, in.MaxHops)
	if err != nil {
		return CreateCircuitOutput{}, err
	}
	if err := uc.builder.Create(ctx, cir, ep, in.Fingerprint); err != nil {
		return CreateCircuitOutput{}, err
	}
	if err := uc.circuits.Save(cir); err != nil {
		return CreateCircuitOutput{}, err
	}
	return CreateCircuitOutput{CircuitID: cir.ID()}, nil
}
