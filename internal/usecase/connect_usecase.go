package usecase

import (
	"context"

	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/usecase/service"
)

// ---------- DTO ----------

type ConnectInput struct {
	CircuitID vo.CircuitID
	Target    string
	Port      uint16
	// Request is written to the stream once it is open. May be empty for
	// protocols where the target speaks first.
	Request []byte
}

type ConnectOutput struct {
	Data []byte
}

// ---------- UseCase ----------

// ConnectUseCase opens a stream on a built circuit, sends the request and
// collects the response until the target ends the stream.
type ConnectUseCase interface {
	Handle(ctx context.Context, in ConnectInput) (ConnectOutput, error)
}

type connectUseCaseImpl struct {
	streams  service.StreamManagerService
	circuits repository.CircuitRepository
}

func NewConnectUseCase(sm service.StreamManagerService, cr repository.CircuitRepository) ConnectUseCase {
	return &connectUseCaseImpl{streams: sm, circuits: cr}
}

func (uc *connectUseCaseImpl) Handle(ctx context.Context, in ConnectInput) (ConnectOutput, error) {
	cir, err := uc.circuits.Find(in.CircuitID)
	if err != nil {
		return ConnectOutput{}, err
	}
	st, err := uc.streams.Open(ctx, cir, in.Target, in.Port)
	if err != nil {
		return ConnectOutput{}, err
	}
	if len(in.Request) > 0 {
		if err := uc.streams.Send(ctx, cir, st, in.Request); err != nil {
			_ = uc.streams.Close(cir, st)
			return ConnectOutput{}, err
		}
	}
	data, err := st.ReadAll(ctx)
	if err != nil {
		return ConnectOutput{Data: data}, err
	}
	return ConnectOutput{Data: data}, nil
}
