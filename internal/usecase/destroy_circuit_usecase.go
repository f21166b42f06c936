package usecase

import (
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/usecase/service"
)

// ---------- DTO ----------

type DestroyCircuitInput struct {
	CircuitID vo.CircuitID
}

// ---------- UseCase ----------

// DestroyCircuitUseCase tears a circuit down: a DESTROY is sent to the first
// hop on a best-effort basis, pending operations resolve with a cancelled
// error, and key material is wiped. Destroying an unknown circuit is a no-op.
type DestroyCircuitUseCase interface {
	Handle(in DestroyCircuitInput) error
}

type destroyCircuitUseCaseImpl struct {
	dispatch service.CellDispatchService
	circuits repository.CircuitRepository
}

func NewDestroyCircuitUseCase(d service.CellDispatchService, cr repository.CircuitRepository) DestroyCircuitUseCase {
	return &destroyCircuitUseCaseImpl{dispatch: d, circuits: cr}
}

func (uc *destroyCircuitUseCaseImpl) Handle(in DestroyCircuitInput) error {
	_, err := uc.circuits.Find(in.CircuitID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil
		}
		return err
	}
	// Best effort: the link may already be gone.
	cell := vo.Cell{Cmd: vo.CmdDestroy, Version: vo.ProtocolV1}
	_ = uc.dispatch.SendCell(in.CircuitID, cell)
	uc.dispatch.CloseCircuit(in.CircuitID, vo.NewError(vo.KindCancelled, "destroy", nil))
	return uc.circuits.Delete(in.CircuitID)
}
