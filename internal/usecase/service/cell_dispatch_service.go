package service

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"ikedadada/go-onion/internal/domain/entity"
	dsvc "ikedadada/go-onion/internal/domain/service"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// PendingKey identifies one suspended operation: the circuit it belongs to
// and the message that resolves it. Stream is zero for circuit-level waits.
type PendingKey struct {
	Circuit vo.CircuitID
	Relay   bool
	Cmd     byte
	Stream  vo.StreamID
}

// Delivery is the message that resolved a pending wait. Exactly one of Cell
// (link-level) or Frame (relay-level) is set on success.
type Delivery struct {
	Cell  *vo.Cell
	Frame *vo.RelayFrame
	Err   error
}

// Pending is one registered waiter. The dispatch loop resolves it when a
// matching cell arrives; closing the circuit resolves it with the close
// cause instead of leaving it suspended.
type Pending struct {
	key PendingKey
	ch  chan Delivery
	svc *cellDispatchServiceImpl
}

// Await suspends until the waiter resolves or ctx ends. The caller maps a
// context deadline onto the operation's timeout error kind.
func (p *Pending) Await(ctx ctxDone) (Delivery, error) {
	select {
	case d := <-p.ch:
		if d.Err != nil {
			return Delivery{}, d.Err
		}
		return d, nil
	case <-ctx.Done():
		p.Cancel()
		// A resolution may have raced the cancellation.
		select {
		case d := <-p.ch:
			if d.Err != nil {
				return Delivery{}, d.Err
			}
			return d, nil
		default:
		}
		return Delivery{}, ctx.Err()
	}
}

// Cancel deregisters the waiter.
func (p *Pending) Cancel() {
	p.svc.mu.Lock()
	if p.svc.pending[p.key] == p {
		delete(p.svc.pending, p.key)
	}
	p.svc.mu.Unlock()
}

// ctxDone is the subset of context.Context the waiter needs.
type ctxDone interface {
	Done() <-chan struct{}
	Err() error
}

// CellDispatchService runs one dispatch loop per circuit link. Cells are
// processed in arrival order on their circuit; circuits are independent.
// Operations awaiting a relay response suspend on a pending table instead of
// holding a goroutine per request.
type CellDispatchService interface {
	// Attach registers a circuit's link and layer stack and starts its
	// dispatch loop.
	Attach(cir *entity.Circuit, link io.ReadWriteCloser, stack *dsvc.LayerStack)
	// Stack returns the circuit's layer stack.
	Stack(cid vo.CircuitID) (*dsvc.LayerStack, bool)
	// Expect registers a waiter for the next matching message.
	Expect(cid vo.CircuitID, relay bool, cmd byte, sid vo.StreamID) (*Pending, error)
	// SendCell writes a link-level cell.
	SendCell(cid vo.CircuitID, c vo.Cell) error
	// SendRelayFrame onion-encrypts a relay frame for the given hop and
	// writes it as a DATA cell.
	SendRelayFrame(cid vo.CircuitID, f *vo.RelayFrame, hop int) error
	// CloseCircuit stops dispatch, resolves all pending waiters with
	// cause, resets streams and closes the link. Idempotent.
	CloseCircuit(cid vo.CircuitID, cause error)
	// Detach stops dispatch and closes the link without touching the
	// circuit's lifecycle state. Used when a failed create must leave
	// the circuit Idle and unbuilt.
	Detach(cid vo.CircuitID)
}

type circuitRuntime struct {
	circuit   *entity.Circuit
	link      io.ReadWriteCloser
	stack     *dsvc.LayerStack
	writeMu   sync.Mutex
	closeOnce sync.Once
}

type cellDispatchServiceImpl struct {
	log *logging.Logger

	mu       sync.Mutex
	runtimes map[vo.CircuitID]*circuitRuntime
	pending  map[PendingKey]*Pending
}

// NewCellDispatchService returns the client's cell dispatcher.
func NewCellDispatchService(log *logging.Logger) CellDispatchService {
	return &cellDispatchServiceImpl{
		log:      log,
		runtimes: make(map[vo.CircuitID]*circuitRuntime),
		pending:  make(map[PendingKey]*Pending),
	}
}

func (s *cellDispatchServiceImpl) Attach(cir *entity.Circuit, link io.ReadWriteCloser, stack *dsvc.LayerStack) {
	rt := &circuitRuntime{circuit: cir, link: link, stack: stack}
	s.mu.Lock()
	s.runtimes[cir.ID()] = rt
	s.mu.Unlock()
	go s.readLoop(rt)
}

func (s *cellDispatchServiceImpl) Stack(cid vo.CircuitID) (*dsvc.LayerStack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[cid]
	if !ok {
		return nil, false
	}
	return rt.stack, true
}

func (s *cellDispatchServiceImpl) Expect(cid vo.CircuitID, relay bool, cmd byte, sid vo.StreamID) (*Pending, error) {
	key := PendingKey{Circuit: cid, Relay: relay, Cmd: cmd, Stream: sid}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runtimes[cid]; !ok {
		return nil, vo.NewError(vo.KindCircuitClosed, "expect", fmt.Errorf("circuit %s not attached", cid))
	}
	if _, dup := s.pending[key]; dup {
		return nil, fmt.Errorf("duplicate waiter for %s cmd=0x%02x sid=%d", cid, cmd, sid)
	}
	p := &Pending{key: key, ch: make(chan Delivery, 1), svc: s}
	s.pending[key] = p
	return p, nil
}

// resolve hands a delivery to the registered waiter, if any.
func (s *cellDispatchServiceImpl) resolve(key PendingKey, d Delivery) bool {
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- d
	return true
}

func (s *cellDispatchServiceImpl) runtime(cid vo.CircuitID) (*circuitRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[cid]
	if !ok {
		return nil, vo.NewError(vo.KindCircuitClosed, "dispatch", fmt.Errorf("circuit %s not attached", cid))
	}
	return rt, nil
}

func (s *cellDispatchServiceImpl) SendCell(cid vo.CircuitID, c vo.Cell) error {
	rt, err := s.runtime(cid)
	if err != nil {
		return err
	}
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	return WriteCell(rt.link, cid, c)
}

func (s *cellDispatchServiceImpl) SendRelayFrame(cid vo.CircuitID, f *vo.RelayFrame, hop int) error {
	rt, err := s.runtime(cid)
	if err != nil {
		return err
	}
	// Encryption advances stateful cipher and digest state, so cells must
	// hit the wire in the order the layers were applied. One critical
	// section covers both.
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	payload, err := rt.stack.EncryptForSend(f, hop)
	if err != nil {
		return err
	}
	cell := vo.Cell{Cmd: vo.CmdData, Version: vo.ProtocolV1, Payload: payload}
	return WriteCell(rt.link, cid, cell)
}

// detach removes the runtime and resolves its waiters with cause.
func (s *cellDispatchServiceImpl) detach(cid vo.CircuitID, cause error) (*circuitRuntime, bool) {
	s.mu.Lock()
	rt, ok := s.runtimes[cid]
	if ok {
		delete(s.runtimes, cid)
	}
	waiters := make([]*Pending, 0)
	for key, p := range s.pending {
		if key.Circuit.Equal(cid) {
			waiters = append(waiters, p)
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	for _, p := range waiters {
		p.ch <- Delivery{Err: cause}
	}
	return rt, ok
}

func (s *cellDispatchServiceImpl) Detach(cid vo.CircuitID) {
	rt, ok := s.detach(cid, vo.ErrCancelled)
	if !ok {
		return
	}
	rt.closeOnce.Do(func() {
		rt.stack.Wipe()
		_ = rt.link.Close()
	})
}

func (s *cellDispatchServiceImpl) CloseCircuit(cid vo.CircuitID, cause error) {
	rt, ok := s.detach(cid, cause)
	if !ok {
		return
	}
	rt.closeOnce.Do(func() {
		rt.circuit.ResetAllStreams(vo.ErrStreamReset)
		if errors.Is(cause, vo.ErrIntegrityFailure) || errors.Is(cause, vo.ErrMalformedCell) {
			rt.circuit.MarkFailed()
		} else if rt.circuit.BeginClose() {
			rt.circuit.CompleteClose()
		}
		rt.stack.Wipe()
		_ = rt.link.Close()
	})
}

// readLoop processes one circuit's cells in arrival order.
func (s *cellDispatchServiceImpl) readLoop(rt *circuitRuntime) {
	cid := rt.circuit.ID()
	for {
		gotCID, cell, err := ReadCell(rt.link)
		if err != nil {
			if errors.Is(err, vo.ErrMalformedCell) {
				s.log.Warningf("circuit %s: malformed cell, tearing down: %v", cid, err)
				s.CloseCircuit(cid, err)
				return
			}
			s.CloseCircuit(cid, vo.NewError(vo.KindCancelled, "dispatch", err))
			return
		}
		if !gotCID.Equal(cid) {
			s.log.Warningf("circuit %s: dropping cell for unknown circuit %s", cid, gotCID)
			continue
		}
		switch cell.Cmd {
		case vo.CmdCreated:
			if !s.resolve(PendingKey{Circuit: cid, Cmd: byte(vo.CmdCreated)}, Delivery{Cell: cell}) {
				s.log.Warningf("circuit %s: unexpected CREATED dropped", cid)
			}
		case vo.CmdDestroy:
			s.log.Infof("circuit %s: DESTROY from relay", cid)
			s.CloseCircuit(cid, vo.NewError(vo.KindCancelled, "dispatch", nil))
			return
		case vo.CmdData:
			if done := s.handleData(rt, cell); done {
				return
			}
		default:
			s.log.Warningf("circuit %s: dropping unexpected %s cell", cid, cell.Cmd)
		}
	}
}

// handleData decrypts one DATA cell and routes the relay frame. Returns true
// when the circuit was torn down.
func (s *cellDispatchServiceImpl) handleData(rt *circuitRuntime, cell *vo.Cell) bool {
	cid := rt.circuit.ID()
	frame, hop, err := rt.stack.DecryptReceived(cell.Payload)
	if err != nil {
		// Unrecognized or malformed frames poison the circuit's key
		// state: tear the whole circuit down, not just one hop.
		s.log.Errorf("circuit %s: relay frame rejected, tearing down", cid)
		s.CloseCircuit(cid, err)
		return true
	}

	switch frame.Cmd {
	case vo.RelayExtended, vo.RelayRendezvousEstablished, vo.RelayIntroduceAck, vo.RelayRendezvous2:
		if !s.resolve(PendingKey{Circuit: cid, Relay: true, Cmd: byte(frame.Cmd)}, Delivery{Frame: frame}) {
			s.log.Warningf("circuit %s: unexpected %s frame dropped", cid, frame.Cmd)
		}
	case vo.RelayConnected:
		if !s.resolve(PendingKey{Circuit: cid, Relay: true, Cmd: byte(vo.RelayConnected), Stream: frame.StreamID}, Delivery{Frame: frame}) {
			s.log.Warningf("circuit %s: CONNECTED for unknown stream %d dropped", cid, frame.StreamID)
		}
	case vo.RelayEnd:
		s.handleEnd(rt, frame)
	case vo.RelayData:
		s.handleStreamData(rt, frame, hop)
	case vo.RelaySendme:
		if st, ok := rt.circuit.Stream(frame.StreamID); ok {
			st.ReplenishSendWindow(entity.SendmeIncrement)
		} else if frame.StreamID != 0 {
			s.log.Warningf("circuit %s: SENDME for unknown stream %d dropped", cid, frame.StreamID)
		}
	case vo.RelayDrop:
		// Padding; discard.
	default:
		s.log.Warningf("circuit %s: dropping unexpected relay frame %s", cid, frame.Cmd)
	}
	return false
}

func (s *cellDispatchServiceImpl) handleEnd(rt *circuitRuntime, frame *vo.RelayFrame) {
	cid := rt.circuit.ID()
	// An END racing a CONNECTED wait carries the open failure.
	if s.resolve(PendingKey{Circuit: cid, Relay: true, Cmd: byte(vo.RelayConnected), Stream: frame.StreamID}, Delivery{Frame: frame}) {
		return
	}
	st, ok := rt.circuit.Stream(frame.StreamID)
	if !ok {
		if frame.StreamID != 0 {
			s.log.Warningf("circuit %s: END for unknown stream %d dropped", cid, frame.StreamID)
		}
		return
	}
	var cause error
	if len(frame.Data) > 0 && frame.Data[0] == vo.EndReasonReset {
		cause = vo.ErrStreamReset
	}
	st.FinishRemote(cause)
	rt.circuit.RemoveStream(frame.StreamID)
}

func (s *cellDispatchServiceImpl) handleStreamData(rt *circuitRuntime, frame *vo.RelayFrame, hop int) {
	cid := rt.circuit.ID()
	st, ok := rt.circuit.Stream(frame.StreamID)
	if !ok {
		s.log.Warningf("circuit %s: data for unknown stream %d dropped", cid, frame.StreamID)
		return
	}
	if !st.PushData(frame.Data) {
		s.log.Warningf("circuit %s: stream %d receive overflow, frame dropped", cid, frame.StreamID)
		return
	}
	if st.NoteDelivered() {
		sendme := &vo.RelayFrame{Cmd: vo.RelaySendme, StreamID: frame.StreamID}
		if err := s.SendRelayFrame(cid, sendme, hop); err != nil {
			s.log.Warningf("circuit %s: sendme failed: %v", cid, err)
		}
	}
}
