package service

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"ikedadada/go-onion/internal/domain/entity"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// StreamManagerService multiplexes application streams over open circuits.
// One stream's pending open never blocks other streams on the same circuit;
// the circuit's dispatch loop stays live throughout.
type StreamManagerService interface {
	// Open allocates a stream, sends BEGIN and suspends until CONNECTED,
	// an END (refusal), or the open timeout.
	Open(ctx context.Context, cir *entity.Circuit, target string, port uint16) (*entity.Stream, error)
	// Send writes data on an open stream, consuming send-window credit
	// one frame at a time.
	Send(ctx context.Context, cir *entity.Circuit, st *entity.Stream, data []byte) error
	// Close ends a stream cleanly.
	Close(cir *entity.Circuit, st *entity.Stream) error
}

type streamManagerServiceImpl struct {
	dispatch    CellDispatchService
	log         *logging.Logger
	openTimeout time.Duration
}

// NewStreamManagerService returns the client's stream multiplexer.
func NewStreamManagerService(dispatch CellDispatchService, log *logging.Logger, openTimeout time.Duration) StreamManagerService {
	return &streamManagerServiceImpl{dispatch: dispatch, log: log, openTimeout: openTimeout}
}

// exitHop returns the innermost layer index: the last relay hop, or the
// hidden-service layer once one is spliced in.
func (m *streamManagerServiceImpl) exitHop(cid vo.CircuitID) (int, error) {
	stack, ok := m.dispatch.Stack(cid)
	if !ok {
		return 0, vo.NewError(vo.KindCircuitClosed, "stream", fmt.Errorf("circuit %s not attached", cid))
	}
	n := stack.Len()
	if n == 0 {
		return 0, vo.NewError(vo.KindCircuitClosed, "stream", fmt.Errorf("circuit %s has no layers", cid))
	}
	return n - 1, nil
}

func (m *streamManagerServiceImpl) Open(ctx context.Context, cir *entity.Circuit, target string, port uint16) (*entity.Stream, error) {
	cid := cir.ID()
	hop, err := m.exitHop(cid)
	if err != nil {
		return nil, err
	}
	st, err := cir.OpenStream()
	if err != nil {
		return nil, err
	}
	fail := func(e error) (*entity.Stream, error) {
		st.Reset(vo.ErrStreamReset)
		cir.RemoveStream(st.ID())
		return nil, e
	}

	payload, err := vo.EncodeBeginPayload(&vo.BeginPayload{Target: target, Port: port})
	if err != nil {
		return fail(fmt.Errorf("encode begin: %w", err))
	}
	pend, err := m.dispatch.Expect(cid, true, byte(vo.RelayConnected), st.ID())
	if err != nil {
		return fail(err)
	}
	frame := &vo.RelayFrame{Cmd: vo.RelayBegin, StreamID: st.ID(), Data: payload}
	if err := m.dispatch.SendRelayFrame(cid, frame, hop); err != nil {
		pend.Cancel()
		return fail(fmt.Errorf("send begin: %w", err))
	}

	tctx, cancel := context.WithTimeout(ctx, m.openTimeout)
	defer cancel()
	d, err := pend.Await(tctx)
	if err != nil {
		return fail(mapAwaitErr(err, vo.KindStreamTimeout, "open stream", ctx))
	}
	if d.Frame.Cmd == vo.RelayEnd {
		return fail(vo.NewError(vo.KindConnectionRefused, "open stream",
			fmt.Errorf("target %s:%d", target, port)))
	}
	st.MarkOpen()
	// A CONNECTED frame may carry the first response bytes.
	if len(d.Frame.Data) > 0 {
		st.PushData(d.Frame.Data)
	}
	m.log.Debugf("circuit %s: stream %d open to %s:%d", cid, st.ID(), target, port)
	return st, nil
}

func (m *streamManagerServiceImpl) Send(ctx context.Context, cir *entity.Circuit, st *entity.Stream, data []byte) error {
	cid := cir.ID()
	hop, err := m.exitHop(cid)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		n := len(data)
		if n > vo.MaxRelayDataLen {
			n = vo.MaxRelayDataLen
		}
		if err := st.ConsumeSendWindow(ctx); err != nil {
			return err
		}
		frame := &vo.RelayFrame{Cmd: vo.RelayData, StreamID: st.ID(), Data: data[:n]}
		if err := m.dispatch.SendRelayFrame(cid, frame, hop); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (m *streamManagerServiceImpl) Close(cir *entity.Circuit, st *entity.Stream) error {
	cid := cir.ID()
	hop, err := m.exitHop(cid)
	if err != nil {
		return err
	}
	frame := &vo.RelayFrame{Cmd: vo.RelayEnd, StreamID: st.ID(), Data: []byte{vo.EndReasonDone}}
	err = m.dispatch.SendRelayFrame(cid, frame, hop)
	st.Reset(nil)
	cir.RemoveStream(st.ID())
	return err
}
