package service_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"ikedadada/go-onion/internal/domain/entity"
	dsvc "ikedadada/go-onion/internal/domain/service"
	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/log"
	usvc "ikedadada/go-onion/internal/usecase/service"
)

func newDispatchFixture(t *testing.T) (usvc.CellDispatchService, *entity.Circuit, net.Conn) {
	t.Helper()
	d := usvc.NewCellDispatchService(log.NewDiscard().GetLogger("dispatch-test"))
	cir, err := entity.NewCircuit(1, 1)
	if err != nil {
		t.Fatalf("new circuit: %v", err)
	}
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	d.Attach(cir, client, dsvc.NewLayerStack())
	return d, cir, server
}

func TestCellDispatch_DeliveryResolvesWaiter(t *testing.T) {
	d, cir, server := newDispatchFixture(t)
	cid := cir.ID()

	pend, err := d.Expect(cid, false, byte(vo.CmdCreated), 0)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	go func() {
		cell := vo.Cell{Cmd: vo.CmdCreated, Version: vo.ProtocolV1, Payload: []byte("handshake reply")}
		_ = usvc.WriteCell(server, cid, cell)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := pend.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if delivery.Cell == nil || string(delivery.Cell.Payload) != "handshake reply" {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
}

func TestCellDispatch_CloseResolvesAllPendingWithCause(t *testing.T) {
	d, cir, _ := newDispatchFixture(t)
	cid := cir.ID()

	cause := vo.NewError(vo.KindCancelled, "test teardown", nil)
	waiters := []*usvc.Pending{}
	for _, cmd := range []vo.RelayCommand{vo.RelayExtended, vo.RelayRendezvousEstablished, vo.RelayIntroduceAck} {
		p, err := d.Expect(cid, true, byte(cmd), 0)
		if err != nil {
			t.Fatalf("expect 0x%02x: %v", cmd, err)
		}
		waiters = append(waiters, p)
	}

	d.CloseCircuit(cid, cause)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, p := range waiters {
		if _, err := p.Await(ctx); !errors.Is(err, vo.ErrCancelled) {
			t.Errorf("waiter %d: want cancelled cause, got %v", i, err)
		}
	}
	if cir.State() != entity.StateClosed {
		t.Errorf("circuit should be closed, got %s", cir.State())
	}
}

func TestCellDispatch_DoubleCloseIsNoop(t *testing.T) {
	d, cir, _ := newDispatchFixture(t)
	cid := cir.ID()

	d.CloseCircuit(cid, vo.NewError(vo.KindCircuitClosed, "first", nil))
	state := cir.State()
	d.CloseCircuit(cid, vo.NewError(vo.KindIntegrityFailure, "second", nil))
	if cir.State() != state {
		t.Fatalf("second close changed state: %s -> %s", state, cir.State())
	}
}

func TestCellDispatch_DetachLeavesCircuitStateAlone(t *testing.T) {
	d, cir, _ := newDispatchFixture(t)
	cid := cir.ID()
	if err := cir.BeginCreate(); err != nil {
		t.Fatalf("begin create: %v", err)
	}

	pend, err := d.Expect(cid, false, byte(vo.CmdCreated), 0)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	d.Detach(cid)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pend.Await(ctx); !errors.Is(err, vo.ErrCancelled) {
		t.Fatalf("want cancelled, got %v", err)
	}
	if cir.State() != entity.StateCreating {
		t.Fatalf("detach must not touch lifecycle state, got %s", cir.State())
	}
	cir.AbortCreate()
	if cir.State() != entity.StateIdle {
		t.Fatalf("abort after detach should restore idle, got %s", cir.State())
	}
}

func TestCellDispatch_ExpectOnUnattachedCircuit(t *testing.T) {
	d := usvc.NewCellDispatchService(log.NewDiscard().GetLogger("dispatch-test"))
	if _, err := d.Expect(vo.NewCircuitID(), false, byte(vo.CmdCreated), 0); !errors.Is(err, vo.ErrCircuitClosed) {
		t.Fatalf("want circuit closed, got %v", err)
	}
}

func TestCellDispatch_DuplicateWaiterRejected(t *testing.T) {
	d, cir, _ := newDispatchFixture(t)
	cid := cir.ID()
	if _, err := d.Expect(cid, true, byte(vo.RelayExtended), 0); err != nil {
		t.Fatalf("first expect: %v", err)
	}
	if _, err := d.Expect(cid, true, byte(vo.RelayExtended), 0); err == nil {
		t.Fatalf("duplicate waiter should be rejected")
	}
}

// TestCellDispatch_ConcurrentSendsStayRecognizable sends relay frames from
// several goroutines on one circuit. The hop's forward CTR keystream and
// running digest advance per cell, so every frame must reach the wire in the
// order its layer was applied or the hop stops recognizing traffic.
func TestCellDispatch_ConcurrentSendsStayRecognizable(t *testing.T) {
	d := usvc.NewCellDispatchService(log.NewDiscard().GetLogger("dispatch-test"))
	cir, err := entity.NewCircuit(1, 1)
	if err != nil {
		t.Fatalf("new circuit: %v", err)
	}
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	var keys vo.HopKeys
	for i := range keys.Forward {
		keys.Forward[i] = byte(i)
		keys.Backward[i] = byte(i + 64)
		keys.ForwardDigest[i] = byte(i + 128)
		keys.BackwardDigest[i] = byte(i + 192)
	}
	stack := dsvc.NewLayerStack()
	if err := stack.AddLayer(keys); err != nil {
		t.Fatalf("add layer: %v", err)
	}
	d.Attach(cir, client, stack)

	// Relay-side mirror of the hop's forward state, reading sequentially.
	block, err := aes.NewCipher(keys.Forward[:])
	if err != nil {
		t.Fatalf("mirror cipher: %v", err)
	}
	fwd := cipher.NewCTR(block, make([]byte, aes.BlockSize))
	digest := sha256.New()
	digest.Write(keys.ForwardDigest[:])

	const senders = 4
	const perSender = 50
	total := senders * perSender

	errCh := make(chan error, senders+1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			_, cell, err := usvc.ReadCell(server)
			if err != nil {
				errCh <- fmt.Errorf("read cell %d: %w", i, err)
				return
			}
			buf := cell.Payload
			fwd.XORKeyStream(buf, buf)
			candidate := make([]byte, len(buf))
			copy(candidate, buf)
			for j := vo.DigestOffset; j < vo.DigestOffset+vo.DigestSize; j++ {
				candidate[j] = 0
			}
			digest.Write(candidate)
			sum := digest.Sum(nil)
			if !bytes.Equal(sum[:vo.DigestSize], buf[vo.DigestOffset:vo.DigestOffset+vo.DigestSize]) {
				errCh <- fmt.Errorf("frame %d arrived out of cipher order, hop does not recognize it", i)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(sid vo.StreamID) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				frame := &vo.RelayFrame{Cmd: vo.RelayData, StreamID: sid, Data: []byte("chunk")}
				if err := d.SendRelayFrame(cir.ID(), frame, 0); err != nil {
					errCh <- fmt.Errorf("stream %d send %d: %w", sid, i, err)
					return
				}
			}
		}(vo.StreamID(2*g + 1))
	}

	select {
	case <-done:
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay mirror did not drain all frames")
	}
	select {
	case err := <-errCh:
		t.Fatal(err)
	default:
	}
	wg.Wait()
}

func TestCellDispatch_UnrecognizedFrameTearsDownCircuit(t *testing.T) {
	d, cir, server := newDispatchFixture(t)
	cid := cir.ID()

	pend, err := d.Expect(cid, true, byte(vo.RelayExtended), 0)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	// A full-size DATA payload no layer encrypted: decryption must fail and
	// poison the whole circuit.
	junk := make([]byte, vo.MaxPayloadSize)
	for i := range junk {
		junk[i] = byte(i * 7)
	}
	go func() {
		_ = usvc.WriteCell(server, cid, vo.Cell{Cmd: vo.CmdData, Version: vo.ProtocolV1, Payload: junk})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pend.Await(ctx); !errors.Is(err, vo.ErrIntegrityFailure) {
		t.Fatalf("want integrity failure, got %v", err)
	}
	if cir.State() != entity.StateFailed {
		t.Fatalf("integrity failure must mark the circuit failed, got %s", cir.State())
	}
}
