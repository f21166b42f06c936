package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"ikedadada/go-onion/internal/domain/entity"
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
	infrarepo "ikedadada/go-onion/internal/infrastructure/repository"
	infrasvc "ikedadada/go-onion/internal/infrastructure/service"
	"ikedadada/go-onion/internal/log"
	"ikedadada/go-onion/internal/usecase"
	usvc "ikedadada/go-onion/internal/usecase/service"
)

// testEnv wires the full client stack against an in-process relay network.
type testEnv struct {
	network  *infrasvc.MemNetwork
	relays   []*entity.Relay
	crypto   usvc.CryptoService
	dispatch usvc.CellDispatchService
	builder  usvc.CircuitBuildService
	streams  usvc.StreamManagerService
	circuits repository.CircuitRepository
	dir      *infrarepo.RelayDirectory
}

func newTestEnv(t *testing.T, relays int) *testEnv {
	t.Helper()
	crypto := infrasvc.NewCryptoService()
	network := infrasvc.NewMemNetwork(crypto)
	env := &testEnv{network: network, crypto: crypto}
	for i := 0; i < relays; i++ {
		r, err := network.AddRelay("10.1.0.1", uint16(9000+i))
		if err != nil {
			t.Fatalf("add relay %d: %v", i, err)
		}
		env.relays = append(env.relays, r)
	}
	dir, err := network.Directory()
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	env.dir = dir

	backend := log.NewDiscard()
	env.dispatch = usvc.NewCellDispatchService(backend.GetLogger("dispatch"))
	env.builder = usvc.NewCircuitBuildService(crypto, network, env.dispatch,
		backend.GetLogger("builder"), 2*time.Second, 2*time.Second)
	env.streams = usvc.NewStreamManagerService(env.dispatch, backend.GetLogger("streams"), 2*time.Second)
	env.circuits = infrarepo.NewCircuitRepository()
	return env
}

// buildCircuit creates a circuit through the first n relays.
func (e *testEnv) buildCircuit(t *testing.T, n int) vo.CircuitID {
	t.Helper()
	ctx := context.Background()
	createUC := usecase.NewCreateCircuitUseCase(e.builder, e.circuits)
	out, err := createUC.Handle(ctx, usecase.CreateCircuitInput{
		Host:        e.relays[0].Endpoint().Host(),
		Port:        e.relays[0].Endpoint().Port(),
		Fingerprint: e.relays[0].Fingerprint(),
		TargetHops:  n,
		MaxHops:     n + 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	extendUC := usecase.NewExtendCircuitUseCase(e.builder, e.circuits)
	for i := 1; i < n; i++ {
		if _, err := extendUC.Handle(ctx, usecase.ExtendCircuitInput{
			CircuitID:   out.CircuitID,
			Host:        e.relays[i].Endpoint().Host(),
			Port:        e.relays[i].Endpoint().Port(),
			Fingerprint: e.relays[i].Fingerprint(),
		}); err != nil {
			t.Fatalf("extend to relay %d: %v", i, err)
		}
	}
	return out.CircuitID
}

func TestCreateAndExtend_ThreeHopCircuit(t *testing.T) {
	env := newTestEnv(t, 3)
	cid := env.buildCircuit(t, 3)

	cir, err := env.circuits.Find(cid)
	if err != nil {
		t.Fatalf("find circuit: %v", err)
	}
	if !cir.IsFullyBuilt() {
		t.Fatalf("circuit should be open(full), got %s", cir.State())
	}
	hops := cir.Hops()
	if len(hops) != 3 {
		t.Fatalf("hop count %d, want 3", len(hops))
	}
	// Hop order must match the build order.
	for i, h := range hops {
		if !h.Relay().Fingerprint().Equal(env.relays[i].Fingerprint()) {
			t.Errorf("hop %d is %s, want %s", i, h.Relay().Fingerprint(), env.relays[i].Fingerprint())
		}
	}
}

func TestCreate_WrongFingerprintLeavesCircuitIdle(t *testing.T) {
	env := newTestEnv(t, 2)
	cir, err := entity.NewCircuit(2, 4)
	if err != nil {
		t.Fatalf("new circuit: %v", err)
	}
	// Dial relay 0 but expect relay 1's identity.
	err = env.builder.Create(context.Background(), cir, env.relays[0].Endpoint(), env.relays[1].Fingerprint())
	if !errors.Is(err, vo.ErrIdentityMismatch) {
		t.Fatalf("want identity mismatch, got %v", err)
	}
	if cir.State() != entity.StateIdle {
		t.Fatalf("failed create must leave the circuit idle, got %s", cir.State())
	}
	if cir.HopCount() != 0 {
		t.Fatalf("failed create must leave no hops, got %d", cir.HopCount())
	}
}

func TestExtend_IdentityMismatchKeepsHopList(t *testing.T) {
	env := newTestEnv(t, 3)
	cir, err := entity.NewCircuit(3, 4)
	if err != nil {
		t.Fatalf("new circuit: %v", err)
	}
	ctx := context.Background()
	if err := env.builder.Create(ctx, cir, env.relays[0].Endpoint(), env.relays[0].Fingerprint()); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Extend to relay 1 while expecting relay 2's identity.
	err = env.builder.Extend(ctx, cir, env.relays[1].Endpoint(), env.relays[2].Fingerprint())
	if !errors.Is(err, vo.ErrIdentityMismatch) {
		t.Fatalf("want identity mismatch, got %v", err)
	}
	if cir.HopCount() != 1 {
		t.Fatalf("failed extend must keep the hop list, got %d hops", cir.HopCount())
	}
	if cir.State() != entity.StateOpenPartial {
		t.Fatalf("circuit should remain open(partial), got %s", cir.State())
	}
}

func TestConnect_RoundTripOverThreeHops(t *testing.T) {
	env := newTestEnv(t, 3)
	response := bytes.Repeat([]byte("data over the onion "), 150) // several frames
	env.network.HandleTarget("example.com", 80, func(req []byte) []byte {
		if !bytes.Equal(req, []byte("GET /")) {
			return nil
		}
		return response
	})
	cid := env.buildCircuit(t, 3)

	connectUC := usecase.NewConnectUseCase(env.streams, env.circuits)
	out, err := connectUC.Handle(context.Background(), usecase.ConnectInput{
		CircuitID: cid,
		Target:    "example.com",
		Port:      80,
		Request:   []byte("GET /"),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !bytes.Equal(out.Data, response) {
		t.Fatalf("response mismatch: got %d bytes, want %d", len(out.Data), len(response))
	}
}

func TestConnect_RefusedTarget(t *testing.T) {
	env := newTestEnv(t, 2)
	cid := env.buildCircuit(t, 2)

	connectUC := usecase.NewConnectUseCase(env.streams, env.circuits)
	_, err := connectUC.Handle(context.Background(), usecase.ConnectInput{
		CircuitID: cid,
		Target:    "nobody.example",
		Port:      81,
		Request:   []byte("hello"),
	})
	if !errors.Is(err, vo.ErrConnectionRefused) {
		t.Fatalf("want connection refused, got %v", err)
	}
}

func TestDestroyCircuit_Idempotent(t *testing.T) {
	env := newTestEnv(t, 1)
	cid := env.buildCircuit(t, 1)

	destroyUC := usecase.NewDestroyCircuitUseCase(env.dispatch, env.circuits)
	if err := destroyUC.Handle(usecase.DestroyCircuitInput{CircuitID: cid}); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := env.circuits.Find(cid); !repository.IsNotFound(err) {
		t.Fatalf("destroyed circuit should be gone, got %v", err)
	}
	// Second destroy is a no-op.
	if err := destroyUC.Handle(usecase.DestroyCircuitInput{CircuitID: cid}); err != nil {
		t.Fatalf("second destroy should be a no-op, got %v", err)
	}
}

func TestDestroyCircuit_PendingOperationResolvesCancelled(t *testing.T) {
	env := newTestEnv(t, 1)
	cid := env.buildCircuit(t, 1)

	pend, err := env.dispatch.Expect(cid, true, byte(vo.RelayExtended), 0)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	destroyUC := usecase.NewDestroyCircuitUseCase(env.dispatch, env.circuits)
	if err := destroyUC.Handle(usecase.DestroyCircuitInput{CircuitID: cid}); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pend.Await(ctx); !errors.Is(err, vo.ErrCancelled) {
		t.Fatalf("pending operation after destroy: want cancelled, got %v", err)
	}
}

func newHiddenUC(env *testEnv, descs repository.DescriptorRepository) usecase.HiddenConnectUseCase {
	return usecase.NewHiddenConnectUseCase(env.crypto, env.builder, env.dispatch, env.streams,
		env.dir, descs, env.circuits, log.NewDiscard().GetLogger("hidden"), 2*time.Second)
}

func TestHiddenConnect_PinnedEndToEnd(t *testing.T) {
	env := newTestEnv(t, 2)
	addr, serviceFP, err := env.network.AddHiddenService(func(req []byte) []byte {
		return append([]byte("echo: "), req...)
	})
	if err != nil {
		t.Fatalf("add hidden service: %v", err)
	}
	entry, err := env.network.ServiceDirectoryEntry(serviceFP)
	if err != nil {
		t.Fatalf("service entry: %v", err)
	}
	if err := env.dir.Add(entry); err != nil {
		t.Fatalf("register service entry: %v", err)
	}

	uc := newHiddenUC(env, infrarepo.NewMemDescriptorRepository())
	out, err := uc.Handle(context.Background(), usecase.HiddenConnectInput{
		Address:   addr.String(),
		Port:      80,
		Request:   []byte("hello service"),
		IntroFP:   env.relays[0].Fingerprint(),
		RendFP:    env.relays[1].Fingerprint(),
		ServiceFP: serviceFP,
	})
	if err != nil {
		t.Fatalf("hidden connect: %v", err)
	}
	if !bytes.Equal(out.Data, []byte("echo: hello service")) {
		t.Fatalf("unexpected response: %q", out.Data)
	}
}

func TestHiddenConnect_DescriptorMode(t *testing.T) {
	env := newTestEnv(t, 3)
	response := bytes.Repeat([]byte("hidden payload "), 100)
	addr, serviceFP, err := env.network.AddHiddenService(func(req []byte) []byte {
		return response
	})
	if err != nil {
		t.Fatalf("add hidden service: %v", err)
	}
	descs := infrarepo.NewMemDescriptorRepository()
	desc, err := env.network.Descriptor(serviceFP, env.relays[0].Fingerprint())
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	descs.Publish(desc)

	uc := newHiddenUC(env, descs)
	out, err := uc.Handle(context.Background(), usecase.HiddenConnectInput{
		Address: addr.String(),
		Port:    80,
		Request: []byte("fetch"),
	})
	if err != nil {
		t.Fatalf("hidden connect: %v", err)
	}
	if !bytes.Equal(out.Data, response) {
		t.Fatalf("response mismatch: got %d bytes, want %d", len(out.Data), len(response))
	}
}

func TestHiddenConnect_UnknownAddress(t *testing.T) {
	env := newTestEnv(t, 2)
	uc := newHiddenUC(env, infrarepo.NewMemDescriptorRepository())
	addr := vo.NewOnionAddr([]byte("no such service key no such srv!"))
	_, err := uc.Handle(context.Background(), usecase.HiddenConnectInput{
		Address: addr.String(),
		Port:    80,
		Request: []byte("x"),
	})
	if !errors.Is(err, vo.ErrServiceNotFound) {
		t.Fatalf("want service not found, got %v", err)
	}
}
