package handler_test

import (
	"context"
	"errors"
	"testing"

	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/handler"
	"ikedadada/go-onion/internal/usecase"
)

type fakeUseCases struct {
	created   vo.CircuitID
	creates   int
	extends   int
	destroys  []vo.CircuitID
	connectIn usecase.ConnectInput
	hiddenIn  usecase.HiddenConnectInput
	response  []byte
	hiddenCID vo.CircuitID
	createErr error
}

func (f *fakeUseCases) client(t *testing.T) *handler.Client {
	t.Helper()
	return handler.NewClient(
		createFn(func(ctx context.Context, in usecase.CreateCircuitInput) (usecase.CreateCircuitOutput, error) {
			f.creates++
			if f.createErr != nil {
				return usecase.CreateCircuitOutput{}, f.createErr
			}
			f.created = vo.NewCircuitID()
			return usecase.CreateCircuitOutput{CircuitID: f.created}, nil
		}),
		extendFn(func(ctx context.Context, in usecase.ExtendCircuitInput) (usecase.ExtendCircuitOutput, error) {
			f.extends++
			return usecase.ExtendCircuitOutput{HopCount: f.extends + 1}, nil
		}),
		connectFn(func(ctx context.Context, in usecase.ConnectInput) (usecase.ConnectOutput, error) {
			f.connectIn = in
			return usecase.ConnectOutput{Data: f.response}, nil
		}),
		destroyFn(func(in usecase.DestroyCircuitInput) error {
			f.destroys = append(f.destroys, in.CircuitID)
			return nil
		}),
		hiddenFn(func(ctx context.Context, in usecase.HiddenConnectInput) (usecase.HiddenConnectOutput, error) {
			f.hiddenIn = in
			f.hiddenCID = vo.NewCircuitID()
			return usecase.HiddenConnectOutput{Data: f.response, CircuitID: f.hiddenCID}, nil
		}),
		3, 6,
	)
}

type createFn func(context.Context, usecase.CreateCircuitInput) (usecase.CreateCircuitOutput, error)

func (fn createFn) Handle(ctx context.Context, in usecase.CreateCircuitInput) (usecase.CreateCircuitOutput, error) {
	return fn(ctx, in)
}

type extendFn func(context.Context, usecase.ExtendCircuitInput) (usecase.ExtendCircuitOutput, error)

func (fn extendFn) Handle(ctx context.Context, in usecase.ExtendCircuitInput) (usecase.ExtendCircuitOutput, error) {
	return fn(ctx, in)
}

type connectFn func(context.Context, usecase.ConnectInput) (usecase.ConnectOutput, error)

func (fn connectFn) Handle(ctx context.Context, in usecase.ConnectInput) (usecase.ConnectOutput, error) {
	return fn(ctx, in)
}

type destroyFn func(usecase.DestroyCircuitInput) error

func (fn destroyFn) Handle(in usecase.DestroyCircuitInput) error { return fn(in) }

type hiddenFn func(context.Context, usecase.HiddenConnectInput) (usecase.HiddenConnectOutput, error)

func (fn hiddenFn) Handle(ctx context.Context, in usecase.HiddenConnectInput) (usecase.HiddenConnectOutput, error) {
	return fn(ctx, in)
}

func testFP(t *testing.T) string {
	t.Helper()
	fp := vo.NewFingerprint([]byte("some relay handshake public key."))
	return fp.String()
}

func TestClient_CreateThenConnect(t *testing.T) {
	f := &fakeUseCases{response: []byte("payload")}
	c := f.client(t)
	ctx := context.Background()

	if err := c.Create(ctx, "10.0.0.1", 9001, testFP(t)); err != nil {
		t.Fatalf("create: %v", err)
	}
	data, err := c.Connect(ctx, "example.com", 80, []byte("GET /"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected response %q", data)
	}
	if !f.connectIn.CircuitID.Equal(f.created) {
		t.Fatalf("connect used circuit %s, want %s", f.connectIn.CircuitID, f.created)
	}
}

func TestClient_ConnectWithoutCircuit(t *testing.T) {
	f := &fakeUseCases{}
	c := f.client(t)
	if _, err := c.Connect(context.Background(), "example.com", 80, nil); err == nil {
		t.Fatalf("connect before create must fail")
	}
}

func TestClient_CreateReplacesPreviousCircuit(t *testing.T) {
	f := &fakeUseCases{}
	c := f.client(t)
	ctx := context.Background()

	if err := c.Create(ctx, "10.0.0.1", 9001, testFP(t)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	first := f.created
	if err := c.Create(ctx, "10.0.0.2", 9002, testFP(t)); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if len(f.destroys) != 1 || !f.destroys[0].Equal(first) {
		t.Fatalf("second create must destroy the first circuit, destroys=%v", f.destroys)
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	f := &fakeUseCases{}
	c := f.client(t)

	if err := c.Create(context.Background(), "10.0.0.1", 9001, testFP(t)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(f.destroys) != 1 {
		t.Fatalf("close must destroy exactly once, got %d", len(f.destroys))
	}
}

func TestClient_SetPinnedRelaysFlowsIntoHiddenConnect(t *testing.T) {
	f := &fakeUseCases{response: []byte("ok")}
	c := f.client(t)
	ctx := context.Background()

	intro := vo.NewFingerprint([]byte("intro relay handshake public key"))
	rend := vo.NewFingerprint([]byte("rend relay handshake public key."))
	svc := vo.NewFingerprint([]byte("service handshake public key own"))
	if err := c.SetPinnedRelays(intro.String(), rend.String(), svc.String()); err != nil {
		t.Fatalf("set pinned: %v", err)
	}

	if _, err := c.ResolveAndConnect(ctx, "abc.onion", 80, []byte("hi")); err != nil {
		t.Fatalf("resolve and connect: %v", err)
	}
	if !f.hiddenIn.ServiceFP.Equal(svc) || !f.hiddenIn.IntroFP.Equal(intro) || !f.hiddenIn.RendFP.Equal(rend) {
		t.Fatalf("pinned fingerprints not forwarded: %+v", f.hiddenIn)
	}
	// The rendezvous circuit is torn down after the response.
	if len(f.destroys) != 1 || !f.destroys[0].Equal(f.hiddenCID) {
		t.Fatalf("rendezvous circuit not destroyed, destroys=%v", f.destroys)
	}

	// Clearing the pin reverts to descriptor mode.
	if err := c.SetPinnedRelays("", "", ""); err != nil {
		t.Fatalf("clear pinned: %v", err)
	}
	if _, err := c.ResolveAndConnect(ctx, "abc.onion", 80, nil); err != nil {
		t.Fatalf("resolve and connect: %v", err)
	}
	if !f.hiddenIn.ServiceFP.IsZero() {
		t.Fatalf("cleared pin still forwarded: %+v", f.hiddenIn)
	}
}

func TestClient_CreateErrorLeavesNoCircuit(t *testing.T) {
	f := &fakeUseCases{createErr: errors.New("relay unreachable")}
	c := f.client(t)
	if err := c.Create(context.Background(), "10.0.0.1", 9001, testFP(t)); err == nil {
		t.Fatalf("create should fail")
	}
	if _, err := c.Connect(context.Background(), "example.com", 80, nil); err == nil {
		t.Fatalf("no circuit should be tracked after failed create")
	}
}
