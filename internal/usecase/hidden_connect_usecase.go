package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"ikedadada/go-onion/internal/domain/entity"
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/usecase/service"
)

// ---------- DTO ----------

type HiddenConnectInput struct {
	Address string
	Port    uint16
	Request []byte

	// Pinned mode: when ServiceFP is set the descriptor lookup is skipped
	// and the introduction and rendezvous points are taken as given.
	IntroFP   vo.Fingerprint
	RendFP    vo.Fingerprint
	ServiceFP vo.Fingerprint
}

type HiddenConnectOutput struct {
	Data      []byte
	CircuitID vo.CircuitID
}

// ---------- UseCase ----------

// HiddenConnectUseCase performs a full rendezvous connection: resolve the
// service, establish a rendezvous point, introduce through one of the
// service's introduction points, complete the end-to-end handshake and run
// the request over the joined circuit.
type HiddenConnectUseCase interface {
	Handle(ctx context.Context, in HiddenConnectInput) (HiddenConnectOutput, error)
}

type hiddenConnectUseCaseImpl struct {
	crypto      service.CryptoService
	builder     service.CircuitBuildService
	dispatch    service.CellDispatchService
	streams     service.StreamManagerService
	directory   repository.RelayDirectoryRepository
	descriptors repository.DescriptorRepository
	circuits    repository.CircuitRepository
	log         *logging.Logger

	rendTimeout time.Duration
}

func NewHiddenConnectUseCase(
	crypto service.CryptoService,
	builder service.CircuitBuildService,
	dispatch service.CellDispatchService,
	streams service.StreamManagerService,
	directory repository.RelayDirectoryRepository,
	descriptors repository.DescriptorRepository,
	circuits repository.CircuitRepository,
	log *logging.Logger,
	rendTimeout time.Duration,
) HiddenConnectUseCase {
	return &hiddenConnectUseCaseImpl{
		crypto:      crypto,
		builder:     builder,
		dispatch:    dispatch,
		streams:     streams,
		directory:   directory,
		descriptors: descriptors,
		circuits:    circuits,
		log:         log,
		rendTimeout: rendTimeout,
	}
}

func (uc *hiddenConnectUseCaseImpl) Handle(ctx context.Context, in HiddenConnectInput) (HiddenConnectOutput, error) {
	addr, err := vo.OnionAddrFromString(in.Address)
	if err != nil {
		return HiddenConnectOutput{}, vo.NewError(vo.KindServiceNotFound, "resolve", err)
	}

	servicePub, introFPs, rendFP, err := uc.resolve(ctx, addr, in)
	if err != nil {
		return HiddenConnectOutput{}, err
	}
	conn := entity.NewHiddenServiceConn(addr, servicePub)
	defer conn.Wipe()

	rendRelay, err := uc.directory.FindByFingerprint(rendFP)
	if err != nil {
		return HiddenConnectOutput{}, fmt.Errorf("rendezvous relay %s: %w", rendFP, err)
	}

	// The rendezvous circuit carries the joined connection afterwards; its
	// stack gains the service layer on top of the single relay hop.
	rendCir, err := entity.NewCircuit(1, 1)
	if err != nil {
		return HiddenConnectOutput{}, err
	}
	if err := uc.builder.Create(ctx, rendCir, rendRelay.Endpoint(), rendRelay.Fingerprint()); err != nil {
		return HiddenConnectOutput{}, err
	}
	if err := uc.circuits.Save(rendCir); err != nil {
		uc.dispatch.CloseCircuit(rendCir.ID(), vo.NewError(vo.KindCancelled, "rendezvous", nil))
		return HiddenConnectOutput{}, err
	}
	fail := func(e error) (HiddenConnectOutput, error) {
		uc.teardown(rendCir)
		return HiddenConnectOutput{}, e
	}

	cookie := make([]byte, vo.RendezvousCookieSize)
	if _, err := rand.Read(cookie); err != nil {
		return fail(fmt.Errorf("rendezvous cookie: %w", err))
	}
	ephPriv, ephPub, err := uc.crypto.X25519Generate()
	if err != nil {
		return fail(fmt.Errorf("ephemeral key: %w", err))
	}
	conn.ChoosePoints(nil, rendRelay)
	conn.ArmHandshake(cookie, ephPriv, ephPub)

	if err := uc.establishRendezvous(ctx, rendCir, cookie); err != nil {
		return fail(err)
	}

	// Register the RENDEZVOUS2 waiter before introducing: the service may
	// join faster than the introduce ack travels back.
	rendPend, err := uc.dispatch.Expect(rendCir.ID(), true, byte(vo.RelayRendezvous2), 0)
	if err != nil {
		return fail(err)
	}

	if err := uc.introduce(ctx, conn, introFPs, rendRelay); err != nil {
		rendPend.Cancel()
		return fail(err)
	}

	if err := uc.completeHandshake(ctx, rendCir, conn, rendPend); err != nil {
		return fail(err)
	}
	uc.log.Infof("rendezvous joined for %s on circuit %s", addr, rendCir.ID())

	st, err := uc.streams.Open(ctx, rendCir, addr.String(), in.Port)
	if err != nil {
		return fail(err)
	}
	if len(in.Request) > 0 {
		if err := uc.streams.Send(ctx, rendCir, st, in.Request); err != nil {
			_ = uc.streams.Close(rendCir, st)
			return fail(err)
		}
	}
	data, err := st.ReadAll(ctx)
	if err != nil {
		return HiddenConnectOutput{Data: data, CircuitID: rendCir.ID()}, err
	}
	return HiddenConnectOutput{Data: data, CircuitID: rendCir.ID()}, nil
}

// resolve determines the service key and candidate introduction points,
// either from the pinned input or via descriptor lookup.
func (uc *hiddenConnectUseCaseImpl) resolve(ctx context.Context, addr vo.OnionAddr, in HiddenConnectInput) ([]byte, []vo.Fingerprint, vo.Fingerprint, error) {
	if !in.ServiceFP.IsZero() {
		svc, err := uc.directory.FindByFingerprint(in.ServiceFP)
		if err != nil {
			return nil, nil, vo.Fingerprint{}, vo.NewError(vo.KindServiceNotFound, "resolve",
				fmt.Errorf("pinned service %s: %w", in.ServiceFP, err))
		}
		return svc.HandshakePub(), []vo.Fingerprint{in.IntroFP}, in.RendFP, nil
	}

	desc, err := uc.descriptors.FindByAddress(ctx, addr)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, vo.Fingerprint{}, vo.NewError(vo.KindServiceNotFound, "resolve",
				fmt.Errorf("no descriptor for %s", addr))
		}
		return nil, nil, vo.Fingerprint{}, err
	}
	// The address commits to the service key; a descriptor that disagrees
	// is a forgery, not a stale record.
	if !addr.Matches(desc.ServicePub) {
		return nil, nil, vo.Fingerprint{}, vo.NewError(vo.KindIdentityMismatch, "resolve",
			fmt.Errorf("descriptor key does not derive %s", addr))
	}
	if len(desc.IntroPoints) == 0 {
		return nil, nil, vo.Fingerprint{}, vo.NewError(vo.KindIntroductionFailed, "resolve",
			fmt.Errorf("descriptor for %s lists no introduction points", addr))
	}

	rendFP, err := uc.pickRendezvous(desc.IntroPoints)
	if err != nil {
		return nil, nil, vo.Fingerprint{}, err
	}
	return desc.ServicePub, desc.IntroPoints, rendFP, nil
}

// pickRendezvous selects a rendezvous relay distinct from the introduction
// points.
func (uc *hiddenConnectUseCaseImpl) pickRendezvous(intros []vo.Fingerprint) (vo.Fingerprint, error) {
	relays, err := uc.directory.All()
	if err != nil {
		return vo.Fingerprint{}, err
	}
	for _, r := range relays {
		used := false
		for _, fp := range intros {
			if r.Fingerprint().Equal(fp) {
				used = true
				break
			}
		}
		if !used {
			return r.Fingerprint(), nil
		}
	}
	return vo.Fingerprint{}, fmt.Errorf("no relay available as rendezvous point")
}

func (uc *hiddenConnectUseCaseImpl) establishRendezvous(ctx context.Context, cir *entity.Circuit, cookie []byte) error {
	payload, err := vo.EncodeEstablishRendezvousPayload(&vo.EstablishRendezvousPayload{Cookie: cookie})
	if err != nil {
		return fmt.Errorf("encode establish rendezvous: %w", err)
	}
	pend, err := uc.dispatch.Expect(cir.ID(), true, byte(vo.RelayRendezvousEstablished), 0)
	if err != nil {
		return err
	}
	frame := &vo.RelayFrame{Cmd: vo.RelayEstablishRendezvous, Data: payload}
	if err := uc.dispatch.SendRelayFrame(cir.ID(), frame, 0); err != nil {
		pend.Cancel()
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, uc.rendTimeout)
	defer cancel()
	if _, err := pend.Await(tctx); err != nil {
		return awaitErr(err, vo.KindRendezvousTimeout, "establish rendezvous", ctx)
	}
	return nil
}

// introduce tries each introduction point in order until one acknowledges.
func (uc *hiddenConnectUseCaseImpl) introduce(ctx context.Context, conn *entity.HiddenServiceConn, intros []vo.Fingerprint, rendRelay *entity.Relay) error {
	inner, err := vo.EncodeIntroduceInner(&vo.IntroduceInner{
		RendezvousHost: rendRelay.Endpoint().Host(),
		RendezvousPort: rendRelay.Endpoint().Port(),
		RendezvousFP:   rendRelay.Fingerprint().Bytes(),
		Cookie:         conn.Cookie(),
		ClientPub:      conn.EphPub(),
	})
	if err != nil {
		return fmt.Errorf("encode introduce: %w", err)
	}
	sealed, err := uc.crypto.SealToService(conn.ServicePub(), inner)
	if err != nil {
		return fmt.Errorf("seal introduce: %w", err)
	}
	serviceFP := vo.NewFingerprint(conn.ServicePub())
	payload, err := vo.EncodeIntroducePayload(&vo.IntroducePayload{
		ServiceFP: serviceFP.Bytes(),
		Sealed:    sealed,
	})
	if err != nil {
		return fmt.Errorf("encode introduce: %w", err)
	}

	var lastErr error
	for _, fp := range intros {
		err := uc.introduceAt(ctx, fp, payload)
		if err == nil {
			return nil
		}
		uc.log.Warningf("introduction point %s failed: %v", fp, err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return vo.NewError(vo.KindIntroductionFailed, "introduce", lastErr)
}

// introduceAt runs one introduce attempt over a fresh single-hop circuit.
// The circuit exists only to deliver the request and is destroyed afterwards.
func (uc *hiddenConnectUseCaseImpl) introduceAt(ctx context.Context, fp vo.Fingerprint, payload []byte) error {
	relay, err := uc.directory.FindByFingerprint(fp)
	if err != nil {
		return fmt.Errorf("introduction relay %s: %w", fp, err)
	}
	cir, err := entity.NewCircuit(1, 1)
	if err != nil {
		return err
	}
	if err := uc.builder.Create(ctx, cir, relay.Endpoint(), relay.Fingerprint()); err != nil {
		return err
	}
	defer uc.dispatch.CloseCircuit(cir.ID(), vo.NewError(vo.KindCancelled, "introduce", nil))

	pend, err := uc.dispatch.Expect(cir.ID(), true, byte(vo.RelayIntroduceAck), 0)
	if err != nil {
		return err
	}
	frame := &vo.RelayFrame{Cmd: vo.RelayIntroduce, Data: payload}
	if err := uc.dispatch.SendRelayFrame(cir.ID(), frame, 0); err != nil {
		pend.Cancel()
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, uc.rendTimeout)
	defer cancel()
	d, err := pend.Await(tctx)
	if err != nil {
		return awaitErr(err, vo.KindRendezvousTimeout, "introduce", ctx)
	}
	if len(d.Frame.Data) == 0 || d.Frame.Data[0] != vo.IntroAckOK {
		return fmt.Errorf("introduction point refused")
	}
	return nil
}

// completeHandshake awaits RENDEZVOUS2, verifies the service's proof and
// splices the end-to-end layer onto the rendezvous circuit.
func (uc *hiddenConnectUseCaseImpl) completeHandshake(ctx context.Context, cir *entity.Circuit, conn *entity.HiddenServiceConn, pend *service.Pending) error {
	tctx, cancel := context.WithTimeout(ctx, uc.rendTimeout)
	defer cancel()
	d, err := pend.Await(tctx)
	if err != nil {
		return awaitErr(err, vo.KindRendezvousTimeout, "rendezvous", ctx)
	}
	r2, err := vo.DecodeRendezvous2Payload(d.Frame.Data)
	if err != nil {
		return vo.NewError(vo.KindMalformedCell, "rendezvous", err)
	}

	// The secret binds both the service's ephemeral key and its long-term
	// key, so only the real service can produce a valid proof.
	s1, err := uc.crypto.X25519Shared(conn.EphPriv(), r2.ServicePub)
	if err != nil {
		return fmt.Errorf("rendezvous: shared secret: %w", err)
	}
	s2, err := uc.crypto.X25519Shared(conn.EphPriv(), conn.ServicePub())
	if err != nil {
		return fmt.Errorf("rendezvous: shared secret: %w", err)
	}
	secret := append(s1, s2...)
	keys, authKey, err := uc.crypto.DeriveHopKeys(secret, conn.EphPub(), r2.ServicePub)
	if err != nil {
		return fmt.Errorf("rendezvous: derive keys: %w", err)
	}
	if !uc.crypto.VerifyAuthTag(authKey, r2.ServicePub, conn.EphPub(), r2.Auth) {
		return vo.NewError(vo.KindIdentityMismatch, "rendezvous",
			fmt.Errorf("service proof rejected for %s", conn.Address()))
	}

	stack, ok := uc.dispatch.Stack(cir.ID())
	if !ok {
		return vo.NewError(vo.KindCircuitClosed, "rendezvous", fmt.Errorf("circuit %s not attached", cir.ID()))
	}
	return stack.AddLayer(keys)
}

func (uc *hiddenConnectUseCaseImpl) teardown(cir *entity.Circuit) {
	cell := vo.Cell{Cmd: vo.CmdDestroy, Version: vo.ProtocolV1}
	_ = uc.dispatch.SendCell(cir.ID(), cell)
	uc.dispatch.CloseCircuit(cir.ID(), vo.NewError(vo.KindCancelled, "rendezvous", nil))
	_ = uc.circuits.Delete(cir.ID())
}

// awaitErr maps a local deadline onto the operation's timeout kind while
// preserving cancellation and close causes.
func awaitErr(err error, timeoutKind vo.ErrorKind, op string, parent context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return vo.NewError(timeoutKind, op, nil)
	}
	if errors.Is(err, context.Canceled) {
		return vo.NewError(vo.KindCancelled, op, err)
	}
	return err
}
