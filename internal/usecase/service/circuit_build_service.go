package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"ikedadada/go-onion/internal/domain/entity"
	dsvc "ikedadada/go-onion/internal/domain/service"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// CircuitBuildService runs the CREATE/EXTEND handshakes against live relays.
// Handshake steps on one circuit are serialized; each step depends on the
// cryptographic state left by the previous one.
type CircuitBuildService interface {
	// Create performs the first-hop handshake. Valid only on an Idle
	// circuit; on any failure the circuit is left Idle and unbuilt.
	Create(ctx context.Context, cir *entity.Circuit, ep vo.Endpoint, expected vo.Fingerprint) error
	// Extend asks the current last hop to relay a CREATE to the next
	// relay. On failure the hop list is left untouched.
	Extend(ctx context.Context, cir *entity.Circuit, ep vo.Endpoint, expected vo.Fingerprint) error
}

type circuitBuildServiceImpl struct {
	crypto    CryptoService
	transport TransportService
	dispatch  CellDispatchService
	log       *logging.Logger

	createTimeout time.Duration
	extendTimeout time.Duration
}

// NewCircuitBuildService wires the builder with its collaborators and the
// mandatory handshake timeouts.
func NewCircuitBuildService(crypto CryptoService, transport TransportService, dispatch CellDispatchService,
	log *logging.Logger, createTimeout, extendTimeout time.Duration) CircuitBuildService {
	return &circuitBuildServiceImpl{
		crypto:        crypto,
		transport:     transport,
		dispatch:      dispatch,
		log:           log,
		createTimeout: createTimeout,
		extendTimeout: extendTimeout,
	}
}

func (b *circuitBuildServiceImpl) Create(ctx context.Context, cir *entity.Circuit, ep vo.Endpoint, expected vo.Fingerprint) error {
	cir.ExtendLock()
	defer cir.ExtendUnlock()

	if err := cir.BeginCreate(); err != nil {
		return err
	}
	cid := cir.ID()

	link, err := b.transport.Dial(ctx, ep)
	if err != nil {
		cir.AbortCreate()
		return fmt.Errorf("dial first hop %s: %w", ep, err)
	}
	stack := dsvc.NewLayerStack()
	cir.BindLink(link)
	b.dispatch.Attach(cir, link, stack)

	fail := func(e error) error {
		b.dispatch.Detach(cid)
		cir.AbortCreate()
		return e
	}

	priv, pub, err := b.crypto.X25519Generate()
	if err != nil {
		return fail(fmt.Errorf("generate handshake key: %w", err))
	}
	payload, err := vo.EncodeCreatePayload(&vo.CreatePayload{ClientPub: pub})
	if err != nil {
		return fail(fmt.Errorf("encode create: %w", err))
	}

	pend, err := b.dispatch.Expect(cid, false, byte(vo.CmdCreated), 0)
	if err != nil {
		return fail(err)
	}
	cell := vo.Cell{Cmd: vo.CmdCreate, Version: vo.ProtocolV1, Payload: payload}
	if err := b.dispatch.SendCell(cid, cell); err != nil {
		pend.Cancel()
		return fail(fmt.Errorf("send create: %w", err))
	}

	tctx, cancel := context.WithTimeout(ctx, b.createTimeout)
	defer cancel()
	d, err := pend.Await(tctx)
	if err != nil {
		return fail(mapAwaitErr(err, vo.KindHandshakeTimeout, "create", ctx))
	}

	created, err := vo.DecodeCreatedPayload(d.Cell.Payload)
	if err != nil {
		return fail(vo.NewError(vo.KindMalformedCell, "create", err))
	}
	hop, err := b.finishHandshake(ep, expected, priv, pub, created.RelayPub, created.Auth, "create")
	if err != nil {
		return fail(err)
	}
	if err := stack.AddLayer(hop.Keys()); err != nil {
		return fail(fmt.Errorf("install layer: %w", err))
	}
	if err := cir.AppendHop(hop); err != nil {
		return fail(err)
	}
	b.log.Debugf("circuit %s: created through %s", cid, hop.Relay())
	return nil
}

func (b *circuitBuildServiceImpl) Extend(ctx context.Context, cir *entity.Circuit, ep vo.Endpoint, expected vo.Fingerprint) error {
	cir.ExtendLock()
	defer cir.ExtendUnlock()

	if err := cir.BeginExtend(); err != nil {
		return err
	}
	cid := cir.ID()
	stack, ok := b.dispatch.Stack(cid)
	if !ok {
		cir.AbortExtend()
		return vo.NewError(vo.KindCircuitClosed, "extend", fmt.Errorf("circuit %s not attached", cid))
	}

	fail := func(e error) error {
		cir.AbortExtend()
		return e
	}

	priv, pub, err := b.crypto.X25519Generate()
	if err != nil {
		return fail(fmt.Errorf("generate handshake key: %w", err))
	}
	payload, err := vo.EncodeExtendPayload(&vo.ExtendPayload{
		NextHost:  ep.Host(),
		NextPort:  ep.Port(),
		ClientPub: pub,
	})
	if err != nil {
		return fail(fmt.Errorf("encode extend: %w", err))
	}

	pend, err := b.dispatch.Expect(cid, true, byte(vo.RelayExtended), 0)
	if err != nil {
		return fail(err)
	}
	frame := &vo.RelayFrame{Cmd: vo.RelayExtend, Data: payload}
	if err := b.dispatch.SendRelayFrame(cid, frame, stack.Len()-1); err != nil {
		pend.Cancel()
		return fail(fmt.Errorf("send extend: %w", err))
	}

	tctx, cancel := context.WithTimeout(ctx, b.extendTimeout)
	defer cancel()
	d, err := pend.Await(tctx)
	if err != nil {
		return fail(mapAwaitErr(err, vo.KindHandshakeTimeout, "extend", ctx))
	}

	extended, err := vo.DecodeExtendedPayload(d.Frame.Data)
	if err != nil {
		return fail(vo.NewError(vo.KindMalformedCell, "extend", err))
	}
	hop, err := b.finishHandshake(ep, expected, priv, pub, extended.RelayPub, extended.Auth, "extend")
	if err != nil {
		return fail(err)
	}
	if err := stack.AddLayer(hop.Keys()); err != nil {
		return fail(fmt.Errorf("install layer: %w", err))
	}
	if err := cir.AppendHop(hop); err != nil {
		return fail(err)
	}
	b.log.Debugf("circuit %s: extended to %s (%d hops)", cid, hop.Relay(), cir.HopCount())
	return nil
}

// finishHandshake verifies the responder's identity and derives the hop.
// The fingerprint check comes first: a relay silently substituting a
// different next hop must surface as IdentityMismatch, never as a retry.
func (b *circuitBuildServiceImpl) finishHandshake(ep vo.Endpoint, expected vo.Fingerprint,
	priv, pub, relayPub, auth []byte, op string) (*entity.Hop, error) {

	got := vo.NewFingerprint(relayPub)
	if !got.Equal(expected) {
		return nil, vo.NewRelayError(vo.KindIdentityMismatch, op, got,
			fmt.Errorf("expected %s", expected))
	}
	secret, err := b.crypto.X25519Shared(priv, relayPub)
	if err != nil {
		return nil, fmt.Errorf("%s: shared secret: %w", op, err)
	}
	keys, authKey, err := b.crypto.DeriveHopKeys(secret, pub, relayPub)
	if err != nil {
		return nil, fmt.Errorf("%s: derive keys: %w", op, err)
	}
	if !b.crypto.VerifyAuthTag(authKey, relayPub, pub, auth) {
		return nil, vo.NewRelayError(vo.KindIntegrityFailure, op, got,
			fmt.Errorf("handshake auth mismatch"))
	}
	relay, err := entity.NewRelay(got, ep, relayPub)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entity.NewHop(relay, keys), nil
}

// mapAwaitErr maps a local deadline onto the operation's timeout kind while
// preserving cancellation and close causes.
func mapAwaitErr(err error, timeoutKind vo.ErrorKind, op string, parent context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return vo.NewError(timeoutKind, op, nil)
	}
	if errors.Is(err, context.Canceled) {
		return vo.NewError(vo.KindCancelled, op, err)
	}
	return err
}
