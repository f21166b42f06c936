package handler

import (
	"context"
	"fmt"
	"sync"

	vo "ikedadada/go-onion/internal/domain/value_object"
	"ikedadada/go-onion/internal/usecase"
)

// Client is the embedding surface of the onion client: it owns one current
// circuit, tracks pinned hidden-service relays and fronts the use cases with
// plain string/byte arguments.
type Client struct {
	createUC  usecase.CreateCircuitUseCase
	extendUC  usecase.ExtendCircuitUseCase
	connectUC usecase.ConnectUseCase
	destroyUC usecase.DestroyCircuitUseCase
	hiddenUC  usecase.HiddenConnectUseCase

	targetHops int
	maxHops    int

	mu      sync.Mutex
	circuit vo.CircuitID
	hasCir  bool

	introFP   vo.Fingerprint
	rendFP    vo.Fingerprint
	serviceFP vo.Fingerprint
}

// NewClient wires a client facade. targetHops is the intended path length for
// Create; maxHops caps Extend.
func NewClient(
	create usecase.CreateCircuitUseCase,
	extend usecase.ExtendCircuitUseCase,
	connect usecase.ConnectUseCase,
	destroy usecase.DestroyCircuitUseCase,
	hidden usecase.HiddenConnectUseCase,
	targetHops, maxHops int,
) *Client {
	return &Client{
		createUC:   create,
		extendUC:   extend,
		connectUC:  connect,
		destroyUC:  destroy,
		hiddenUC:   hidden,
		targetHops: targetHops,
		maxHops:    maxHops,
	}
}

// Create builds a fresh circuit through the given first hop. Any previous
// circuit is destroyed first.
func (c *Client) Create(ctx context.Context, host string, port uint16, fingerprint string) error {
	fp, err := vo.FingerprintFromHex(fingerprint)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}
	out, err := c.createUC.Handle(ctx, usecase.CreateCircuitInput{
		Host:        host,
		Port:        port,
		Fingerprint: fp,
		TargetHops:  c.targetHops,
		MaxHops:     c.maxHops,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.circuit = out.CircuitID
	c.hasCir = true
	c.mu.Unlock()
	return nil
}

// Extend adds a hop to the current circuit.
func (c *Client) Extend(ctx context.Context, host string, port uint16, fingerprint string) error {
	cid, err := c.current()
	if err != nil {
		return err
	}
	fp, err := vo.FingerprintFromHex(fingerprint)
	if err != nil {
		return err
	}
	_, err = c.extendUC.Handle(ctx, usecase.ExtendCircuitInput{
		CircuitID:   cid,
		Host:        host,
		Port:        port,
		Fingerprint: fp,
	})
	return err
}

// Connect opens a stream to target:port on the current circuit, sends the
// request and returns the response.
func (c *Client) Connect(ctx context.Context, target string, port uint16, request []byte) ([]byte, error) {
	cid, err := c.current()
	if err != nil {
		return nil, err
	}
	out, err := c.connectUC.Handle(ctx, usecase.ConnectInput{
		CircuitID: cid,
		Target:    target,
		Port:      port,
		Request:   request,
	})
	return out.Data, err
}

// SetPinnedRelays fixes the introduction point, rendezvous point and service
// identity for subsequent hidden-service connections, bypassing descriptor
// lookup. Empty strings clear the pin.
func (c *Client) SetPinnedRelays(introFP, rendFP, serviceFP string) error {
	var intro, rend, svc vo.Fingerprint
	var err error
	if serviceFP != "" {
		if svc, err = vo.FingerprintFromHex(serviceFP); err != nil {
			return err
		}
		if intro, err = vo.FingerprintFromHex(introFP); err != nil {
			return err
		}
		if rend, err = vo.FingerprintFromHex(rendFP); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.introFP, c.rendFP, c.serviceFP = intro, rend, svc
	c.mu.Unlock()
	return nil
}

// ResolveAndConnect connects to a hidden service, resolving its descriptor
// unless pinned relays are set. The rendezvous circuit is independent of the
// client's current circuit.
func (c *Client) ResolveAndConnect(ctx context.Context, onion string, port uint16, request []byte) ([]byte, error) {
	c.mu.Lock()
	in := usecase.HiddenConnectInput{
		Address:   onion,
		Port:      port,
		Request:   request,
		IntroFP:   c.introFP,
		RendFP:    c.rendFP,
		ServiceFP: c.serviceFP,
	}
	c.mu.Unlock()
	out, err := c.hiddenUC.Handle(ctx, in)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.destroyUC.Handle(usecase.DestroyCircuitInput{CircuitID: out.CircuitID})
	}()
	return out.Data, nil
}

// Close destroys the current circuit, if any. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.hasCir {
		c.mu.Unlock()
		return nil
	}
	cid := c.circuit
	c.hasCir = false
	c.mu.Unlock()
	return c.destroyUC.Handle(usecase.DestroyCircuitInput{CircuitID: cid})
}

func (c *Client) current() (vo.CircuitID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCir {
		return vo.CircuitID{}, fmt.Errorf("no circuit: call Create first")
	}
	return c.circuit, nil
}
