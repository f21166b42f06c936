package entity

import (
	"fmt"
	"io"
	"sync"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

// CircuitState is the lifecycle state of a circuit.
type CircuitState uint8

const (
	StateIdle CircuitState = iota
	StateCreating
	StateOpenPartial
	StateExtending
	StateOpenFull
	StateClosing
	StateClosed
	StateFailed
)

func (s CircuitState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateOpenPartial:
		return "open(partial)"
	case StateExtending:
		return "extending"
	case StateOpenFull:
		return "open(full)"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Hop is one relay's position and negotiated key material within a circuit.
// The hop list is strictly ordered and append-only during build.
type Hop struct {
	relay *Relay
	keys  vo.HopKeys
}

func NewHop(relay *Relay, keys vo.HopKeys) *Hop { return &Hop{relay: relay, keys: keys} }

func (h *Hop) Relay() *Relay { return h.relay }

// Keys returns a copy of the hop's key material. The live cipher state is
// owned by the circuit's layer stack; wiping the hop does not reach copies
// already handed out, so callers must not retain them past the handshake.
func (h *Hop) Keys() vo.HopKeys { return h.keys }

func (h *Hop) wipe() { h.keys.Wipe() }

// Circuit is an ordered multi-hop encrypted path. It is owned by the builder
// during construction and by the stream multiplexer once open.
type Circuit struct {
	id         vo.CircuitID
	targetHops int
	maxHops    int

	mu    sync.Mutex
	state CircuitState
	hops  []*Hop
	link  io.ReadWriteCloser

	// extendMu serializes create/extend on this circuit: each step depends
	// on the cryptographic state of the prior one.
	extendMu sync.Mutex

	strmMu     sync.Mutex
	streams    map[vo.StreamID]*Stream
	nextStream uint16
}

// NewCircuit returns an Idle circuit. targetHops is the intended path length
// (the circuit is open(full) once reached); maxHops caps extension.
func NewCircuit(targetHops, maxHops int) (*Circuit, error) {
	if targetHops <= 0 {
		return nil, fmt.Errorf("target hops must be positive, got %d", targetHops)
	}
	if maxHops < targetHops {
		return nil, fmt.Errorf("max hops %d below target %d", maxHops, targetHops)
	}
	return &Circuit{
		id:         vo.NewCircuitID(),
		targetHops: targetHops,
		maxHops:    maxHops,
		state:      StateIdle,
		streams:    make(map[vo.StreamID]*Stream),
		nextStream: 1,
	}, nil
}

func (c *Circuit) ID() vo.CircuitID { return c.id }

func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hops returns a copy of the ordered hop list.
func (c *Circuit) Hops() []*Hop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Hop(nil), c.hops...)
}

func (c *Circuit) HopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hops)
}

// LastHop returns the current exit hop, or nil on an unbuilt circuit.
func (c *Circuit) LastHop() *Hop {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hops) == 0 {
		return nil
	}
	return c.hops[len(c.hops)-1]
}

// BindLink attaches the duplex channel to the first hop.
func (c *Circuit) BindLink(link io.ReadWriteCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = link
}

func (c *Circuit) Link() io.ReadWriteCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// ExtendLock serializes handshake steps on this circuit.
func (c *Circuit) ExtendLock()   { c.extendMu.Lock() }
func (c *Circuit) ExtendUnlock() { c.extendMu.Unlock() }

// BeginCreate transitions Idle -> Creating.
func (c *Circuit) BeginCreate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return vo.NewError(vo.KindCircuitClosed, "create",
			fmt.Errorf("create valid only from idle, circuit is %s", c.state))
	}
	c.state = StateCreating
	return nil
}

// AbortCreate rolls a failed create back to Idle, leaving the circuit unbuilt.
func (c *Circuit) AbortCreate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCreating {
		c.state = StateIdle
	}
}

// BeginExtend transitions an open circuit to Extending. Fails when the
// circuit has no hops, is not open, or the hop limit would be exceeded.
func (c *Circuit) BeginExtend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpenPartial, StateOpenFull:
	default:
		return vo.NewError(vo.KindCircuitClosed, "extend",
			fmt.Errorf("extend valid only on an open circuit, circuit is %s", c.state))
	}
	if len(c.hops) >= c.maxHops {
		return vo.NewError(vo.KindPathTooLong, "extend",
			fmt.Errorf("circuit already has %d of %d hops", len(c.hops), c.maxHops))
	}
	c.state = StateExtending
	return nil
}

// AbortExtend rolls a failed extend back to the open state implied by the
// unchanged hop list.
func (c *Circuit) AbortExtend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExtending {
		c.state = c.openStateLocked()
	}
}

// AppendHop records a successfully negotiated hop. Valid only mid-handshake;
// the hop list is append-only.
func (c *Circuit) AppendHop(h *Hop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreating && c.state != StateExtending {
		return fmt.Errorf("append hop in state %s", c.state)
	}
	c.hops = append(c.hops, h)
	c.state = c.openStateLocked()
	return nil
}

func (c *Circuit) openStateLocked() CircuitState {
	if len(c.hops) >= c.targetHops {
		return StateOpenFull
	}
	return StateOpenPartial
}

// IsOpen reports whether streams-independent circuit operations may run.
func (c *Circuit) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpenPartial || c.state == StateOpenFull
}

// IsFullyBuilt reports whether the circuit reached its intended length.
func (c *Circuit) IsFullyBuilt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpenFull
}

// BeginClose transitions to Closing. Returns false when the circuit is
// already closing, closed or failed, making teardown idempotent.
func (c *Circuit) BeginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosing, StateClosed, StateFailed:
		return false
	}
	c.state = StateClosing
	return true
}

// CompleteClose finishes teardown and wipes all hop key material.
func (c *Circuit) CompleteClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hops {
		h.wipe()
	}
	if c.state != StateFailed {
		c.state = StateClosed
	}
}

// MarkFailed records an unrecoverable failure (integrity violation). Key
// material is wiped immediately.
func (c *Circuit) MarkFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hops {
		h.wipe()
	}
	c.state = StateFailed
}

// OpenStream allocates the next free odd stream ID. Valid only on a fully
// built circuit. Client-opened streams use odd IDs; zero stays reserved for
// circuit-level frames.
func (c *Circuit) OpenStream() (*Stream, error) {
	if !c.IsFullyBuilt() {
		return nil, vo.NewError(vo.KindCircuitClosed, "open stream",
			fmt.Errorf("circuit is %s, not open(full)", c.State()))
	}
	c.strmMu.Lock()
	defer c.strmMu.Unlock()
	for i := 0; i < 0x8000; i++ {
		id := vo.StreamID(c.nextStream)
		c.nextStream += 2 // uint16 wrap lands back on 1
		if _, used := c.streams[id]; !used {
			st := NewStream(id)
			c.streams[id] = st
			return st, nil
		}
	}
	return nil, fmt.Errorf("no free stream id on circuit %s", c.id)
}

// Stream looks up an open stream by ID.
func (c *Circuit) Stream(id vo.StreamID) (*Stream, bool) {
	c.strmMu.Lock()
	defer c.strmMu.Unlock()
	st, ok := c.streams[id]
	return st, ok
}

// RemoveStream drops a stream from the table.
func (c *Circuit) RemoveStream(id vo.StreamID) {
	c.strmMu.Lock()
	defer c.strmMu.Unlock()
	delete(c.streams, id)
}

// ResetAllStreams tears down every stream with the given cause.
func (c *Circuit) ResetAllStreams(cause error) {
	c.strmMu.Lock()
	defer c.strmMu.Unlock()
	for id, st := range c.streams {
		st.Reset(cause)
		delete(c.streams, id)
	}
}

func (c *Circuit) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Circuit(%s) state=%s hops=%d", c.id, c.state, len(c.hops))
}
