package service

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"

	"ikedadada/go-onion/internal/domain/entity"
	vo "ikedadada/go-onion/internal/domain/value_object"
	infrarepo "ikedadada/go-onion/internal/infrastructure/repository"
	usvc "ikedadada/go-onion/internal/usecase/service"
)

// Responder serves one application request arriving over a stream.
type Responder func(req []byte) []byte

// MemNetwork is an in-process relay network backing integration tests. It
// implements TransportService: dialing an endpoint yields one side of a pipe
// whose other side is served by a simulated relay chain. EXTEND is handled by
// handshaking the named next relay locally, so a single link goroutine
// carries the whole simulated path.
type MemNetwork struct {
	crypto usvc.CryptoService

	mu         sync.Mutex
	relays     map[string]*memRelay // keyed by endpoint string
	byFP       map[vo.Fingerprint]*memRelay
	responders map[string]Responder // keyed by target:port
	services   map[vo.Fingerprint]*memService
	rendPoints map[[vo.RendezvousCookieSize]byte]*rendPoint
}

type memRelay struct {
	record *entity.Relay
	priv   []byte
	pub    []byte
}

type memService struct {
	priv      []byte
	pub       []byte
	addr      vo.OnionAddr
	responder Responder
}

// rendPoint records where a cookie was registered, so the service side can
// join the client's rendezvous circuit.
type rendPoint struct {
	link   *memLink
	hopIdx int
}

func NewMemNetwork(crypto usvc.CryptoService) *MemNetwork {
	return &MemNetwork{
		crypto:     crypto,
		relays:     make(map[string]*memRelay),
		byFP:       make(map[vo.Fingerprint]*memRelay),
		responders: make(map[string]Responder),
		services:   make(map[vo.Fingerprint]*memService),
		rendPoints: make(map[[vo.RendezvousCookieSize]byte]*rendPoint),
	}
}

// AddRelay brings up a relay at host:port with a fresh identity.
func (n *MemNetwork) AddRelay(host string, port uint16) (*entity.Relay, error) {
	priv, pub, err := n.crypto.X25519Generate()
	if err != nil {
		return nil, err
	}
	ep, err := vo.NewEndpoint(host, port)
	if err != nil {
		return nil, err
	}
	record, err := entity.NewRelay(vo.NewFingerprint(pub), ep, pub)
	if err != nil {
		return nil, err
	}
	r := &memRelay{record: record, priv: priv, pub: pub}
	n.mu.Lock()
	n.relays[ep.String()] = r
	n.byFP[record.Fingerprint()] = r
	n.mu.Unlock()
	return record, nil
}

// HandleTarget registers an exit responder for target:port.
func (n *MemNetwork) HandleTarget(target string, port uint16, r Responder) {
	n.mu.Lock()
	n.responders[fmt.Sprintf("%s:%d", target, port)] = r
	n.mu.Unlock()
}

// AddHiddenService brings up a hidden service and returns its address and
// identity fingerprint. The service also appears as a directory entry so
// pinned-mode clients can obtain its public key.
func (n *MemNetwork) AddHiddenService(responder Responder) (vo.OnionAddr, vo.Fingerprint, error) {
	priv, pub, err := n.crypto.X25519Generate()
	if err != nil {
		return vo.OnionAddr{}, vo.Fingerprint{}, err
	}
	addr := vo.NewOnionAddr(pub)
	fp := vo.NewFingerprint(pub)
	svc := &memService{priv: priv, pub: pub, addr: addr, responder: responder}
	n.mu.Lock()
	n.services[fp] = svc
	n.mu.Unlock()
	return addr, fp, nil
}

// Directory builds a relay directory covering every relay.
func (n *MemNetwork) Directory() (*infrarepo.RelayDirectory, error) {
	dir := infrarepo.NewRelayDirectoryRepository()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.relays {
		if err := dir.Add(r.record); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// ServiceDirectoryEntry returns a directory record carrying a hidden
// service's public key, for pinned-mode clients that skip descriptor lookup.
func (n *MemNetwork) ServiceDirectoryEntry(fp vo.Fingerprint) (*entity.Relay, error) {
	n.mu.Lock()
	svc, ok := n.services[fp]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no hidden service %s", fp)
	}
	ep, err := vo.NewEndpoint(svc.addr.String(), 1)
	if err != nil {
		return nil, err
	}
	return entity.NewRelay(fp, ep, svc.pub)
}

// Descriptor builds the published descriptor for a hidden service.
func (n *MemNetwork) Descriptor(fp vo.Fingerprint, intros ...vo.Fingerprint) (*entity.ServiceDescriptor, error) {
	n.mu.Lock()
	svc, ok := n.services[fp]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no hidden service %s", fp)
	}
	return &entity.ServiceDescriptor{
		Address:     svc.addr,
		ServicePub:  append([]byte(nil), svc.pub...),
		IntroPoints: intros,
	}, nil
}

// Dial implements TransportService.
func (n *MemNetwork) Dial(_ context.Context, ep vo.Endpoint) (io.ReadWriteCloser, error) {
	n.mu.Lock()
	relay, ok := n.relays[ep.String()]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no relay at %s", ep)
	}
	client, server := net.Pipe()
	link := &memLink{
		net:   n,
		conn:  server,
		first: relay,
		out:   make(chan []byte, 2048),
	}
	go link.writeLoop()
	go link.serve()
	return client, nil
}

// memHop mirrors one layer of the client's stack from the relay side, plus
// the exit-side state for streams terminating at this hop.
type memHop struct {
	relay     *memRelay // nil for a spliced service layer
	fwdCipher cipher.Stream
	bwdCipher cipher.Stream
	fwdDigest hash.Hash
	bwdDigest hash.Hash

	responder Responder // set for service layers
	streams   map[uint16]*memExitStream
}

type memExitStream struct {
	responder Responder
	buf       []byte
	replied   bool
}

func newCTR(key [vo.HopKeySize]byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, make([]byte, aes.BlockSize)), nil
}

// memLink serves one client link: a reader goroutine owning the chain and a
// writer goroutine so replies never block the reader.
type memLink struct {
	net   *MemNetwork
	conn  net.Conn
	first *memRelay
	out   chan []byte

	mu    sync.Mutex
	cid   vo.CircuitID
	chain []*memHop
}

func (l *memLink) writeLoop() {
	for pkt := range l.out {
		if _, err := l.conn.Write(pkt); err != nil {
			return
		}
	}
}

// sendLocked queues one cell. Callers hold l.mu.
func (l *memLink) sendLocked(c vo.Cell) {
	var buf bytes.Buffer
	if err := usvc.WriteCell(&buf, l.cid, c); err != nil {
		return
	}
	select {
	case l.out <- buf.Bytes():
	default:
		// Writer backlogged beyond the buffer; the link is wedged anyway.
	}
}

func (l *memLink) serve() {
	defer l.conn.Close()
	defer close(l.out)
	for {
		cid, cell, err := usvc.ReadCell(l.conn)
		if err != nil {
			return
		}
		l.mu.Lock()
		l.cid = cid
		l.mu.Unlock()
		switch cell.Cmd {
		case vo.CmdCreate:
			if err := l.handleCreate(cell); err != nil {
				return
			}
		case vo.CmdData:
			l.handleData(cell)
		case vo.CmdDestroy:
			return
		}
	}
}

func (l *memLink) handleCreate(cell *vo.Cell) error {
	p, err := vo.DecodeCreatePayload(cell.Payload)
	if err != nil {
		return err
	}
	hop, created, err := l.net.handshake(l.first, p.ClientPub)
	if err != nil {
		return err
	}
	payload, err := vo.EncodeCreatedPayload(created)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.chain = append(l.chain, hop)
	l.sendLocked(vo.Cell{Cmd: vo.CmdCreated, Version: vo.ProtocolV1, Payload: payload})
	l.mu.Unlock()
	return nil
}

// handshake runs the responder side of the key exchange for one relay.
func (n *MemNetwork) handshake(r *memRelay, clientPub []byte) (*memHop, *vo.CreatedPayload, error) {
	secret, err := n.crypto.X25519Shared(r.priv, clientPub)
	if err != nil {
		return nil, nil, err
	}
	keys, authKey, err := n.crypto.DeriveHopKeys(secret, clientPub, r.pub)
	if err != nil {
		return nil, nil, err
	}
	auth := n.crypto.AuthTag(authKey, r.pub, clientPub)
	hop, err := newMemHop(r, keys)
	if err != nil {
		return nil, nil, err
	}
	return hop, &vo.CreatedPayload{RelayPub: r.pub, Auth: auth}, nil
}

func newMemHop(r *memRelay, keys vo.HopKeys) (*memHop, error) {
	fwd, err := newCTR(keys.Forward)
	if err != nil {
		return nil, err
	}
	bwd, err := newCTR(keys.Backward)
	if err != nil {
		return nil, err
	}
	fd := sha256.New()
	fd.Write(keys.ForwardDigest[:])
	bd := sha256.New()
	bd.Write(keys.BackwardDigest[:])
	return &memHop{
		relay:     r,
		fwdCipher: fwd,
		bwdCipher: bwd,
		fwdDigest: fd,
		bwdDigest: bd,
		streams:   make(map[uint16]*memExitStream),
	}, nil
}

// handleData peels layers until one hop recognizes the frame, then acts as
// that hop.
func (l *memLink) handleData(cell *vo.Cell) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(cell.Payload) != vo.MaxPayloadSize {
		return
	}
	buf := make([]byte, len(cell.Payload))
	copy(buf, cell.Payload)
	for i, hop := range l.chain {
		hop.fwdCipher.XORKeyStream(buf, buf)
		if !hopRecognizes(hop.fwdDigest, buf) {
			continue
		}
		frame, err := vo.ParseRelayFrame(buf)
		if err != nil {
			return
		}
		l.handleFrameLocked(i, hop, frame)
		return
	}
}

func (l *memLink) handleFrameLocked(hopIdx int, hop *memHop, frame *vo.RelayFrame) {
	switch frame.Cmd {
	case vo.RelayExtend:
		l.handleExtendLocked(hopIdx, hop, frame)
	case vo.RelayBegin:
		l.handleBeginLocked(hopIdx, hop, frame)
	case vo.RelayData:
		l.handleStreamDataLocked(hopIdx, hop, frame)
	case vo.RelayEnd:
		delete(hop.streams, frame.StreamID.UInt16())
	case vo.RelaySendme:
		// Relay-side send window is unbounded here.
	case vo.RelayEstablishRendezvous:
		l.handleEstablishRendezvousLocked(hopIdx, frame)
	case vo.RelayIntroduce:
		l.handleIntroduceLocked(hopIdx, frame)
	}
}

func (l *memLink) handleExtendLocked(hopIdx int, hop *memHop, frame *vo.RelayFrame) {
	p, err := vo.DecodeExtendPayload(frame.Data)
	if err != nil {
		return
	}
	ep, err := vo.NewEndpoint(p.NextHost, p.NextPort)
	if err != nil {
		return
	}
	l.net.mu.Lock()
	next, ok := l.net.relays[ep.String()]
	l.net.mu.Unlock()
	if !ok {
		return
	}
	nextHop, created, err := l.net.handshake(next, p.ClientPub)
	if err != nil {
		return
	}
	payload, err := vo.EncodeExtendedPayload(&vo.ExtendedPayload{RelayPub: created.RelayPub, Auth: created.Auth})
	if err != nil {
		return
	}
	// Reply before appending: the new layer must not wrap the EXTENDED.
	l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayExtended, Data: payload})
	l.chain = append(l.chain, nextHop)
}

func (l *memLink) handleBeginLocked(hopIdx int, hop *memHop, frame *vo.RelayFrame) {
	p, err := vo.DecodeBeginPayload(frame.Data)
	if err != nil {
		return
	}
	responder := hop.responder
	if responder == nil {
		l.net.mu.Lock()
		responder = l.net.responders[fmt.Sprintf("%s:%d", p.Target, p.Port)]
		l.net.mu.Unlock()
	}
	sid := frame.StreamID
	if responder == nil {
		l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayEnd, StreamID: sid, Data: []byte{vo.EndReasonRefused}})
		return
	}
	hop.streams[sid.UInt16()] = &memExitStream{responder: responder}
	l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayConnected, StreamID: sid})
}

func (l *memLink) handleStreamDataLocked(hopIdx int, hop *memHop, frame *vo.RelayFrame) {
	st, ok := hop.streams[frame.StreamID.UInt16()]
	if !ok || st.replied {
		return
	}
	st.buf = append(st.buf, frame.Data...)
	st.replied = true
	resp := st.responder(st.buf)
	for len(resp) > 0 {
		n := len(resp)
		if n > vo.MaxRelayDataLen {
			n = vo.MaxRelayDataLen
		}
		l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayData, StreamID: frame.StreamID, Data: resp[:n]})
		resp = resp[n:]
	}
	l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayEnd, StreamID: frame.StreamID, Data: []byte{vo.EndReasonDone}})
	delete(hop.streams, frame.StreamID.UInt16())
}

func (l *memLink) handleEstablishRendezvousLocked(hopIdx int, frame *vo.RelayFrame) {
	p, err := vo.DecodeEstablishRendezvousPayload(frame.Data)
	if err != nil || len(p.Cookie) != vo.RendezvousCookieSize {
		return
	}
	var key [vo.RendezvousCookieSize]byte
	copy(key[:], p.Cookie)
	l.net.mu.Lock()
	l.net.rendPoints[key] = &rendPoint{link: l, hopIdx: hopIdx}
	l.net.mu.Unlock()
	l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayRendezvousEstablished})
}

func (l *memLink) handleIntroduceLocked(hopIdx int, frame *vo.RelayFrame) {
	refuse := func() {
		l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayIntroduceAck, Data: []byte{vo.IntroAckRefused}})
	}
	p, err := vo.DecodeIntroducePayload(frame.Data)
	if err != nil || len(p.ServiceFP) != vo.FingerprintSize {
		refuse()
		return
	}
	var fp vo.Fingerprint
	copy(fp[:], p.ServiceFP)
	l.net.mu.Lock()
	svc, ok := l.net.services[fp]
	l.net.mu.Unlock()
	if !ok {
		refuse()
		return
	}
	if err := l.net.serviceJoin(svc, p.Sealed); err != nil {
		refuse()
		return
	}
	l.replyLocked(hopIdx, &vo.RelayFrame{Cmd: vo.RelayIntroduceAck, Data: []byte{vo.IntroAckOK}})
}

// serviceJoin plays the hidden service: open the introduce body, meet the
// client at its rendezvous point and splice the end-to-end layer onto that
// circuit.
func (n *MemNetwork) serviceJoin(svc *memService, sealed []byte) error {
	plain, err := n.crypto.OpenFromClient(svc.priv, sealed)
	if err != nil {
		return err
	}
	inner, err := vo.DecodeIntroduceInner(plain)
	if err != nil {
		return err
	}
	if len(inner.Cookie) != vo.RendezvousCookieSize {
		return fmt.Errorf("bad cookie length %d", len(inner.Cookie))
	}
	var key [vo.RendezvousCookieSize]byte
	copy(key[:], inner.Cookie)
	n.mu.Lock()
	rp, ok := n.rendPoints[key]
	if ok {
		delete(n.rendPoints, key)
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown rendezvous cookie")
	}

	ephPriv, ephPub, err := n.crypto.X25519Generate()
	if err != nil {
		return err
	}
	s1, err := n.crypto.X25519Shared(ephPriv, inner.ClientPub)
	if err != nil {
		return err
	}
	s2, err := n.crypto.X25519Shared(svc.priv, inner.ClientPub)
	if err != nil {
		return err
	}
	secret := append(s1, s2...)
	keys, authKey, err := n.crypto.DeriveHopKeys(secret, inner.ClientPub, ephPub)
	if err != nil {
		return err
	}
	auth := n.crypto.AuthTag(authKey, ephPub, inner.ClientPub)

	serviceHop, err := newMemHop(nil, keys)
	if err != nil {
		return err
	}
	serviceHop.responder = svc.responder

	payload, err := vo.EncodeRendezvous2Payload(&vo.Rendezvous2Payload{ServicePub: ephPub, Auth: auth})
	if err != nil {
		return err
	}
	rp.link.mu.Lock()
	defer rp.link.mu.Unlock()
	// RENDEZVOUS2 goes out before the splice so the service layer does not
	// wrap it; the client installs its matching layer on receipt.
	rp.link.replyLocked(rp.hopIdx, &vo.RelayFrame{Cmd: vo.RelayRendezvous2, Data: payload})
	rp.link.chain = append(rp.link.chain, serviceHop)
	return nil
}

// replyLocked stamps the frame with the origin hop's backward digest, wraps
// it in the backward ciphers from that hop outward and queues the cell.
func (l *memLink) replyLocked(hopIdx int, f *vo.RelayFrame) {
	f.Digest = [vo.DigestSize]byte{}
	buf, err := vo.MarshalRelayFrame(f)
	if err != nil {
		return
	}
	origin := l.chain[hopIdx]
	origin.bwdDigest.Write(buf)
	sum := origin.bwdDigest.Sum(nil)
	copy(buf[vo.DigestOffset:vo.DigestOffset+vo.DigestSize], sum[:vo.DigestSize])
	for i := hopIdx; i >= 0; i-- {
		l.chain[i].bwdCipher.XORKeyStream(buf, buf)
	}
	l.sendLocked(vo.Cell{Cmd: vo.CmdData, Version: vo.ProtocolV1, Payload: buf})
}

// hopRecognizes probes the running forward digest against the frame digest,
// committing only on a match.
func hopRecognizes(d hash.Hash, buf []byte) bool {
	candidate := make([]byte, len(buf))
	copy(candidate, buf)
	for i := vo.DigestOffset; i < vo.DigestOffset+vo.DigestSize; i++ {
		candidate[i] = 0
	}
	probe := cloneSHA256(d)
	probe.Write(candidate)
	sum := probe.Sum(nil)
	if !bytes.Equal(sum[:vo.DigestSize], buf[vo.DigestOffset:vo.DigestOffset+vo.DigestSize]) {
		return false
	}
	d.Write(candidate)
	return true
}

func cloneSHA256(h hash.Hash) hash.Hash {
	n := sha256.New()
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return n
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return n
	}
	if u, ok := n.(encoding.BinaryUnmarshaler); ok {
		_ = u.UnmarshalBinary(state)
	}
	return n
}
