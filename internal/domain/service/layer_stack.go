package service

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding"
	"fmt"
	"hash"
	"sync"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

// layerState is the live cryptographic state shared with one hop: stateful
// forward/backward CTR ciphers and the running integrity digests.
type layerState struct {
	fwdCipher cipher.Stream
	bwdCipher cipher.Stream
	fwdDigest hash.Hash
	bwdDigest hash.Hash
}

// LayerStack holds a circuit's per-hop crypto state, ordered outer to inner
// (index 0 is the first hop). Hops are appended once per handshake; the
// stack is mutated only by the circuit builder during construction and by
// the multiplexer's encode/decode path afterwards.
type LayerStack struct {
	mu     sync.Mutex
	layers []*layerState
}

func NewLayerStack() *LayerStack { return &LayerStack{} }

// AddLayer appends the innermost layer from freshly derived hop keys. The
// ciphers start from a zero IV; both ends advance them in lockstep, one
// fixed payload per cell.
func (s *LayerStack) AddLayer(k vo.HopKeys) error {
	fwdBlock, err := aes.NewCipher(k.Forward[:])
	if err != nil {
		return fmt.Errorf("forward cipher: %w", err)
	}
	bwdBlock, err := aes.NewCipher(k.Backward[:])
	if err != nil {
		return fmt.Errorf("backward cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	fwdDigest := sha256.New()
	fwdDigest.Write(k.ForwardDigest[:])
	bwdDigest := sha256.New()
	bwdDigest.Write(k.BackwardDigest[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, &layerState{
		fwdCipher: cipher.NewCTR(fwdBlock, iv),
		bwdCipher: cipher.NewCTR(bwdBlock, make([]byte, aes.BlockSize)),
		fwdDigest: fwdDigest,
		bwdDigest: bwdDigest,
	})
	return nil
}

// Len returns the number of layers.
func (s *LayerStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}

// EncryptForSend onion-wraps a relay frame addressed to hop (0-based): the
// target hop's digest is stamped into the frame, then encryption layers are
// applied innermost first so the outermost layer goes on last and is the
// first one peeled by hop 0.
func (s *LayerStack) EncryptForSend(f *vo.RelayFrame, hop int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hop < 0 || hop >= len(s.layers) {
		return nil, fmt.Errorf("hop %d out of range (stack has %d layers)", hop, len(s.layers))
	}
	f.Digest = [vo.DigestSize]byte{}
	buf, err := vo.MarshalRelayFrame(f)
	if err != nil {
		return nil, err
	}
	// The running digest covers the frame with a zeroed digest field; the
	// first DigestSize bytes of the rolling sum are stamped in afterwards.
	target := s.layers[hop]
	target.fwdDigest.Write(buf)
	sum := target.fwdDigest.Sum(nil)
	copy(buf[vo.DigestOffset:vo.DigestOffset+vo.DigestSize], sum[:vo.DigestSize])

	for i := hop; i >= 0; i-- {
		s.layers[i].fwdCipher.XORKeyStream(buf, buf)
	}
	return buf, nil
}

// DecryptReceived peels layers outer to inner until a layer recognizes the
// frame by its digest, returning the frame and the index of the hop it came
// from. When no layer recognizes the frame the key state is untrustworthy:
// the caller must tear the whole circuit down. The error does not disclose
// how far decryption got.
func (s *LayerStack) DecryptReceived(payload []byte) (*vo.RelayFrame, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(payload) != vo.MaxPayloadSize {
		return nil, 0, vo.NewError(vo.KindMalformedCell, "decrypt",
			fmt.Errorf("payload must be %d bytes, got %d", vo.MaxPayloadSize, len(payload)))
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	for i := range s.layers {
		s.layers[i].bwdCipher.XORKeyStream(buf, buf)
		if s.recognized(s.layers[i], buf) {
			f, err := vo.ParseRelayFrame(buf)
			if err != nil {
				return nil, 0, err
			}
			return f, i, nil
		}
	}
	return nil, 0, vo.NewError(vo.KindIntegrityFailure, "decrypt", nil)
}

// recognized checks the frame digest against the layer's backward running
// digest, committing the digest state only on a match.
func (s *LayerStack) recognized(l *layerState, buf []byte) bool {
	candidate := make([]byte, len(buf))
	copy(candidate, buf)
	for i := vo.DigestOffset; i < vo.DigestOffset+vo.DigestSize; i++ {
		candidate[i] = 0
	}
	probe := cloneDigest(l.bwdDigest)
	probe.Write(candidate)
	sum := probe.Sum(nil)
	if !bytes.Equal(sum[:vo.DigestSize], buf[vo.DigestOffset:vo.DigestOffset+vo.DigestSize]) {
		return false
	}
	l.bwdDigest.Write(candidate)
	return true
}

// Wipe drops all layer state. Raw keys are wiped by the owning hops.
func (s *LayerStack) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = nil
}

// cloneDigest copies a SHA-256 state so a recognition probe does not advance
// the running digest.
func cloneDigest(h hash.Hash) hash.Hash {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return sha256.New()
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return sha256.New()
	}
	n := sha256.New()
	if u, ok := n.(encoding.BinaryUnmarshaler); ok {
		_ = u.UnmarshalBinary(state)
	}
	return n
}
