package entity

import (
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// ServiceDescriptor is the directory's view of a hidden service: its public
// key and the introduction points currently advertising it.
type ServiceDescriptor struct {
	Address     vo.OnionAddr
	ServicePub  []byte
	IntroPoints []vo.Fingerprint
}

// HiddenServiceConn is the state of one hidden-service connection attempt:
// the chosen introduction and rendezvous points, the one-time cookie, and
// the client's ephemeral handshake key material. Scoped to a single attempt
// and discarded afterwards.
type HiddenServiceConn struct {
	address    vo.OnionAddr
	servicePub []byte

	introRelay *Relay
	rendRelay  *Relay

	cookie  [vo.RendezvousCookieSize]byte
	ephPriv []byte
	ephPub  []byte
}

// NewHiddenServiceConn starts a connection attempt for address. servicePub
// may be nil when only a pinned service fingerprint is known.
func NewHiddenServiceConn(address vo.OnionAddr, servicePub []byte) *HiddenServiceConn {
	return &HiddenServiceConn{address: address, servicePub: servicePub}
}

func (h *HiddenServiceConn) Address() vo.OnionAddr { return h.address }
func (h *HiddenServiceConn) ServicePub() []byte    { return h.servicePub }
func (h *HiddenServiceConn) IntroRelay() *Relay    { return h.introRelay }
func (h *HiddenServiceConn) RendRelay() *Relay     { return h.rendRelay }
func (h *HiddenServiceConn) Cookie() []byte        { return h.cookie[:] }
func (h *HiddenServiceConn) EphPriv() []byte       { return h.ephPriv }
func (h *HiddenServiceConn) EphPub() []byte        { return h.ephPub }

// ChoosePoints pins the introduction and rendezvous relays for this attempt.
func (h *HiddenServiceConn) ChoosePoints(intro, rend *Relay) {
	h.introRelay = intro
	h.rendRelay = rend
}

// ArmHandshake stores the one-time cookie and ephemeral key pair.
func (h *HiddenServiceConn) ArmHandshake(cookie []byte, ephPriv, ephPub []byte) {
	copy(h.cookie[:], cookie)
	h.ephPriv = ephPriv
	h.ephPub = ephPub
}

// Wipe discards the ephemeral secret once the attempt concludes.
func (h *HiddenServiceConn) Wipe() {
	for i := range h.ephPriv {
		h.ephPriv[i] = 0
	}
	h.ephPriv = nil
}
