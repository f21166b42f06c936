package service

import (
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// CryptoService provides the asymmetric half of circuit construction: the
// per-hop Diffie-Hellman exchange, hop key derivation, and the sealed
// introduce body used by hidden services.
type CryptoService interface {
	// X25519Generate returns a new ephemeral private/public key pair.
	X25519Generate() (priv, pub []byte, err error)
	// X25519Shared derives the shared secret between priv and pub.
	X25519Shared(priv, pub []byte) ([]byte, error)

	// DeriveHopKeys expands the shared secret into the hop's symmetric
	// material plus the auth key binding the handshake transcript. Both
	// public keys salt the expansion so keys are never reused across
	// circuits or hops.
	DeriveHopKeys(secret, clientPub, relayPub []byte) (vo.HopKeys, []byte, error)

	// AuthTag computes the transcript MAC the responder returns to prove
	// possession of its private key.
	AuthTag(authKey, relayPub, clientPub []byte) []byte
	// VerifyAuthTag checks tag in constant time.
	VerifyAuthTag(authKey, relayPub, clientPub, tag []byte) bool

	// SealToService encrypts plain to the service's public key (ephemeral
	// X25519 + AEAD). Only the service can open it.
	SealToService(servicePub, plain []byte) ([]byte, error)
	// OpenFromClient opens a sealed introduce body with the service's
	// private key.
	OpenFromClient(servicePriv, sealed []byte) ([]byte, error)
}
