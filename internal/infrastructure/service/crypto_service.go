package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	vo "ikedadada/go-onion/internal/domain/value_object"
	usvc "ikedadada/go-onion/internal/usecase/service"
)

// Key schedule labels. Both sides must agree on these byte-for-byte.
var (
	hopKeyInfo  = []byte("onion-hop-keys-v1")
	sealKeyInfo = []byte("onion-seal-v1")
)

const (
	sealNonceSize = 12
	authTagSize   = 32
)

type cryptoServiceImpl struct{}

// NewCryptoService returns the production X25519/HKDF implementation.
func NewCryptoService() usvc.CryptoService {
	return &cryptoServiceImpl{}
}

func (c *cryptoServiceImpl) X25519Generate() ([]byte, []byte, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("x25519 keygen: %w", err)
	}
	return priv.Bytes(), priv.PublicKey().Bytes(), nil
}

func (c *cryptoServiceImpl) X25519Shared(priv, pub []byte) ([]byte, error) {
	sk, err := ecdh.X25519().NewPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("x25519 private key: %w", err)
	}
	pk, err := ecdh.X25519().NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("x25519 public key: %w", err)
	}
	return sk.ECDH(pk)
}

// DeriveHopKeys expands the shared secret into forward/backward cipher keys,
// digest seeds and the transcript auth key. Both public keys salt the
// expansion so the same secret never yields the same keys twice.
func (c *cryptoServiceImpl) DeriveHopKeys(secret, clientPub, relayPub []byte) (vo.HopKeys, []byte, error) {
	salt := make([]byte, 0, len(clientPub)+len(relayPub))
	salt = append(salt, clientPub...)
	salt = append(salt, relayPub...)

	r := hkdf.New(sha256.New, secret, salt, hopKeyInfo)
	var keys vo.HopKeys
	for _, out := range [][]byte{
		keys.Forward[:], keys.Backward[:],
		keys.ForwardDigest[:], keys.BackwardDigest[:],
	} {
		if _, err := io.ReadFull(r, out); err != nil {
			return vo.HopKeys{}, nil, fmt.Errorf("derive hop keys: %w", err)
		}
	}
	authKey := make([]byte, vo.HopKeySize)
	if _, err := io.ReadFull(r, authKey); err != nil {
		return vo.HopKeys{}, nil, fmt.Errorf("derive hop keys: %w", err)
	}
	return keys, authKey, nil
}

func (c *cryptoServiceImpl) AuthTag(authKey, relayPub, clientPub []byte) []byte {
	mac := hmac.New(sha256.New, authKey)
	mac.Write(relayPub)
	mac.Write(clientPub)
	return mac.Sum(nil)
}

func (c *cryptoServiceImpl) VerifyAuthTag(authKey, relayPub, clientPub, tag []byte) bool {
	if len(tag) != authTagSize {
		return false
	}
	want := c.AuthTag(authKey, relayPub, clientPub)
	return subtle.ConstantTimeCompare(want, tag) == 1
}

// SealToService encrypts plain so only the holder of the service private key
// can read it: ephemeral X25519 against the service key, HKDF to an AES-GCM
// key, output ephPub || nonce || ciphertext.
func (c *cryptoServiceImpl) SealToService(servicePub, plain []byte) ([]byte, error) {
	ephPriv, ephPub, err := c.X25519Generate()
	if err != nil {
		return nil, err
	}
	secret, err := c.X25519Shared(ephPriv, servicePub)
	if err != nil {
		return nil, err
	}
	aead, err := c.sealAEAD(secret, ephPub, servicePub)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	out := make([]byte, 0, len(ephPub)+sealNonceSize+len(plain)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

func (c *cryptoServiceImpl) OpenFromClient(servicePriv, sealed []byte) ([]byte, error) {
	sk, err := ecdh.X25519().NewPrivateKey(servicePriv)
	if err != nil {
		return nil, fmt.Errorf("service private key: %w", err)
	}
	servicePub := sk.PublicKey().Bytes()
	if len(sealed) < len(servicePub)+sealNonceSize {
		return nil, fmt.Errorf("sealed body too short")
	}
	ephPub := sealed[:32]
	nonce := sealed[32 : 32+sealNonceSize]
	ct := sealed[32+sealNonceSize:]

	secret, err := c.X25519Shared(servicePriv, ephPub)
	if err != nil {
		return nil, err
	}
	aead, err := c.sealAEAD(secret, ephPub, servicePub)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed body: %w", err)
	}
	return plain, nil
}

func (c *cryptoServiceImpl) sealAEAD(secret, ephPub, servicePub []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephPub)+len(servicePub))
	salt = append(salt, ephPub...)
	salt = append(salt, servicePub...)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, sealKeyInfo), key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
