// Package cryptox implements the cryptographic collaborator of the engine:
// AES-GCM symmetric encryption with an explicit per-asset secret, NaCl box
// sealing of that secret per recipient, and content-derived global
// identifiers salted with the protocol salt.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"

	"github.com/Safehill/safehill-client-go/internal/common"
)

// Provider is the narrow crypto contract the pipeline and the reconciliation
// engine consume.
type Provider interface {
	// GenerateSecret returns a fresh 256-bit symmetric secret.
	GenerateSecret() []byte

	// EncryptPayload encrypts plain with AES-256-GCM under secret. A new
	// random 12-byte nonce is generated per call and returned separately.
	EncryptPayload(plain, secret []byte) (ciphertext, nonce []byte, err error)

	// DecryptPayload reverses EncryptPayload. Authentication failures are
	// reported as common.ErrDecryptionFailed.
	DecryptPayload(ciphertext, nonce, secret []byte) ([]byte, error)

	// SealSecret seals the symmetric secret for the recipient's 32-byte
	// public key so that only the recipient can open it.
	SealSecret(secret, recipientPublicKey []byte) ([]byte, error)

	// OpenSecret opens a secret sealed for this device's keypair.
	// Failures are reported as common.ErrDecryptionFailed.
	OpenSecret(sealed []byte) ([]byte, error)

	// GlobalIdentifier derives the content-based stable identifier for an
	// asset. Requires the protocol salt to be configured.
	GlobalIdentifier(content []byte) (string, error)

	// PublicKey returns this device's 32-byte public key.
	PublicKey() []byte
}

// NaClProvider implements Provider with AES-GCM, anonymous NaCl box sealing
// and argon2id identifier derivation.
type NaClProvider struct {
	salt []byte
	pub  *[32]byte
	priv *[32]byte
}

var _ Provider = (*NaClProvider)(nil)

// GenerateKeyPair returns a new device keypair for sealing/opening secrets.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

// NewNaClProvider builds a provider from the protocol salt and the device
// keypair. The salt may be empty, in which case GlobalIdentifier fails with
// common.ErrMissingProtocolSalt until one is configured.
func NewNaClProvider(salt, publicKey, privateKey []byte) (*NaClProvider, error) {
	if len(publicKey) != 32 || len(privateKey) != 32 {
		return nil, fmt.Errorf("device keypair must be 32+32 bytes, got %d+%d", len(publicKey), len(privateKey))
	}
	p := &NaClProvider{salt: salt, pub: new([32]byte), priv: new([32]byte)}
	copy(p.pub[:], publicKey)
	copy(p.priv[:], privateKey)
	return p, nil
}

func (p *NaClProvider) GenerateSecret() []byte {
	return common.GenerateRandByteArray(32)
}

func (p *NaClProvider) PublicKey() []byte {
	return p.pub[:]
}

func (p *NaClProvider) EncryptPayload(plain, secret []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext = aesgcm.Seal(nil, nonce, plain, nil)
	return ciphertext, nonce, nil
}

func (p *NaClProvider) DecryptPayload(ciphertext, nonce, secret []byte) ([]byte, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plain, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return plain, nil
}

func (p *NaClProvider) SealSecret(secret, recipientPublicKey []byte) ([]byte, error) {
	if len(recipientPublicKey) != 32 {
		return nil, fmt.Errorf("recipient public key must be 32 bytes, got %d", len(recipientPublicKey))
	}
	var pub [32]byte
	copy(pub[:], recipientPublicKey)
	return box.SealAnonymous(nil, secret, &pub, rand.Reader)
}

func (p *NaClProvider) OpenSecret(sealed []byte) ([]byte, error) {
	secret, ok := box.OpenAnonymous(nil, sealed, p.pub, p.priv)
	if !ok {
		return nil, fmt.Errorf("%w: sealed secret does not open with device key", common.ErrDecryptionFailed)
	}
	return secret, nil
}

// GlobalIdentifier hashes the content and stretches the digest with argon2id
// under the protocol salt, so identifiers are stable per content but cannot
// be reproduced without the salt.
func (p *NaClProvider) GlobalIdentifier(content []byte) (string, error) {
	if len(p.salt) == 0 {
		return "", common.ErrMissingProtocolSalt
	}
	sum := sha256.Sum256(content)
	id := argon2.IDKey(sum[:], p.salt, 1, 64*1024, 4, 32)
	return hex.EncodeToString(id), nil
}
