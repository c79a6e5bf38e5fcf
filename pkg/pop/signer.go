// Package pop issues Ed25519-signed proof-of-participation messages. Each
// grant carries its own double hash chain whose entries anchor an audit entry,
// so on-chain verifiers can bind off-chain audit state without trusting the
// shard.
package pop

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

var (
	// ErrNotConfigured is returned when no signer key material is present.
	ErrNotConfigured = errors.New("pop: signer is not configured")
	// ErrKeyMismatch is raised when the configured public key does not match
	// the key derived from the secret. Surfaced as a PoP configuration error.
	ErrKeyMismatch = errors.New("pop: configured public key does not match derived key")
)

// SignerConfig is the raw env-provided key material.
type SignerConfig struct {
	// SecretKeyB64 is a base64 32-byte seed or 64-byte expanded secret key.
	SecretKeyB64 string
	// PublicKeyB58 is the expected base58 32-byte public key; cross-checked
	// against the derived key when present.
	PublicKeyB58 string
}

// Signer lazily derives and caches the Ed25519 keypair. A configuration error
// is cached too: every later use re-raises it without re-parsing.
type Signer struct {
	cfg     SignerConfig
	once    sync.Once
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	initErr error
}

// NewSigner wraps the configuration; no key material is touched until first use.
func NewSigner(cfg SignerConfig) *Signer {
	return &Signer{cfg: cfg}
}

// Configured reports whether any secret key material is present.
func (s *Signer) Configured() bool {
	return s.cfg.SecretKeyB64 != ""
}

// Material returns the cached keypair, deriving it on first use.
func (s *Signer) Material() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	s.once.Do(func() {
		s.priv, s.pub, s.initErr = derive(s.cfg)
	})
	return s.priv, s.pub, s.initErr
}

// PublicKeyB58 returns the derived public key in base58.
func (s *Signer) PublicKeyB58() (string, error) {
	_, pub, err := s.Material()
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}

// Sign signs message with the cached private key.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	priv, _, err := s.Material()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, message), nil
}

func derive(cfg SignerConfig) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if cfg.SecretKeyB64 == "" {
		return nil, nil, ErrNotConfigured
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.SecretKeyB64)
	if err != nil {
		return nil, nil, fmt.Errorf("pop: secret key is not valid base64: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, nil, fmt.Errorf("pop: secret key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	pub := priv.Public().(ed25519.PublicKey)

	if cfg.PublicKeyB58 != "" {
		expected, err := base58.Decode(cfg.PublicKeyB58)
		if err != nil {
			return nil, nil, fmt.Errorf("pop: configured public key is not valid base58: %w", err)
		}
		if len(expected) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("pop: configured public key must be %d bytes, got %d",
				ed25519.PublicKeySize, len(expected))
		}
		if !bytes.Equal(expected, pub) {
			return nil, nil, ErrKeyMismatch
		}
	}
	return priv, pub, nil
}

// DecodeKey32 decodes a base58 string that must be exactly 32 bytes.
func DecodeKey32(s string) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("pop: invalid base58: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("pop: expected 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
