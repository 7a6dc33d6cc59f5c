package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
)

var (
	ErrInvalidSeed     = errors.New("private key seed must be 32 bytes")
	ErrSignerDestroyed = errors.New("signer key material has been destroyed")
)

// Signer is the only capability callers need for producing signatures.
// Implementations differ in where the private key lives.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Verify is the canonical Ed25519 check used for every protocol decision.
// It never panics; malformed keys or signatures simply fail.
func Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// SoftwareSigner keeps the raw private key in process memory. It is used for
// the root key and as the fallback when no platform custody exists.
type SoftwareSigner struct {
	mu   sync.RWMutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSoftwareSigner(seed []byte) (*SoftwareSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SoftwareSigner{
		priv: priv,
		pub:  append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...),
	}, nil
}

// GenerateSoftwareSigner creates a signer around a fresh random key.
func GenerateSoftwareSigner() (*SoftwareSigner, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	defer Zero(seed)
	return NewSoftwareSigner(seed)
}

func (s *SoftwareSigner) Sign(message []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return nil, ErrSignerDestroyed
	}
	return ed25519.Sign(s.priv, message), nil
}

func (s *SoftwareSigner) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Seed returns a copy of the private seed. Only backup export needs it.
func (s *SoftwareSigner) Seed() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return nil, ErrSignerDestroyed
	}
	return append([]byte(nil), s.priv.Seed()...), nil
}

// Destroy zeroes the private key. Further Sign calls fail.
func (s *SoftwareSigner) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Zero(s.priv)
	s.priv = nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
