package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// KidLength is the encoded length of a key identifier: 16 bytes in
// unpadded base64url.
const KidLength = 22

var (
	ErrInvalidPublicKey = errors.New("public key must be 32 bytes")
	ErrInvalidKid       = errors.New("invalid kid")
)

// Kid identifies a public key without carrying it.
type Kid string

func (k Kid) String() string { return string(k) }

// DeriveKID returns base64url(SHA-256(pub)[:16]).
func DeriveKID(pub []byte) (Kid, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKey
	}
	sum := sha256.Sum256(pub)
	return Kid(base64.RawURLEncoding.EncodeToString(sum[:16])), nil
}

// MustDeriveKID is DeriveKID for keys already known to be well formed.
func MustDeriveKID(pub []byte) Kid {
	kid, err := DeriveKID(pub)
	if err != nil {
		panic(err)
	}
	return kid
}

// ParseKid validates the shape of an encoded kid.
func ParseKid(s string) (Kid, error) {
	if len(s) != KidLength {
		return "", fmt.Errorf("%w: must be exactly %d characters", ErrInvalidKid, KidLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return "", fmt.Errorf("%w: contains non-base64url characters", ErrInvalidKid)
		}
	}
	return Kid(s), nil
}

// Matches reports whether kid was derived from pub.
func (k Kid) Matches(pub []byte) bool {
	derived, err := DeriveKID(pub)
	if err != nil {
		return false
	}
	return derived == k
}

// EncodePublicKey renders a public key in the wire encoding (unpadded base64url).
func EncodePublicKey(pub []byte) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the wire encoding and checks the key length.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64url", ErrInvalidPublicKey)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(b), nil
}
