// Package envelope builds and verifies the signed wire wrapper that carries
// every state change.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"trustchain/go-backend/internal/canonjson"
	"trustchain/go-backend/internal/keys"
)

// Version is the only envelope version accepted.
const Version = 1

var (
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrKidMismatch        = errors.New("kid mismatch")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrMalformed          = errors.New("malformed envelope")
)

// SignerRef names who signed. AccountID and DeviceID are null for keys that
// are not yet bound to an account (a new root proving possession).
type SignerRef struct {
	AccountID *string  `json:"account_id"`
	DeviceID  *string  `json:"device_id"`
	Kid       keys.Kid `json:"kid"`
}

// Envelope is the wire form. Payload always holds a canonical JSON object.
type Envelope struct {
	V           int             `json:"v"`
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
	Signer      SignerRef       `json:"signer"`
	Sig         string          `json:"sig"`
}

// RootSigner is a SignerRef for an account root key.
func RootSigner(accountID string, kid keys.Kid) SignerRef {
	return SignerRef{AccountID: &accountID, Kid: kid}
}

// DeviceSigner is a SignerRef for a delegated device key.
func DeviceSigner(accountID, deviceID string, kid keys.Kid) SignerRef {
	return SignerRef{AccountID: &accountID, DeviceID: &deviceID, Kid: kid}
}

// UnboundSigner is a SignerRef carrying only a kid.
func UnboundSigner(kid keys.Kid) SignerRef {
	return SignerRef{Kid: kid}
}

// Build canonicalizes payload, signs {payload_type, payload, signer} and
// wraps the result.
func Build(payloadType string, payload any, ref SignerRef, signer keys.Signer) (Envelope, error) {
	if payloadType == "" {
		return Envelope{}, fmt.Errorf("%w: payload_type is required", ErrMalformed)
	}
	canon, err := canonjson.Canonicalize(payload)
	if err != nil {
		return Envelope{}, err
	}
	if len(canon) == 0 || canon[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: payload must be an object", ErrMalformed)
	}
	env := Envelope{V: Version, PayloadType: payloadType, Payload: canon, Signer: ref}
	msg, err := SigningBytes(env)
	if err != nil {
		return Envelope{}, err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return Envelope{}, err
	}
	env.Sig = base64.RawURLEncoding.EncodeToString(sig)
	return env, nil
}

// SigningBytes returns canonicalize({payload_type, payload, signer}).
func SigningBytes(env Envelope) ([]byte, error) {
	if len(bytes.TrimSpace(env.Payload)) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrMalformed)
	}
	signer := map[string]any{
		"account_id": nil,
		"device_id":  nil,
		"kid":        string(env.Signer.Kid),
	}
	if env.Signer.AccountID != nil {
		signer["account_id"] = *env.Signer.AccountID
	}
	if env.Signer.DeviceID != nil {
		signer["device_id"] = *env.Signer.DeviceID
	}
	return canonjson.Canonicalize(map[string]any{
		"payload_type": env.PayloadType,
		"payload":      env.Payload,
		"signer":       signer,
	})
}

// Hash is hex(SHA-256(SigningBytes(env))). Ledger links use it.
func Hash(env Envelope) (string, error) {
	msg, err := SigningBytes(env)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks env against the key the caller expects to have signed it.
// The kid check and the signature check are both always applied.
func Verify(env Envelope, expectedPub []byte) error {
	if env.V != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
	}
	kid, err := keys.DeriveKID(expectedPub)
	if err != nil {
		return err
	}
	if kid != env.Signer.Kid {
		return ErrKidMismatch
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(env.Sig)
	if err != nil {
		return ErrSignatureInvalid
	}
	msg, err := SigningBytes(env)
	if err != nil {
		return err
	}
	if !keys.Verify(msg, sig, expectedPub) {
		return ErrSignatureInvalid
	}
	return nil
}

// Decode parses a wire envelope, rejecting unknown fields and non-object
// payloads.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if err := env.validateShape(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validateShape() error {
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || p[0] != '{' {
		return fmt.Errorf("%w: payload must be an object", ErrMalformed)
	}
	if e.PayloadType == "" {
		return fmt.Errorf("%w: payload_type is required", ErrMalformed)
	}
	if _, err := keys.ParseKid(string(e.Signer.Kid)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodePayload strictly decodes the payload into dst.
func DecodePayload(env Envelope, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// AccountIDValue returns the signer account id or "".
func (r SignerRef) AccountIDValue() string {
	if r.AccountID == nil {
		return ""
	}
	return *r.AccountID
}

// DeviceIDValue returns the signer device id or "".
func (r SignerRef) DeviceIDValue() string {
	if r.DeviceID == nil {
		return ""
	}
	return *r.DeviceID
}
