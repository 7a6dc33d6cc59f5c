// Package requestauth verifies per-request signatures from delegated
// devices. It is separate from ledger writes: a valid request proves that
// a device holds its key right now and changes no account state.
//
// Signed message:
//
//	METHOD\nPATH?QUERY\nTIMESTAMP\nNONCE\nhex(SHA-256(body))
package requestauth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trustchain/go-backend/internal/keys"
)

const (
	HeaderDeviceKid = "X-Device-Kid"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"

	DefaultWindow  = 300 * time.Second
	MaxNonceLength = 64
)

var (
	ErrMissingHeaders   = errors.New("request authentication headers missing or malformed")
	ErrTimestampSkew    = errors.New("request timestamp outside the accepted window")
	ErrReplay           = errors.New("request nonce already used")
	ErrUnknownDevice    = errors.New("request signed by an unknown device")
	ErrDeviceRevoked    = errors.New("request signed by a revoked device")
	ErrSignatureInvalid = errors.New("request signature invalid")
)

// Device is the resolved signer of a request.
type Device struct {
	AccountID string
	DeviceID  string
	Kid       keys.Kid
	PublicKey ed25519.PublicKey
	// Active is false for revoked devices and devices whose delegation
	// ended with a root rotation.
	Active bool
}

// DeviceResolver finds the device holding kid. It returns ErrUnknownDevice
// when no account delegated that key.
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, kid keys.Kid) (Device, error)
}

type ResolverFunc func(ctx context.Context, kid keys.Kid) (Device, error)

func (f ResolverFunc) ResolveDevice(ctx context.Context, kid keys.Kid) (Device, error) {
	return f(ctx, kid)
}

type Authenticator struct {
	resolver DeviceResolver
	window   time.Duration
	replay   *replayCache
	now      func() time.Time
}

// New builds an authenticator accepting timestamps within ±window of now.
func New(resolver DeviceResolver, window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Authenticator{
		resolver: resolver,
		window:   window,
		replay:   newReplayCache(2 * window),
		now:      time.Now,
	}
}

// Message builds the bytes a device signs for one request.
func Message(method, pathAndQuery string, timestamp int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "\n" + pathAndQuery + "\n" +
		strconv.FormatInt(timestamp, 10) + "\n" + nonce + "\n" + hex.EncodeToString(sum[:]))
}

type signedHeaders struct {
	kid       keys.Kid
	sig       []byte
	timestamp int64
	nonce     string
}

func parseHeaders(h http.Header) (signedHeaders, error) {
	var out signedHeaders
	rawKid := strings.TrimSpace(h.Get(HeaderDeviceKid))
	rawSig := strings.TrimSpace(h.Get(HeaderSignature))
	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	out.nonce = h.Get(HeaderNonce)
	if rawKid == "" || rawSig == "" || rawTS == "" || out.nonce == "" {
		return out, ErrMissingHeaders
	}
	kid, err := keys.ParseKid(rawKid)
	if err != nil {
		return out, fmt.Errorf("%w: %s", ErrMissingHeaders, HeaderDeviceKid)
	}
	out.kid = kid
	out.timestamp, err = strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return out, fmt.Errorf("%w: %s", ErrMissingHeaders, HeaderTimestamp)
	}
	if len(out.nonce) > MaxNonceLength || strings.ContainsAny(out.nonce, "\n\r") {
		return out, fmt.Errorf("%w: %s", ErrMissingHeaders, HeaderNonce)
	}
	out.sig, err = base64.RawURLEncoding.DecodeString(rawSig)
	if err != nil || len(out.sig) != ed25519.SignatureSize {
		return out, ErrSignatureInvalid
	}
	return out, nil
}

// Authenticate checks the signed headers of r against body, which the
// caller has already read. Device status is checked only after the
// signature, so an unsigned probe cannot learn whether a kid is revoked.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, body []byte) (Device, error) {
	h, err := parseHeaders(r.Header)
	if err != nil {
		return Device{}, err
	}
	now := a.now()
	// Bounds are computed from now so extreme header values cannot wrap.
	window := int64(a.window / time.Second)
	if h.timestamp < now.Unix()-window || h.timestamp > now.Unix()+window {
		return Device{}, ErrTimestampSkew
	}

	dev, err := a.resolver.ResolveDevice(ctx, h.kid)
	if err != nil {
		return Device{}, err
	}
	msg := Message(r.Method, r.URL.RequestURI(), h.timestamp, h.nonce, body)
	if !keys.Verify(msg, h.sig, dev.PublicKey) {
		return Device{}, ErrSignatureInvalid
	}
	if !dev.Active {
		return Device{}, ErrDeviceRevoked
	}
	if !a.replay.add(string(h.kid)+"|"+h.nonce, now) {
		return Device{}, ErrReplay
	}
	return dev, nil
}

// Sign sets the authentication headers on r for body.
func Sign(r *http.Request, body []byte, signer keys.Signer, nonce string, at time.Time) error {
	kid, err := keys.DeriveKID(signer.PublicKey())
	if err != nil {
		return err
	}
	ts := at.Unix()
	sig, err := signer.Sign(Message(r.Method, r.URL.RequestURI(), ts, nonce, body))
	if err != nil {
		return err
	}
	r.Header.Set(HeaderDeviceKid, string(kid))
	r.Header.Set(HeaderSignature, base64.RawURLEncoding.EncodeToString(sig))
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNonce, nonce)
	return nil
}
