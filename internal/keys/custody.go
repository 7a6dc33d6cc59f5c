package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	ErrUnknownHandle      = errors.New("unknown key handle")
	ErrCustodyUnavailable = errors.New("platform key custody unavailable")
)

// Handle refers to a key held by a Custody. It carries no key material.
type Handle string

// Custody holds non-extractable signing keys. Imported key bytes are copied
// into locked memory, the caller's buffer is wiped, and nothing ever reads
// the key back out; callers only get signatures.
type Custody struct {
	mu     sync.Mutex
	slots  map[Handle]*custodySlot
	lock   func([]byte) error
	unlock func([]byte) error
}

type custodySlot struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

var (
	platformOnce    sync.Once
	platformCustody *Custody
)

// DetectCustody returns the process-wide platform custody, or nil when the
// platform cannot keep key pages out of swap.
func DetectCustody() *Custody {
	platformOnce.Do(func() {
		probe := make([]byte, ed25519.PrivateKeySize)
		if err := lockMemory(probe); err != nil {
			return
		}
		_ = unlockMemory(probe)
		platformCustody = newCustody(lockMemory, unlockMemory)
	})
	return platformCustody
}

func newCustody(lock, unlock func([]byte) error) *Custody {
	return &Custody{
		slots:  make(map[Handle]*custodySlot),
		lock:   lock,
		unlock: unlock,
	}
}

// Import moves seed into custody. seed is zeroed before Import returns,
// whether or not the import succeeds.
func (c *Custody) Import(seed []byte) (Handle, error) {
	defer Zero(seed)
	if c == nil {
		return "", ErrCustodyUnavailable
	}
	if len(seed) != ed25519.SeedSize {
		return "", ErrInvalidSeed
	}
	derived := ed25519.NewKeyFromSeed(seed)
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, derived)
	Zero(derived)
	if err := c.lock(priv); err != nil {
		Zero(priv)
		return "", err
	}
	handle, err := newHandle()
	if err != nil {
		Zero(priv)
		_ = c.unlock(priv)
		return "", err
	}
	slot := &custodySlot{
		priv: priv,
		pub:  append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...),
	}

	c.mu.Lock()
	c.slots[handle] = slot
	c.mu.Unlock()
	return handle, nil
}

// Signer returns a signer bound to the handle.
func (c *Custody) Signer(h Handle) (*PlatformSigner, error) {
	if c == nil {
		return nil, ErrCustodyUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return &PlatformSigner{custody: c, handle: h, pub: append(ed25519.PublicKey(nil), slot.pub...)}, nil
}

// Delete wipes and releases the key behind h.
func (c *Custody) Delete(h Handle) {
	if c == nil {
		return
	}
	c.mu.Lock()
	slot, ok := c.slots[h]
	delete(c.slots, h)
	c.mu.Unlock()
	if !ok {
		return
	}
	Zero(slot.priv)
	_ = c.unlock(slot.priv)
}

func (c *Custody) sign(h Handle, message []byte) ([]byte, error) {
	c.mu.Lock()
	slot, ok := c.slots[h]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}
	return ed25519.Sign(slot.priv, message), nil
}

// PlatformSigner signs through a Custody handle and never sees key bytes.
type PlatformSigner struct {
	custody *Custody
	handle  Handle
	pub     ed25519.PublicKey
}

func (s *PlatformSigner) Sign(message []byte) ([]byte, error) {
	return s.custody.sign(s.handle, message)
}

func (s *PlatformSigner) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

func (s *PlatformSigner) Handle() Handle { return s.handle }

// NewDeviceSigner picks platform custody when available and falls back to a
// software signer otherwise. seed is consumed and zeroed in both cases.
func NewDeviceSigner(seed []byte) (Signer, error) {
	if custody := DetectCustody(); custody != nil {
		h, err := custody.Import(seed)
		if err != nil {
			return nil, err
		}
		return custody.Signer(h)
	}
	defer Zero(seed)
	return NewSoftwareSigner(seed)
}

func newHandle() (Handle, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return Handle("kh_" + hex.EncodeToString(buf)), nil
}
