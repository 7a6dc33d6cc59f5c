package identity

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/pkg/models"
)

type device struct {
	models.Device
	pub ed25519.PublicKey
}

// AccountState is an account folded from its chain. The same apply rules
// run when an envelope is first accepted and when a chain is replayed, so
// the state after replay always equals the state that was served.
type AccountState struct {
	ID        string
	Username  string
	RootPub   ed25519.PublicKey
	RootKid   keys.Kid
	Head      sigchain.Head
	CreatedAt time.Time
	RotatedAt time.Time

	// formerRoots maps each replaced root kid to the seqno that ended it.
	formerRoots  map[keys.Kid]uint64
	devices      map[string]device
	deviceOrder  []string
	policy       *models.RecoveryPolicy
	policyIDs    map[string]struct{}
	endorsements map[string]models.Endorsement
}

func (s *AccountState) clone() *AccountState {
	out := *s
	out.RootPub = append(ed25519.PublicKey(nil), s.RootPub...)
	out.formerRoots = make(map[keys.Kid]uint64, len(s.formerRoots))
	for k, v := range s.formerRoots {
		out.formerRoots[k] = v
	}
	out.devices = make(map[string]device, len(s.devices))
	for k, v := range s.devices {
		out.devices[k] = v
	}
	out.deviceOrder = append([]string(nil), s.deviceOrder...)
	if s.policy != nil {
		p := *s.policy
		p.Helpers = append([]models.RecoveryHelper(nil), s.policy.Helpers...)
		out.policy = &p
	}
	out.policyIDs = make(map[string]struct{}, len(s.policyIDs))
	for k := range s.policyIDs {
		out.policyIDs[k] = struct{}{}
	}
	out.endorsements = make(map[string]models.Endorsement, len(s.endorsements))
	for k, v := range s.endorsements {
		out.endorsements[k] = v
	}
	return &out
}

// View renders the queryable account summary.
func (s *AccountState) View() models.Account {
	return models.Account{
		ID:            s.ID,
		Username:      s.Username,
		RootKid:       string(s.RootKid),
		RootPublicKey: keys.EncodePublicKey(s.RootPub),
		Fingerprint:   models.Fingerprint(s.RootPub),
		HeadSeqno:     s.Head.Seqno,
		HeadHash:      s.Head.Hash,
		ActiveDevices: s.activeDevices(),
		CreatedAt:     s.CreatedAt,
		RotatedAt:     s.RotatedAt,
	}
}

// Devices lists devices in delegation order.
func (s *AccountState) Devices() []models.Device {
	out := make([]models.Device, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		out = append(out, s.devices[id].Device)
	}
	return out
}

// Device returns one device and its public key.
func (s *AccountState) Device(id string) (models.Device, ed25519.PublicKey, bool) {
	d, ok := s.devices[id]
	if !ok {
		return models.Device{}, nil, false
	}
	return d.Device, append(ed25519.PublicKey(nil), d.pub...), true
}

// DeviceByKid finds the active device holding kid.
func (s *AccountState) DeviceByKid(kid keys.Kid) (models.Device, ed25519.PublicKey, bool) {
	var found *device
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		if keys.Kid(d.Kid) != kid {
			continue
		}
		found = &d
		if d.Active() {
			break
		}
	}
	if found == nil {
		return models.Device{}, nil, false
	}
	return found.Device, append(ed25519.PublicKey(nil), found.pub...), true
}

// claimsAt lists what the entry at seqno binds to this account: the kids of
// devices delegated by it and, for the genesis, the username.
func (s *AccountState) claimsAt(seqno uint64) sigchain.Claims {
	var c sigchain.Claims
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		if d.Active() && d.DelegatedSeqno == seqno {
			c.Kids = append(c.Kids, keys.Kid(d.Kid))
		}
	}
	if seqno == 1 {
		c.Username = s.Username
	}
	return c
}

// Policy returns the current or most recent recovery policy.
func (s *AccountState) Policy() (models.RecoveryPolicy, bool) {
	if s.policy == nil {
		return models.RecoveryPolicy{}, false
	}
	p := *s.policy
	p.Helpers = append([]models.RecoveryHelper(nil), s.policy.Helpers...)
	return p, true
}

func (s *AccountState) activePolicy(id string) (*models.RecoveryPolicy, error) {
	if s.policy == nil || s.policy.Revoked || s.policy.ID != id {
		return nil, ErrPolicyRevoked
	}
	return s.policy, nil
}

// Endorsements lists endorsements ordered by the seqno that created them.
func (s *AccountState) Endorsements() []models.Endorsement {
	out := make([]models.Endorsement, 0, len(s.endorsements))
	for _, e := range s.endorsements {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seqno < out[j].Seqno })
	return out
}

func (s *AccountState) activeDevices() int {
	n := 0
	for _, d := range s.devices {
		if d.Active() {
			n++
		}
	}
	return n
}

// newAccountState validates the genesis envelope and builds the initial state.
func newAccountState(env envelope.Envelope, at time.Time) (*AccountState, error) {
	if env.PayloadType != TypeAccountCreated {
		return nil, invalid("first entry must be %s", TypeAccountCreated)
	}
	var p AccountCreatedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := requireUUID("account_id", p.AccountID); err != nil {
		return nil, err
	}
	if p.Username != "" {
		if err := ValidateUsername(p.Username); err != nil {
			return nil, err
		}
	}
	rootPub, rootKid, err := decodeKey("root_pubkey", p.RootPubKey, "")
	if err != nil {
		return nil, err
	}
	if env.Signer.AccountIDValue() != p.AccountID || env.Signer.DeviceID != nil {
		return nil, fmt.Errorf("%w: genesis must be signed by the account root", ErrUnauthorizedSigner)
	}
	if err := envelope.Verify(env, rootPub); err != nil {
		return nil, err
	}
	s := &AccountState{
		ID:           p.AccountID,
		Username:     p.Username,
		RootPub:      rootPub,
		RootKid:      rootKid,
		CreatedAt:    at,
		formerRoots:  make(map[keys.Kid]uint64),
		devices:      make(map[string]device),
		policyIDs:    make(map[string]struct{}),
		endorsements: make(map[string]models.Endorsement),
	}
	if p.Device != nil {
		if err := s.delegate(*p.Device, 1, at); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// apply validates env at position seqno and mutates s. Callers apply to a
// clone and keep it only if the ledger append succeeds.
func (s *AccountState) apply(env envelope.Envelope, seqno uint64, at time.Time) error {
	switch env.PayloadType {
	case TypeDeviceDelegated:
		return s.applyDeviceDelegated(env, seqno, at)
	case TypeDeviceRevoked:
		return s.applyDeviceRevoked(env, seqno, at)
	case TypeDeviceRenamed:
		return s.applyDeviceRenamed(env)
	case TypeRecoveryPolicySet:
		return s.applyPolicySet(env, seqno)
	case TypeRecoveryPolicyRevoked:
		return s.applyPolicyRevoked(env, seqno)
	case TypeRootRotation:
		return s.applyRootRotation(env, seqno, at)
	case TypeEndorsementCreated:
		return s.applyEndorsementCreated(env, seqno, at)
	case TypeEndorsementRevoked:
		return s.applyEndorsementRevoked(env)
	case TypeAccountCreated:
		return ErrAccountExists
	default:
		return invalid("unknown payload_type %q", env.PayloadType)
	}
}

// requireRoot accepts only envelopes signed by the current root. A root
// replaced by rotation is reported as expired rather than unknown.
func (s *AccountState) requireRoot(env envelope.Envelope) error {
	if env.Signer.AccountIDValue() != s.ID || env.Signer.DeviceID != nil {
		return fmt.Errorf("%w: %s must be signed by the account root", ErrUnauthorizedSigner, env.PayloadType)
	}
	if env.Signer.Kid != s.RootKid {
		if _, former := s.formerRoots[env.Signer.Kid]; former {
			return fmt.Errorf("%w: root %s was rotated out", ErrDelegationExpired, env.Signer.Kid)
		}
		return fmt.Errorf("%w: kid is not the current root", ErrUnauthorizedSigner)
	}
	return envelope.Verify(env, s.RootPub)
}

// requireDevice accepts only envelopes signed by an active delegated device.
// The signature is checked before device status.
func (s *AccountState) requireDevice(env envelope.Envelope) (device, error) {
	if env.Signer.AccountIDValue() != s.ID || env.Signer.DeviceID == nil {
		return device{}, fmt.Errorf("%w: %s must be signed by a device", ErrUnauthorizedSigner, env.PayloadType)
	}
	d, ok := s.devices[*env.Signer.DeviceID]
	if !ok {
		return device{}, ErrDeviceNotFound
	}
	if err := envelope.Verify(env, d.pub); err != nil {
		return device{}, err
	}
	if !d.Active() {
		return device{}, ErrDeviceRevoked
	}
	if keys.Kid(d.DelegatedBy) != s.RootKid {
		return device{}, ErrDelegationExpired
	}
	return d, nil
}
