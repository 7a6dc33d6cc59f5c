package identity

import (
	"fmt"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/pkg/models"
)

// delegate adds an active device under the current root. Device ids are
// never reused, even after revocation, and one key cannot back two active
// devices.
func (s *AccountState) delegate(g DeviceGrant, seqno uint64, at time.Time) error {
	if err := g.validate(); err != nil {
		return err
	}
	if _, exists := s.devices[g.DeviceID]; exists {
		return fmt.Errorf("%w: %s", ErrDeviceExists, g.DeviceID)
	}
	pub, kid, err := decodeKey("device_pubkey", g.DevicePubKey, "")
	if err != nil {
		return err
	}
	if kid == s.RootKid {
		return invalid("device key must differ from the root key")
	}
	active := 0
	for _, d := range s.devices {
		if !d.Active() {
			continue
		}
		active++
		if keys.Kid(d.Kid) == kid {
			return fmt.Errorf("%w: key already delegated to %s", ErrDeviceExists, d.ID)
		}
	}
	if active >= MaxActiveDevices {
		return ErrDeviceLimit
	}
	s.devices[g.DeviceID] = device{
		Device: models.Device{
			ID:             g.DeviceID,
			Kid:            string(kid),
			PublicKey:      g.DevicePubKey,
			Name:           g.Name,
			State:          models.DeviceActive,
			DelegatedBy:    string(s.RootKid),
			DelegatedSeqno: seqno,
			CreatedAt:      at,
		},
		pub: pub,
	}
	s.deviceOrder = append(s.deviceOrder, g.DeviceID)
	return nil
}

func (s *AccountState) revoke(id string, seqno uint64, at time.Time) {
	d := s.devices[id]
	d.State = models.DeviceRevoked
	d.RevokedSeqno = seqno
	d.RevokedAt = at
	s.devices[id] = d
}

func (s *AccountState) applyDeviceDelegated(env envelope.Envelope, seqno uint64, at time.Time) error {
	if err := s.requireRoot(env); err != nil {
		return err
	}
	var p DeviceDelegatedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.delegate(p.DeviceGrant, seqno, at)
}

func (s *AccountState) applyDeviceRevoked(env envelope.Envelope, seqno uint64, at time.Time) error {
	if err := s.requireRoot(env); err != nil {
		return err
	}
	var p DeviceRevokedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	d, ok := s.devices[p.DeviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if !d.Active() {
		return ErrDeviceRevoked
	}
	s.revoke(p.DeviceID, seqno, at)
	return nil
}

func (s *AccountState) applyDeviceRenamed(env envelope.Envelope) error {
	if err := s.requireRoot(env); err != nil {
		return err
	}
	var p DeviceRenamedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	d, ok := s.devices[p.DeviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if !d.Active() {
		return ErrDeviceRevoked
	}
	name, err := deviceName(p.Name)
	if err != nil {
		return err
	}
	d.Name = name
	s.devices[p.DeviceID] = d
	return nil
}
