package identity

import (
	"fmt"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/pkg/models"
)

func (s *AccountState) applyEndorsementCreated(env envelope.Envelope, seqno uint64, at time.Time) error {
	d, err := s.requireDevice(env)
	if err != nil {
		return err
	}
	var p EndorsementCreatedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(); err != nil {
		return err
	}
	if _, exists := s.endorsements[p.EndorsementID]; exists {
		return invalid("endorsement_id %s was already used", p.EndorsementID)
	}
	s.endorsements[p.EndorsementID] = models.Endorsement{
		ID:          p.EndorsementID,
		DeviceID:    d.ID,
		SubjectType: p.SubjectType,
		SubjectID:   p.SubjectID,
		Topic:       p.Topic,
		Magnitude:   p.Magnitude,
		Confidence:  p.Confidence,
		Context:     p.Context,
		Tags:        append([]string(nil), p.Tags...),
		EvidenceURL: p.EvidenceURL,
		Seqno:       seqno,
		CreatedAt:   at,
	}
	return nil
}

// Only the device that created an endorsement may revoke it.
func (s *AccountState) applyEndorsementRevoked(env envelope.Envelope) error {
	d, err := s.requireDevice(env)
	if err != nil {
		return err
	}
	var p EndorsementRevokedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	e, ok := s.endorsements[p.EndorsementID]
	if !ok {
		return invalid("unknown endorsement %s", p.EndorsementID)
	}
	if e.DeviceID != d.ID {
		return fmt.Errorf("%w: endorsement belongs to another device", ErrUnauthorizedSigner)
	}
	if e.Revoked {
		return invalid("endorsement %s is already revoked", p.EndorsementID)
	}
	e.Revoked = true
	s.endorsements[p.EndorsementID] = e
	return nil
}
