package identity

import (
	"fmt"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/pkg/models"
)

func (s *AccountState) applyPolicySet(env envelope.Envelope, seqno uint64) error {
	if err := s.requireRoot(env); err != nil {
		return err
	}
	var p RecoveryPolicySetPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(s.ID); err != nil {
		return err
	}
	if _, used := s.policyIDs[p.PolicyID]; used {
		return invalid("policy_id %s was already used", p.PolicyID)
	}
	if s.policy != nil && !s.policy.Revoked {
		s.policy.Revoked = true
		s.policy.RevokedSeqno = seqno
	}
	helpers := make([]models.RecoveryHelper, 0, len(p.Helpers))
	for _, h := range p.Helpers {
		helpers = append(helpers, models.RecoveryHelper{HelperAccountID: h.HelperAccountID, HelperRootKid: h.HelperRootKid})
	}
	s.policy = &models.RecoveryPolicy{
		ID:        p.PolicyID,
		Threshold: p.Threshold,
		Helpers:   helpers,
		SetSeqno:  seqno,
	}
	s.policyIDs[p.PolicyID] = struct{}{}
	return nil
}

func (s *AccountState) applyPolicyRevoked(env envelope.Envelope, seqno uint64) error {
	if err := s.requireRoot(env); err != nil {
		return err
	}
	var p RecoveryPolicyRevokedPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	policy, err := s.activePolicy(p.PolicyID)
	if err != nil {
		return err
	}
	policy.Revoked = true
	policy.RevokedSeqno = seqno
	return nil
}

// applyRootRotation installs the new root. The envelope must be signed by
// the new root itself; whether enough helpers approved it is decided by
// checkApprovals before the entry is written. The policy that authorized
// the rotation is consumed.
func (s *AccountState) applyRootRotation(env envelope.Envelope, seqno uint64, at time.Time) error {
	var p RootRotationPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	policy, err := s.activePolicy(p.PolicyID)
	if err != nil {
		return err
	}
	newPub, newKid, err := decodeKey("new_root_pubkey", p.NewRootPubKey, p.NewRootKid)
	if err != nil {
		return err
	}
	if newKid == s.RootKid {
		return invalid("new root equals the current root")
	}
	if _, former := s.formerRoots[newKid]; former {
		return invalid("new root was already used by this account")
	}
	if acc := env.Signer.AccountIDValue(); (acc != "" && acc != s.ID) || env.Signer.DeviceID != nil {
		return fmt.Errorf("%w: rotation must be signed by the new root", ErrUnauthorizedSigner)
	}
	if err := envelope.Verify(env, newPub); err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(p.Redelegations))
	for _, g := range p.Redelegations {
		if err := g.validate(); err != nil {
			return err
		}
		d, ok := s.devices[g.DeviceID]
		if !ok {
			return ErrDeviceNotFound
		}
		if !d.Active() {
			return ErrDeviceRevoked
		}
		if d.PublicKey != g.DevicePubKey {
			return invalid("redelegation of %s names a different key", g.DeviceID)
		}
		if _, dup := keep[g.DeviceID]; dup {
			return invalid("device %s redelegated twice", g.DeviceID)
		}
		keep[g.DeviceID] = struct{}{}
	}

	oldKid := s.RootKid
	s.formerRoots[oldKid] = seqno
	s.RootPub = newPub
	s.RootKid = newKid
	s.RotatedAt = at
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		if !d.Active() {
			continue
		}
		if _, ok := keep[id]; ok {
			d.DelegatedBy = string(newKid)
			d.DelegatedSeqno = seqno
			s.devices[id] = d
			continue
		}
		s.revoke(id, seqno, at)
	}
	policy.Revoked = true
	policy.RevokedSeqno = seqno
	return nil
}

// Tally is the approval count for one candidate. It carries counts only.
type Tally struct {
	Candidate  keys.Kid
	Approvals  int
	Threshold  int
	Candidates int
}

// checkApprovals decides whether approvals satisfy policy for candidate.
// Each helper counts once per candidate; helpers no longer listed by the
// policy are ignored.
func checkApprovals(policy models.RecoveryPolicy, approvals []sigchain.Approval, candidate keys.Kid, candidatePub string) (Tally, error) {
	listed := make(map[string]struct{}, len(policy.Helpers))
	for _, h := range policy.Helpers {
		listed[h.HelperAccountID] = struct{}{}
	}
	byCandidate := make(map[keys.Kid]map[string]struct{})
	helpers := make(map[string]struct{})
	for _, a := range approvals {
		if a.PolicyID != policy.ID {
			continue
		}
		if _, ok := listed[a.HelperAccountID]; !ok {
			continue
		}
		if a.CandidateKid == candidate && a.CandidatePubKey != candidatePub {
			continue
		}
		set := byCandidate[a.CandidateKid]
		if set == nil {
			set = make(map[string]struct{})
			byCandidate[a.CandidateKid] = set
		}
		set[a.HelperAccountID] = struct{}{}
		helpers[a.HelperAccountID] = struct{}{}
	}
	t := Tally{
		Candidate:  candidate,
		Approvals:  len(byCandidate[candidate]),
		Threshold:  policy.Threshold,
		Candidates: len(byCandidate),
	}
	if t.Approvals >= policy.Threshold {
		return t, nil
	}
	others := t.Candidates
	if t.Approvals > 0 {
		others--
	}
	if others > 0 && len(helpers) >= policy.Threshold {
		return t, fmt.Errorf("%w: %d of %d approvals for this candidate across %d candidates", ErrCandidateMismatch, t.Approvals, t.Threshold, t.Candidates)
	}
	return t, fmt.Errorf("%w: %d of %d", ErrInsufficientApprovals, t.Approvals, t.Threshold)
}
