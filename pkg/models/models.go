package models

import (
	"crypto/sha256"
	"time"

	"github.com/mr-tron/base58"
)

const (
	DeviceActive  = "active"
	DeviceRevoked = "revoked"
)

// Account is the queryable view of an account as of its chain head.
type Account struct {
	ID            string    `json:"account_id"`
	Username      string    `json:"username,omitempty"`
	RootKid       string    `json:"root_kid"`
	RootPublicKey string    `json:"root_pubkey"`
	Fingerprint   string    `json:"fingerprint"`
	HeadSeqno     uint64    `json:"head_seqno"`
	HeadHash      string    `json:"head_hash"`
	ActiveDevices int       `json:"active_devices"`
	CreatedAt     time.Time `json:"created_at"`
	RotatedAt     time.Time `json:"rotated_at,omitempty"`
}

type Device struct {
	ID             string    `json:"device_id"`
	Kid            string    `json:"device_kid"`
	PublicKey      string    `json:"device_pubkey"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	DelegatedBy    string    `json:"delegated_by"`
	DelegatedSeqno uint64    `json:"delegated_seqno"`
	RevokedSeqno   uint64    `json:"revoked_seqno,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	RevokedAt      time.Time `json:"revoked_at,omitempty"`
}

func (d Device) Active() bool { return d.State == DeviceActive }

type RecoveryHelper struct {
	HelperAccountID string `json:"helper_account_id"`
	HelperRootKid   string `json:"helper_root_kid,omitempty"`
}

type RecoveryPolicy struct {
	ID           string           `json:"policy_id"`
	Threshold    int              `json:"threshold"`
	Helpers      []RecoveryHelper `json:"helpers"`
	SetSeqno     uint64           `json:"set_seqno"`
	Revoked      bool             `json:"revoked"`
	RevokedSeqno uint64           `json:"revoked_seqno,omitempty"`
}

type Endorsement struct {
	ID          string    `json:"endorsement_id"`
	DeviceID    string    `json:"device_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Topic       string    `json:"topic"`
	Magnitude   float64   `json:"magnitude"`
	Confidence  float64   `json:"confidence"`
	Context     string    `json:"context,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	Seqno       uint64    `json:"seqno"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fingerprint is a short human-comparable rendering of a root public key:
// "tc1" followed by base58(SHA-256(pub)[:20]).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "tc1" + base58.Encode(sum[:20])
}
