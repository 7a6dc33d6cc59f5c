package identity

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"trustchain/go-backend/internal/keys"
)

// Payload types carried on account chains.
const (
	TypeAccountCreated        = "AccountCreated"
	TypeDeviceDelegated       = "DeviceDelegated"
	TypeDeviceRevoked         = "DeviceRevoked"
	TypeDeviceRenamed         = "DeviceRenamed"
	TypeRecoveryPolicySet     = "RecoveryPolicySet"
	TypeRecoveryPolicyRevoked = "RecoveryPolicyRevoked"
	TypeRootRotation          = "RootRotation"
	TypeEndorsementCreated    = "EndorsementCreated"
	TypeEndorsementRevoked    = "EndorsementRevoked"

	// TypeRecoveryApproval envelopes are kept off-chain.
	TypeRecoveryApproval = "RecoveryApproval"
)

const (
	MaxActiveDevices  = 10
	maxDeviceName     = 128
	maxHelpers        = 16
	maxTextField      = 512
	maxTags           = 16
	maxTagLength      = 64
	defaultDeviceName = "device"
	minUsername       = 3
	maxUsername       = 64
)

var reservedUsernames = map[string]struct{}{
	"admin": {}, "administrator": {}, "root": {}, "system": {}, "mod": {}, "moderator": {},
	"support": {}, "help": {}, "api": {}, "auth": {}, "signup": {}, "login": {},
	"null": {}, "undefined": {}, "anonymous": {}, "me": {},
}

type DeviceGrant struct {
	DeviceID     string `json:"device_id"`
	DevicePubKey string `json:"device_pubkey"`
	Name         string `json:"name,omitempty"`
}

type AccountCreatedPayload struct {
	AccountID  string       `json:"account_id"`
	Username   string       `json:"username,omitempty"`
	RootPubKey string       `json:"root_pubkey"`
	Device     *DeviceGrant `json:"device,omitempty"`
}

type DeviceDelegatedPayload struct {
	DeviceGrant
}

type DeviceRevokedPayload struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

type DeviceRenamedPayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type HelperRef struct {
	HelperAccountID string `json:"helper_account_id"`
	HelperRootKid   string `json:"helper_root_kid,omitempty"`
}

type RecoveryPolicySetPayload struct {
	PolicyID  string      `json:"policy_id"`
	Threshold int         `json:"threshold"`
	Helpers   []HelperRef `json:"helpers"`
}

type RecoveryPolicyRevokedPayload struct {
	PolicyID string `json:"policy_id"`
}

type RecoveryApprovalPayload struct {
	AccountID     string `json:"account_id"`
	PolicyID      string `json:"policy_id"`
	NewRootKid    string `json:"new_root_kid"`
	NewRootPubKey string `json:"new_root_pubkey"`
}

type RootRotationPayload struct {
	PolicyID      string        `json:"policy_id"`
	NewRootKid    string        `json:"new_root_kid"`
	NewRootPubKey string        `json:"new_root_pubkey"`
	Redelegations []DeviceGrant `json:"redelegations,omitempty"`
}

type EndorsementCreatedPayload struct {
	EndorsementID string   `json:"endorsement_id"`
	SubjectType   string   `json:"subject_type"`
	SubjectID     string   `json:"subject_id"`
	Topic         string   `json:"topic"`
	Magnitude     float64  `json:"magnitude"`
	Confidence    float64  `json:"confidence"`
	Context       string   `json:"context,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	EvidenceURL   string   `json:"evidence_url,omitempty"`
}

type EndorsementRevokedPayload struct {
	EndorsementID string `json:"endorsement_id"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func requireUUID(field, v string) error {
	id, err := uuid.Parse(v)
	if err != nil || id.String() != v {
		return invalid("%s must be a lowercase UUID", field)
	}
	return nil
}

func requireText(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return invalid("%s is required", field)
	}
	if utf8.RuneCountInString(v) > max {
		return invalid("%s is too long", field)
	}
	return nil
}

// decodeKey parses a wire public key together with the kid claimed for it.
func decodeKey(field, pub, claimedKid string) ([]byte, keys.Kid, error) {
	key, err := keys.DecodePublicKey(pub)
	if err != nil {
		return nil, "", invalid("%s: %v", field, err)
	}
	kid := keys.MustDeriveKID(key)
	if claimedKid != "" && keys.Kid(claimedKid) != kid {
		return nil, "", fmt.Errorf("%w: %s does not derive the claimed kid", ErrKidMismatch, field)
	}
	return key, kid, nil
}

// ValidateUsername checks the handle an account may register at creation:
// 3 to 64 ASCII letters, digits, '-' or '_', and not a reserved word.
func ValidateUsername(name string) error {
	if len(name) < minUsername || len(name) > maxUsername {
		return invalid("username must be %d to %d characters", minUsername, maxUsername)
	}
	for _, c := range name {
		ok := c == '-' || c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !ok {
			return invalid("username may only contain letters, digits, '-' and '_'")
		}
	}
	if _, reserved := reservedUsernames[strings.ToLower(name)]; reserved {
		return invalid("username %q is reserved", name)
	}
	return nil
}

func deviceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultDeviceName
	}
	if utf8.RuneCountInString(name) > maxDeviceName {
		return "", invalid("device name is too long")
	}
	return name, nil
}

func (g *DeviceGrant) validate() error {
	if err := requireUUID("device_id", g.DeviceID); err != nil {
		return err
	}
	if _, err := keys.DecodePublicKey(g.DevicePubKey); err != nil {
		return invalid("device_pubkey: %v", err)
	}
	name, err := deviceName(g.Name)
	if err != nil {
		return err
	}
	g.Name = name
	return nil
}

func (p *RecoveryPolicySetPayload) validate(owner string) error {
	if err := requireUUID("policy_id", p.PolicyID); err != nil {
		return err
	}
	if len(p.Helpers) == 0 || len(p.Helpers) > maxHelpers {
		return invalid("helpers must list between 1 and %d accounts", maxHelpers)
	}
	if p.Threshold < 1 || p.Threshold > len(p.Helpers) {
		return invalid("threshold must be between 1 and %d", len(p.Helpers))
	}
	seen := make(map[string]struct{}, len(p.Helpers))
	for _, h := range p.Helpers {
		if err := requireUUID("helper_account_id", h.HelperAccountID); err != nil {
			return err
		}
		if h.HelperAccountID == owner {
			return invalid("an account cannot be its own helper")
		}
		if _, dup := seen[h.HelperAccountID]; dup {
			return invalid("duplicate helper_account_id")
		}
		seen[h.HelperAccountID] = struct{}{}
		if h.HelperRootKid != "" {
			if _, err := keys.ParseKid(h.HelperRootKid); err != nil {
				return invalid("helper_root_kid: %v", err)
			}
		}
	}
	return nil
}

func (p *EndorsementCreatedPayload) validate() error {
	if err := requireUUID("endorsement_id", p.EndorsementID); err != nil {
		return err
	}
	if err := requireText("subject_type", p.SubjectType, maxTextField); err != nil {
		return err
	}
	if err := requireText("subject_id", p.SubjectID, maxTextField); err != nil {
		return err
	}
	if err := requireText("topic", p.Topic, maxTextField); err != nil {
		return err
	}
	if math.IsNaN(p.Magnitude) || p.Magnitude < -1 || p.Magnitude > 1 {
		return invalid("magnitude must be within [-1, 1]")
	}
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return invalid("confidence must be within [0, 1]")
	}
	if utf8.RuneCountInString(p.Context) > maxTextField {
		return invalid("context is too long")
	}
	if len(p.Tags) > maxTags {
		return invalid("at most %d tags", maxTags)
	}
	for _, tag := range p.Tags {
		if err := requireText("tag", tag, maxTagLength); err != nil {
			return err
		}
	}
	if p.EvidenceURL != "" {
		u, err := url.Parse(p.EvidenceURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return invalid("evidence_url must be an absolute http(s) URL")
		}
	}
	return nil
}
