package identity

import (
	"errors"

	"trustchain/go-backend/internal/canonjson"
	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/securestore"
	"trustchain/go-backend/internal/sigchain"
)

// Re-exported so callers can match every rejection against this package.
var (
	ErrCanonicalization = canonjson.ErrCanonicalization
	ErrSignatureInvalid = envelope.ErrSignatureInvalid
	ErrKidMismatch      = envelope.ErrKidMismatch
	ErrChainConflict    = sigchain.ErrChainConflict
	ErrDecryption       = securestore.ErrDecryption
	ErrKeyClaimed       = sigchain.ErrKeyClaimed
	ErrUsernameTaken    = sigchain.ErrUsernameTaken
)

var (
	ErrDeviceRevoked         = errors.New("device revoked")
	ErrDelegationExpired     = errors.New("delegation expired")
	ErrInsufficientApprovals = errors.New("insufficient approvals")
	ErrCandidateMismatch     = errors.New("approvals name different candidates")
	ErrPolicyRevoked         = errors.New("recovery policy revoked or not active")

	ErrInvalidPayload     = errors.New("invalid payload")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceExists       = errors.New("device already exists")
	ErrDeviceLimit        = errors.New("active device limit reached")
	ErrNotHelper          = errors.New("signer is not a helper of this policy")
	ErrUnauthorizedSigner = errors.New("signer is not authorized for this event")
	ErrBackupNotFound     = sigchain.ErrBackupNotFound
)

// Code is the stable name of an error kind used at transport boundaries.
type Code string

const (
	CodeCanonicalization      Code = "CANONICALIZATION"
	CodeSignatureInvalid      Code = "SIGNATURE_INVALID"
	CodeKidMismatch           Code = "KID_MISMATCH"
	CodeChainConflict         Code = "CHAIN_CONFLICT"
	CodeDeviceRevoked         Code = "DEVICE_REVOKED"
	CodeDelegationExpired     Code = "DELEGATION_EXPIRED"
	CodeDecryption            Code = "DECRYPTION_FAILED"
	CodeInsufficientApprovals Code = "INSUFFICIENT_APPROVALS"
	CodeCandidateMismatch     Code = "CANDIDATE_MISMATCH"
	CodePolicyRevoked         Code = "POLICY_REVOKED"
	CodeInvalidPayload        Code = "INVALID_PAYLOAD"
	CodeAccountNotFound       Code = "ACCOUNT_NOT_FOUND"
	CodeAccountExists         Code = "ACCOUNT_EXISTS"
	CodeDeviceNotFound        Code = "DEVICE_NOT_FOUND"
	CodeDeviceExists          Code = "DEVICE_EXISTS"
	CodeDeviceLimit           Code = "DEVICE_LIMIT"
	CodeNotHelper             Code = "NOT_HELPER"
	CodeUnauthorizedSigner    Code = "UNAUTHORIZED_SIGNER"
	CodeBackupNotFound        Code = "BACKUP_NOT_FOUND"
	CodeUsernameTaken         Code = "USERNAME_TAKEN"
	CodeInternal              Code = "INTERNAL"
)

var kinds = []struct {
	err  error
	code Code
}{
	{ErrCanonicalization, CodeCanonicalization},
	{ErrSignatureInvalid, CodeSignatureInvalid},
	{ErrKidMismatch, CodeKidMismatch},
	{ErrChainConflict, CodeChainConflict},
	{ErrDeviceRevoked, CodeDeviceRevoked},
	{ErrDelegationExpired, CodeDelegationExpired},
	{ErrDecryption, CodeDecryption},
	{ErrInsufficientApprovals, CodeInsufficientApprovals},
	{ErrCandidateMismatch, CodeCandidateMismatch},
	{ErrPolicyRevoked, CodePolicyRevoked},
	{ErrAccountNotFound, CodeAccountNotFound},
	{ErrAccountExists, CodeAccountExists},
	{ErrDeviceNotFound, CodeDeviceNotFound},
	{ErrDeviceExists, CodeDeviceExists},
	{ErrKeyClaimed, CodeDeviceExists},
	{ErrUsernameTaken, CodeUsernameTaken},
	{sigchain.ErrNoSuchUsername, CodeAccountNotFound},
	{ErrDeviceLimit, CodeDeviceLimit},
	{ErrNotHelper, CodeNotHelper},
	{ErrUnauthorizedSigner, CodeUnauthorizedSigner},
	{ErrBackupNotFound, CodeBackupNotFound},
	{ErrInvalidPayload, CodeInvalidPayload},
	{envelope.ErrMalformed, CodeInvalidPayload},
	{envelope.ErrUnsupportedVersion, CodeInvalidPayload},
	{keys.ErrInvalidPublicKey, CodeInvalidPayload},
	{keys.ErrInvalidKid, CodeInvalidPayload},
	{securestore.ErrInvalidBlob, CodeInvalidPayload},
	{sigchain.ErrInvalidAppend, CodeInvalidPayload},
}

// Kind maps err to its code. Anything outside the closed set is
// CodeInternal.
func Kind(err error) Code {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeInternal
}

// Codes lists every code Kind can return.
func Codes() []Code {
	seen := make(map[Code]struct{})
	out := make([]Code, 0, len(kinds)+1)
	for _, k := range kinds {
		if _, ok := seen[k.code]; ok {
			continue
		}
		seen[k.code] = struct{}{}
		out = append(out, k.code)
	}
	return append(out, CodeInternal)
}
