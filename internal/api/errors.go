package api

import (
	"errors"
	"net/http"
	"strings"

	"trustchain/go-backend/internal/identity"
	"trustchain/go-backend/internal/requestauth"
)

// Transport-only codes.
const (
	codeBadJSON       = "BAD_JSON"
	codeBadRequest    = "BAD_REQUEST"
	codeBodyTooLarge  = "PAYLOAD_TOO_LARGE"
	codeRateLimited   = "RATE_LIMITED"
	codeAuthHeaders   = "AUTH_HEADERS"
	codeTimestampSkew = "TIMESTAMP_SKEW"
	codeReplay        = "REPLAY"
	codeUnknownDevice = "UNKNOWN_DEVICE"
)

var statusByCode = map[identity.Code]int{
	identity.CodeCanonicalization:      http.StatusBadRequest,
	identity.CodeSignatureInvalid:      http.StatusUnauthorized,
	identity.CodeKidMismatch:           http.StatusUnauthorized,
	identity.CodeChainConflict:         http.StatusConflict,
	identity.CodeDeviceRevoked:         http.StatusForbidden,
	identity.CodeDelegationExpired:     http.StatusForbidden,
	identity.CodeDecryption:            http.StatusBadRequest,
	identity.CodeInsufficientApprovals: http.StatusUnprocessableEntity,
	identity.CodeCandidateMismatch:     http.StatusConflict,
	identity.CodePolicyRevoked:         http.StatusConflict,
	identity.CodeInvalidPayload:        http.StatusBadRequest,
	identity.CodeAccountNotFound:       http.StatusNotFound,
	identity.CodeAccountExists:         http.StatusConflict,
	identity.CodeDeviceNotFound:        http.StatusNotFound,
	identity.CodeDeviceExists:          http.StatusConflict,
	identity.CodeDeviceLimit:           http.StatusConflict,
	identity.CodeNotHelper:             http.StatusForbidden,
	identity.CodeUnauthorizedSigner:    http.StatusForbidden,
	identity.CodeBackupNotFound:        http.StatusNotFound,
	identity.CodeUsernameTaken:          http.StatusConflict,
	identity.CodeInternal:              http.StatusInternalServerError,
}

var requestAuthErrors = []struct {
	err    error
	status int
	code   string
}{
	{requestauth.ErrMissingHeaders, http.StatusUnauthorized, codeAuthHeaders},
	{requestauth.ErrTimestampSkew, http.StatusUnauthorized, codeTimestampSkew},
	{requestauth.ErrReplay, http.StatusUnauthorized, codeReplay},
	{requestauth.ErrUnknownDevice, http.StatusUnauthorized, codeUnknownDevice},
	{requestauth.ErrDeviceRevoked, http.StatusForbidden, string(identity.CodeDeviceRevoked)},
	{requestauth.ErrSignatureInvalid, http.StatusUnauthorized, string(identity.CodeSignatureInvalid)},
}

type apiError struct {
	status  int
	code    string
	message string
}

// classify maps err to a response. Internal errors get a fixed message so
// storage details stay in the log.
func classify(err error) apiError {
	for _, e := range requestAuthErrors {
		if errors.Is(err, e.err) {
			return apiError{status: e.status, code: e.code, message: err.Error()}
		}
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apiError{status: http.StatusRequestEntityTooLarge, code: codeBodyTooLarge, message: "request body too large"}
	}
	code := identity.Kind(err)
	status, ok := statusByCode[code]
	if !ok || code == identity.CodeInternal {
		return apiError{status: http.StatusInternalServerError, code: string(identity.CodeInternal), message: "internal error"}
	}
	return apiError{status: status, code: string(code), message: err.Error()}
}

func authResult(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(classify(err).code)
}
