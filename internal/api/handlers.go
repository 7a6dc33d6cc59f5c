package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/identity"
	"trustchain/go-backend/internal/platform/ratelimiter"
	"trustchain/go-backend/internal/requestauth"
	"trustchain/go-backend/internal/sigchain"
)

// chainEventRequest claims a ledger position for an envelope.
type chainEventRequest struct {
	Envelope json.RawMessage `json:"envelope"`
	Seqno    uint64          `json:"seqno"`
	PrevHash string          `json:"prev_hash"`
}

type backupRequest struct {
	Blob []byte `json:"blob"`
}

var errBadJSON = errors.New("malformed request body")

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data", errBadJSON)
	}
	return nil
}

// readJSON reads and decodes the body, writing the error response itself.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if err := decodeStrict(raw, dst); err != nil {
		s.writeCode(w, r, http.StatusBadRequest, codeBadJSON, err.Error())
		return false
	}
	return true
}

func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) (envelope.Envelope, bool) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return envelope.Envelope{}, false
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		s.writeError(w, r, err)
		return envelope.Envelope{}, false
	}
	return env, true
}

func (s *Server) readChainEvent(w http.ResponseWriter, r *http.Request) (envelope.Envelope, chainEventRequest, bool) {
	var req chainEventRequest
	if !s.readJSON(w, r, &req) {
		return envelope.Envelope{}, req, false
	}
	if len(req.Envelope) == 0 || req.Seqno == 0 {
		s.writeCode(w, r, http.StatusBadRequest, codeBadRequest, "envelope and seqno are required")
		return envelope.Envelope{}, req, false
	}
	env, err := envelope.Decode(req.Envelope)
	if err != nil {
		s.writeError(w, r, err)
		return envelope.Envelope{}, req, false
	}
	return env, req, true
}

func entryBody(e sigchain.Entry) map[string]any {
	return map[string]any{
		"account_id":   e.AccountID,
		"seqno":        e.Seqno,
		"hash":         e.Hash,
		"prev_hash":    e.PrevHash,
		"payload_type": e.PayloadType,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	entry, err := s.svc.CreateAccount(r.Context(), env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := entryBody(entry)
	body["root_kid"] = string(env.Signer.Kid)
	s.writeOK(w, r, http.StatusCreated, body)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	acc, err := s.svc.Account(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"account": acc}
	if p, ok, err := s.svc.Policy(r.Context(), id); err == nil && ok {
		body["recovery_policy"] = p
	}
	s.writeOK(w, r, http.StatusOK, body)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || v == 0 {
			s.writeCode(w, r, http.StatusBadRequest, codeBadRequest, "from must be a positive integer")
			return
		}
		from = v
	}
	entries, err := s.svc.Chain(r.Context(), chi.URLParam(r, "accountID"), from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []sigchain.Entry{}
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	env, req, ok := s.readChainEvent(w, r)
	if !ok {
		return
	}
	entry, err := s.svc.Submit(r.Context(), chi.URLParam(r, "accountID"), env, req.Seqno, req.PrevHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusCreated, entryBody(entry))
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	env, req, ok := s.readChainEvent(w, r)
	if !ok {
		return
	}
	entry, err := s.svc.RotateRoot(r.Context(), chi.URLParam(r, "accountID"), env, req.Seqno, req.PrevHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := entryBody(entry)
	body["root_kid"] = string(env.Signer.Kid)
	s.writeOK(w, r, http.StatusCreated, body)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.Devices(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleEndorsements(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Endorsements(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"endorsements": out})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	a, inserted, err := s.svc.Approve(r.Context(), env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	s.writeOK(w, r, status, map[string]any{
		"account_id":        a.TargetAccountID,
		"policy_id":         a.PolicyID,
		"helper_account_id": a.HelperAccountID,
		"candidate_kid":     string(a.CandidateKid),
		"inserted":          inserted,
	})
}

// handlePutBackup requires a signed request from a device of the account.
// The signature covers the body, so it binds the blob.
func (s *Server) handlePutBackup(w http.ResponseWriter, r *http.Request) {
	raw, dev, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "accountID")
	if dev.AccountID != accountID {
		s.writeCode(w, r, http.StatusForbidden, string(identity.CodeUnauthorizedSigner), "device belongs to another account")
		return
	}
	var req backupRequest
	if err := decodeStrict(raw, &req); err != nil {
		s.writeCode(w, r, http.StatusBadRequest, codeBadJSON, err.Error())
		return
	}
	b, err := s.svc.StoreBackup(r.Context(), accountID, dev.Kid, req.Blob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{
		"account_id": b.AccountID,
		"root_kid":   string(b.RootKid),
		"updated_at": b.UpdatedAt,
	})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.LoadBackup(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"backup": b})
}

func (s *Server) handleUsername(w http.ResponseWriter, r *http.Request) {
	acc, err := s.svc.AccountByUsername(r.Context(), strings.TrimSpace(chi.URLParam(r, "username")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"account": acc})
}

func (s *Server) handleUsernameBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.BackupByUsername(r.Context(), strings.TrimSpace(chi.URLParam(r, "username")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{"backup": b})
}

// handleRenameDevice appends a DeviceRenamed event for the device in the
// path.
func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	env, req, ok := s.readChainEvent(w, r)
	if !ok {
		return
	}
	var p identity.DeviceRenamedPayload
	if env.PayloadType != identity.TypeDeviceRenamed || envelope.DecodePayload(env, &p) != nil || p.DeviceID != chi.URLParam(r, "deviceID") {
		s.writeCode(w, r, http.StatusBadRequest, codeBadRequest, "expected a DeviceRenamed envelope for this device")
		return
	}
	entry, err := s.svc.Submit(r.Context(), chi.URLParam(r, "accountID"), env, req.Seqno, req.PrevHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusCreated, entryBody(entry))
}

// authenticated reads the body and verifies the request signature over it.
// The authenticated device gets its own rate-limit bucket.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) ([]byte, requestauth.Device, bool) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, requestauth.Device{}, false
	}
	dev, err := s.auth.Authenticate(r.Context(), r, body)
	s.metrics.RequestAuth(authResult(err))
	if err != nil {
		s.log.Info("request authentication rejected",
			"request_id", requestIDFrom(r.Context()),
			"kid", r.Header.Get(requestauth.HeaderDeviceKid),
			"error", err)
		s.writeError(w, r, err)
		return nil, requestauth.Device{}, false
	}
	if !s.limiter.Allow(ratelimiter.RequestKey(r, string(dev.Kid)), time.Now()) {
		s.writeCode(w, r, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return nil, requestauth.Device{}, false
	}
	return body, dev, true
}

// handleMe answers a signed request with the caller's account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	_, dev, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	acc, err := s.svc.Account(r.Context(), dev.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, r, http.StatusOK, map[string]any{
		"account_id": dev.AccountID,
		"device_id":  dev.DeviceID,
		"device_kid": string(dev.Kid),
		"account":    acc,
	})
}
