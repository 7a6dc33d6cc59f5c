package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/securestore"
	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/pkg/models"
)

// Recorder receives envelope and ledger outcomes.
type Recorder interface {
	Envelope(payloadType, result string)
	Append(result string)
}

type nopRecorder struct{}

func (nopRecorder) Envelope(string, string) {}
func (nopRecorder) Append(string)           {}

const resultAccepted = "accepted"

type Options struct {
	Logger  *slog.Logger
	Metrics Recorder
	// MaxBackupBytes bounds stored backup blobs. Zero means BlobSize.
	MaxBackupBytes int
	Now            func() time.Time
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// Service validates envelopes against folded account state and appends the
// accepted ones. Validation and append for one account run under that
// account's lock; the store still enforces chain position on its own, so
// several Service instances may share one database.
type Service struct {
	store     sigchain.Store
	log       *slog.Logger
	metrics   Recorder
	now       func() time.Time
	maxBackup int

	mu    sync.Mutex
	locks map[string]*accountLock
	cache map[string]*AccountState
}

func NewService(store sigchain.Store, opts Options) *Service {
	s := &Service{
		store:     store,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		maxBackup: opts.MaxBackupBytes,
		locks:     make(map[string]*accountLock),
		cache:     make(map[string]*AccountState),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxBackup <= 0 {
		s.maxBackup = securestore.BlobSize
	}
	return s
}

// stamp is the acceptance time. Postgres keeps microseconds, so state built
// at acceptance matches state replayed from any store.
func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) lock(accountID string) func() {
	s.mu.Lock()
	l := s.locks[accountID]
	if l == nil {
		l = &accountLock{}
		s.locks[accountID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, accountID)
		}
		s.mu.Unlock()
	}
}

func (s *Service) cached(accountID string) *AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[accountID]
}

func (s *Service) remember(st *AccountState) {
	s.mu.Lock()
	s.cache[st.ID] = st
	s.mu.Unlock()
}

func (s *Service) forget(accountID string) {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
}

// loadLocked returns the account state at the store's current head. Cached
// states are never mutated; newer entries are applied to a clone.
func (s *Service) loadLocked(ctx context.Context, accountID string) (*AccountState, error) {
	head, err := s.store.Head(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if head.Empty() {
		s.forget(accountID)
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	cached := s.cached(accountID)
	if cached != nil && cached.Head == head {
		return cached, nil
	}
	var base *AccountState
	from := uint64(1)
	if cached != nil && cached.Head.Seqno < head.Seqno {
		base = cached.clone()
		from = cached.Head.Seqno + 1
	}
	entries, err := s.store.Entries(ctx, accountID, from)
	if err != nil {
		return nil, err
	}
	st, err := replayOnto(base, entries)
	if err != nil {
		s.log.Error("stored chain failed replay", "account_id", accountID, "error", err)
		return nil, err
	}
	if st.ID != accountID {
		return nil, fmt.Errorf("%w: chain of %s describes %s", sigchain.ErrChainCorrupted, accountID, st.ID)
	}
	s.remember(st)
	return st, nil
}

func (s *Service) snapshot(ctx context.Context, accountID string) (*AccountState, error) {
	unlock := s.lock(accountID)
	defer unlock()
	return s.loadLocked(ctx, accountID)
}

// Replay folds a complete chain into account state, re-checking every link,
// signature and rule. Root rotations are checked for possession only; the
// approvals that authorized them live off-chain.
func Replay(entries []sigchain.Entry) (*AccountState, error) {
	return replayOnto(nil, entries)
}

func replayOnto(st *AccountState, entries []sigchain.Entry) (*AccountState, error) {
	var base sigchain.Head
	if st != nil {
		base = st.Head
	}
	if err := sigchain.VerifyFrom(base, entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if st == nil {
			next, err := newAccountState(e.Envelope, e.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("%w: seqno %d: %v", sigchain.ErrChainCorrupted, e.Seqno, err)
			}
			st = next
		} else if err := st.apply(e.Envelope, e.Seqno, e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: seqno %d: %v", sigchain.ErrChainCorrupted, e.Seqno, err)
		}
		st.Head = sigchain.Head{Seqno: e.Seqno, Hash: e.Hash}
	}
	if st == nil {
		return nil, ErrAccountNotFound
	}
	return st, nil
}

func (s *Service) reject(env envelope.Envelope, accountID string, err error) error {
	code := Kind(err)
	s.metrics.Envelope(env.PayloadType, string(code))
	switch code {
	case CodeSignatureInvalid, CodeKidMismatch:
		s.log.Warn("envelope rejected",
			"payload_type", env.PayloadType,
			"kid", string(env.Signer.Kid),
			"account_id", accountID,
			"code", string(code))
	case CodeInternal:
		s.log.Error("envelope processing failed", "payload_type", env.PayloadType, "account_id", accountID, "error", err)
	default:
		s.log.Debug("envelope rejected", "payload_type", env.PayloadType, "account_id", accountID, "code", string(code), "error", err)
	}
	return err
}

// commit appends env together with the kids and username it binds and, on
// success, installs next as the cached state.
func (s *Service) commit(ctx context.Context, next *AccountState, env envelope.Envelope, seqno uint64, prevHash string, at time.Time) (sigchain.Entry, error) {
	entry, err := s.store.Append(ctx, sigchain.AppendRequest{
		AccountID: next.ID,
		Envelope:  env,
		Seqno:     seqno,
		PrevHash:  prevHash,
		CreatedAt: at,
		Claims:    next.claimsAt(seqno),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrChainConflict):
			s.metrics.Append("conflict")
			s.forget(next.ID)
		case errors.Is(err, ErrKeyClaimed), errors.Is(err, ErrUsernameTaken):
			s.metrics.Append("claimed")
		default:
			s.metrics.Append("error")
		}
		return sigchain.Entry{}, s.reject(env, next.ID, err)
	}
	s.metrics.Append("ok")
	s.metrics.Envelope(env.PayloadType, resultAccepted)
	next.Head = sigchain.Head{Seqno: entry.Seqno, Hash: entry.Hash}
	s.remember(next)
	return entry, nil
}

// CreateAccount appends the AccountCreated genesis at seqno 1.
func (s *Service) CreateAccount(ctx context.Context, env envelope.Envelope) (sigchain.Entry, error) {
	at := s.stamp()
	st, err := newAccountState(env, at)
	if err != nil {
		return sigchain.Entry{}, s.reject(env, env.Signer.AccountIDValue(), err)
	}
	unlock := s.lock(st.ID)
	defer unlock()
	head, err := s.store.Head(ctx, st.ID)
	if err != nil {
		return sigchain.Entry{}, err
	}
	if !head.Empty() {
		return sigchain.Entry{}, s.reject(env, st.ID, ErrAccountExists)
	}
	entry, err := s.commit(ctx, st, env, 1, "", at)
	if err != nil {
		return sigchain.Entry{}, err
	}
	s.log.Info("account created", "account_id", st.ID, "root_kid", string(st.RootKid), "devices", st.activeDevices())
	return entry, nil
}

// Submit validates a chain event for accountID at the claimed position and
// appends it.
func (s *Service) Submit(ctx context.Context, accountID string, env envelope.Envelope, seqno uint64, prevHash string) (sigchain.Entry, error) {
	switch env.PayloadType {
	case TypeRootRotation:
		return s.RotateRoot(ctx, accountID, env, seqno, prevHash)
	case TypeAccountCreated:
		return sigchain.Entry{}, s.reject(env, accountID, ErrAccountExists)
	case TypeRecoveryApproval:
		return sigchain.Entry{}, s.reject(env, accountID, invalid("%s is not a chain event", TypeRecoveryApproval))
	case TypeRecoveryPolicySet:
		// Helper accounts are read before this account is locked so two
		// accounts naming each other cannot wait on each other.
		if err := s.checkHelpers(ctx, accountID, env); err != nil {
			return sigchain.Entry{}, s.reject(env, accountID, err)
		}
	}

	at := s.stamp()
	unlock := s.lock(accountID)
	defer unlock()
	st, err := s.loadLocked(ctx, accountID)
	if err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	req := sigchain.AppendRequest{AccountID: accountID, Envelope: env, Seqno: seqno, PrevHash: prevHash}
	if err := sigchain.CheckAppend(st.Head, req); err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	next := st.clone()
	if err := next.apply(env, seqno, at); err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	return s.commit(ctx, next, env, seqno, prevHash, at)
}

func (s *Service) checkHelpers(ctx context.Context, owner string, env envelope.Envelope) error {
	var p RecoveryPolicySetPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	for _, h := range p.Helpers {
		if h.HelperAccountID == owner {
			continue
		}
		helper, err := s.snapshot(ctx, h.HelperAccountID)
		if errors.Is(err, ErrAccountNotFound) {
			return invalid("helper account %s does not exist", h.HelperAccountID)
		}
		if err != nil {
			return err
		}
		if h.HelperRootKid != "" && keys.Kid(h.HelperRootKid) != helper.RootKid {
			return fmt.Errorf("%w: helper_root_kid is not the helper's current root", ErrNotHelper)
		}
	}
	return nil
}

// Approve records a helper's RecoveryApproval. The envelope must be signed
// by an active device of a helper listed by the target's active policy.
// It reports whether the approval was new.
func (s *Service) Approve(ctx context.Context, env envelope.Envelope) (sigchain.Approval, bool, error) {
	helperID := env.Signer.AccountIDValue()
	a, err := s.approval(ctx, env, helperID)
	if err != nil {
		return sigchain.Approval{}, false, s.reject(env, helperID, err)
	}
	inserted, err := s.store.PutApproval(ctx, a)
	if err != nil {
		return sigchain.Approval{}, false, s.reject(env, helperID, err)
	}
	s.metrics.Envelope(env.PayloadType, resultAccepted)
	if inserted {
		s.log.Info("recovery approval recorded",
			"account_id", a.TargetAccountID,
			"helper_account_id", helperID,
			"policy_id", a.PolicyID,
			"candidate_kid", string(a.CandidateKid))
	}
	return a, inserted, nil
}

func (s *Service) approval(ctx context.Context, env envelope.Envelope, helperID string) (sigchain.Approval, error) {
	if env.PayloadType != TypeRecoveryApproval {
		return sigchain.Approval{}, invalid("expected %s, got %s", TypeRecoveryApproval, env.PayloadType)
	}
	var p RecoveryApprovalPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return sigchain.Approval{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := requireUUID("account_id", p.AccountID); err != nil {
		return sigchain.Approval{}, err
	}
	if err := requireUUID("policy_id", p.PolicyID); err != nil {
		return sigchain.Approval{}, err
	}
	if p.NewRootKid == "" {
		return sigchain.Approval{}, invalid("new_root_kid is required")
	}
	candPub, candKid, err := decodeKey("new_root_pubkey", p.NewRootPubKey, p.NewRootKid)
	if err != nil {
		return sigchain.Approval{}, err
	}

	target, err := s.snapshot(ctx, p.AccountID)
	if err != nil {
		return sigchain.Approval{}, err
	}
	policy, err := target.activePolicy(p.PolicyID)
	if err != nil {
		return sigchain.Approval{}, err
	}
	var ref *models.RecoveryHelper
	for i := range policy.Helpers {
		if policy.Helpers[i].HelperAccountID == helperID {
			ref = &policy.Helpers[i]
			break
		}
	}
	if ref == nil {
		return sigchain.Approval{}, ErrNotHelper
	}
	if candKid == target.RootKid {
		return sigchain.Approval{}, invalid("candidate equals the current root")
	}

	helper, err := s.snapshot(ctx, helperID)
	if errors.Is(err, ErrAccountNotFound) {
		return sigchain.Approval{}, fmt.Errorf("%w: helper account is gone", ErrNotHelper)
	}
	if err != nil {
		return sigchain.Approval{}, err
	}
	if ref.HelperRootKid != "" && keys.Kid(ref.HelperRootKid) != helper.RootKid {
		return sigchain.Approval{}, fmt.Errorf("%w: helper root changed since the policy was set", ErrNotHelper)
	}
	d, err := helper.requireDevice(env)
	if err != nil {
		return sigchain.Approval{}, err
	}
	return sigchain.Approval{
		TargetAccountID: target.ID,
		PolicyID:        policy.ID,
		HelperAccountID: helper.ID,
		HelperDeviceID:  d.ID,
		CandidateKid:    candKid,
		CandidatePubKey: keys.EncodePublicKey(candPub),
		Envelope:        env,
		CreatedAt:       s.stamp(),
	}, nil
}

// RotateRoot replaces the account root. The RootRotation envelope must be
// signed by the new root, and the active policy's helpers must have approved
// that exact key.
func (s *Service) RotateRoot(ctx context.Context, accountID string, env envelope.Envelope, seqno uint64, prevHash string) (sigchain.Entry, error) {
	if env.PayloadType != TypeRootRotation {
		return sigchain.Entry{}, s.reject(env, accountID, invalid("expected %s, got %s", TypeRootRotation, env.PayloadType))
	}
	var p RootRotationPayload
	if err := envelope.DecodePayload(env, &p); err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}

	at := s.stamp()
	unlock := s.lock(accountID)
	defer unlock()
	st, err := s.loadLocked(ctx, accountID)
	if err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	req := sigchain.AppendRequest{AccountID: accountID, Envelope: env, Seqno: seqno, PrevHash: prevHash}
	if err := sigchain.CheckAppend(st.Head, req); err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	policy, err := st.activePolicy(p.PolicyID)
	if err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	next := st.clone()
	if err := next.apply(env, seqno, at); err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	approvals, err := s.store.Approvals(ctx, policy.ID)
	if err != nil {
		return sigchain.Entry{}, err
	}
	tally, err := checkApprovals(*policy, approvals, next.RootKid, keys.EncodePublicKey(next.RootPub))
	if err != nil {
		return sigchain.Entry{}, s.reject(env, accountID, err)
	}
	entry, err := s.commit(ctx, next, env, seqno, prevHash, at)
	if err != nil {
		return sigchain.Entry{}, err
	}
	s.log.Info("root rotated",
		"account_id", accountID,
		"old_root_kid", string(st.RootKid),
		"new_root_kid", string(next.RootKid),
		"approvals", tally.Approvals,
		"threshold", tally.Threshold,
		"active_devices", next.activeDevices())
	return entry, nil
}

// State returns a copy of the account state at the current head.
func (s *Service) State(ctx context.Context, accountID string) (*AccountState, error) {
	st, err := s.snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return st.clone(), nil
}

func (s *Service) Account(ctx context.Context, accountID string) (models.Account, error) {
	st, err := s.snapshot(ctx, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return st.View(), nil
}

func (s *Service) Devices(ctx context.Context, accountID string) ([]models.Device, error) {
	st, err := s.snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return st.Devices(), nil
}

// Policy returns the most recent recovery policy, which may be revoked.
func (s *Service) Policy(ctx context.Context, accountID string) (models.RecoveryPolicy, bool, error) {
	st, err := s.snapshot(ctx, accountID)
	if err != nil {
		return models.RecoveryPolicy{}, false, err
	}
	p, ok := st.Policy()
	return p, ok, nil
}

func (s *Service) Endorsements(ctx context.Context, accountID string) ([]models.Endorsement, error) {
	st, err := s.snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return st.Endorsements(), nil
}

// Chain returns stored entries from fromSeqno on.
func (s *Service) Chain(ctx context.Context, accountID string, fromSeqno uint64) ([]sigchain.Entry, error) {
	head, err := s.store.Head(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if head.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return s.store.Entries(ctx, accountID, fromSeqno)
}

// StoreBackup keeps an encrypted root backup written by the device holding
// writer, which must be a usable device of accountID. Only the header is
// inspected; the server never holds a key able to open the blob.
func (s *Service) StoreBackup(ctx context.Context, accountID string, writer keys.Kid, blob []byte) (sigchain.Backup, error) {
	if len(blob) > s.maxBackup {
		return sigchain.Backup{}, invalid("backup exceeds %d bytes", s.maxBackup)
	}
	if _, err := securestore.ParseHeader(blob); err != nil {
		return sigchain.Backup{}, err
	}
	st, err := s.snapshot(ctx, accountID)
	if err != nil {
		return sigchain.Backup{}, err
	}
	d, _, ok := st.DeviceByKid(writer)
	if !ok {
		return sigchain.Backup{}, fmt.Errorf("%w: backup writer is not a device of this account", ErrUnauthorizedSigner)
	}
	if !d.Active() {
		return sigchain.Backup{}, ErrDeviceRevoked
	}
	if keys.Kid(d.DelegatedBy) != st.RootKid {
		return sigchain.Backup{}, ErrDelegationExpired
	}
	b := sigchain.Backup{
		AccountID: st.ID,
		RootKid:   st.RootKid,
		Blob:      append([]byte(nil), blob...),
		UpdatedAt: s.stamp(),
	}
	if err := s.store.PutBackup(ctx, b); err != nil {
		return sigchain.Backup{}, err
	}
	s.log.Info("root backup stored", "account_id", st.ID, "device_id", d.ID, "root_kid", string(st.RootKid))
	return b, nil
}

func (s *Service) LoadBackup(ctx context.Context, accountID string) (sigchain.Backup, error) {
	if _, err := s.snapshot(ctx, accountID); err != nil {
		return sigchain.Backup{}, err
	}
	return s.store.GetBackup(ctx, accountID)
}

// AccountByUsername resolves a username registered at account creation.
// Lookup ignores case.
func (s *Service) AccountByUsername(ctx context.Context, username string) (models.Account, error) {
	id, err := s.store.AccountForUsername(ctx, username)
	if err != nil {
		return models.Account{}, err
	}
	return s.Account(ctx, id)
}

// BackupByUsername serves the sealed backup a client needs to sign in on a
// new device knowing only its username.
func (s *Service) BackupByUsername(ctx context.Context, username string) (sigchain.Backup, error) {
	id, err := s.store.AccountForUsername(ctx, username)
	if err != nil {
		return sigchain.Backup{}, err
	}
	return s.LoadBackup(ctx, id)
}

// DeviceKey is a device resolved by kid for request authentication. Usable
// is false for revoked devices and for devices whose delegating root was
// rotated out; callers check it only after verifying a signature so device
// status is not disclosed to unauthenticated callers.
type DeviceKey struct {
	AccountID string
	Device    models.Device
	PublicKey ed25519.PublicKey
	Usable    bool
}

// ResolveDevice finds the device holding kid.
func (s *Service) ResolveDevice(ctx context.Context, kid keys.Kid) (DeviceKey, error) {
	accountID, err := s.store.AccountForKey(ctx, kid)
	if errors.Is(err, sigchain.ErrKeyNotIndexed) {
		return DeviceKey{}, ErrDeviceNotFound
	}
	if err != nil {
		return DeviceKey{}, err
	}
	st, err := s.snapshot(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return DeviceKey{}, ErrDeviceNotFound
	}
	if err != nil {
		return DeviceKey{}, err
	}
	d, pub, ok := st.DeviceByKid(kid)
	if !ok {
		return DeviceKey{}, ErrDeviceNotFound
	}
	return DeviceKey{
		AccountID: st.ID,
		Device:    d,
		PublicKey: pub,
		Usable:    d.Active() && keys.Kid(d.DelegatedBy) == st.RootKid,
	}, nil
}
