package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/securestore"
	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/internal/storage/memstore"
	"trustchain/go-backend/pkg/models"
)

type actor struct {
	signer *keys.SoftwareSigner
	kid    keys.Kid
	pub    string
}

func newActor(t *testing.T) actor {
	t.Helper()
	s, err := keys.GenerateSoftwareSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	return actor{signer: s, kid: keys.MustDeriveKID(s.PublicKey()), pub: keys.EncodePublicKey(s.PublicKey())}
}

type testAccount struct {
	id      string
	root    actor
	first   string
	devices map[string]actor
	head    sigchain.Head
}

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store sigchain.Store) *Service {
	t.Helper()
	if store == nil {
		store = memstore.New()
	}
	return NewService(store, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return testClock },
	})
}

func build(t *testing.T, typ string, payload any, ref envelope.SignerRef, signer keys.Signer) envelope.Envelope {
	t.Helper()
	env, err := envelope.Build(typ, payload, ref, signer)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	return env
}

func createAccount(t *testing.T, svc *Service) *testAccount {
	t.Helper()
	acc := &testAccount{id: uuid.NewString(), root: newActor(t), first: uuid.NewString(), devices: map[string]actor{}}
	dev := newActor(t)
	env := acc.rootEnvelope(t, TypeAccountCreated, AccountCreatedPayload{
		AccountID:  acc.id,
		RootPubKey: acc.root.pub,
		Device:     &DeviceGrant{DeviceID: acc.first, DevicePubKey: dev.pub, Name: "laptop"},
	})
	entry, err := svc.CreateAccount(context.Background(), env)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	acc.devices[acc.first] = dev
	acc.head = sigchain.Head{Seqno: entry.Seqno, Hash: entry.Hash}
	return acc
}

func (a *testAccount) rootEnvelope(t *testing.T, typ string, payload any) envelope.Envelope {
	t.Helper()
	return build(t, typ, payload, envelope.RootSigner(a.id, a.root.kid), a.root.signer)
}

func (a *testAccount) deviceEnvelope(t *testing.T, deviceID, typ string, payload any) envelope.Envelope {
	t.Helper()
	d, ok := a.devices[deviceID]
	if !ok {
		t.Fatalf("unknown test device %s", deviceID)
	}
	return build(t, typ, payload, envelope.DeviceSigner(a.id, deviceID, d.kid), d.signer)
}

func (a *testAccount) submit(t *testing.T, svc *Service, env envelope.Envelope) (sigchain.Entry, error) {
	t.Helper()
	seq, prev := a.head.Next()
	entry, err := svc.Submit(context.Background(), a.id, env, seq, prev)
	if err == nil {
		a.head = sigchain.Head{Seqno: entry.Seqno, Hash: entry.Hash}
	}
	return entry, err
}

func (a *testAccount) mustSubmit(t *testing.T, svc *Service, env envelope.Envelope) sigchain.Entry {
	t.Helper()
	entry, err := a.submit(t, svc, env)
	if err != nil {
		t.Fatalf("submit %s: %v", env.PayloadType, err)
	}
	return entry
}

func (a *testAccount) delegate(t *testing.T, svc *Service) (string, error) {
	t.Helper()
	id := uuid.NewString()
	dev := newActor(t)
	_, err := a.submit(t, svc, a.rootEnvelope(t, TypeDeviceDelegated, DeviceDelegatedPayload{
		DeviceGrant: DeviceGrant{DeviceID: id, DevicePubKey: dev.pub},
	}))
	if err == nil {
		a.devices[id] = dev
	}
	return id, err
}

func endorsement() EndorsementCreatedPayload {
	return EndorsementCreatedPayload{
		EndorsementID: uuid.NewString(),
		SubjectType:   "repository",
		SubjectID:     "github.com/example/project",
		Topic:         "code-review",
		Magnitude:     0.5,
		Confidence:    0.75,
		Tags:          []string{"go"},
	}
}

func setPolicy(t *testing.T, svc *Service, acc *testAccount, threshold int, helpers ...*testAccount) string {
	t.Helper()
	id := uuid.NewString()
	refs := make([]HelperRef, 0, len(helpers))
	for _, h := range helpers {
		refs = append(refs, HelperRef{HelperAccountID: h.id})
	}
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeRecoveryPolicySet, RecoveryPolicySetPayload{
		PolicyID:  id,
		Threshold: threshold,
		Helpers:   refs,
	}))
	return id
}

func approve(t *testing.T, svc *Service, helper, target *testAccount, policyID string, candidate actor) (bool, error) {
	t.Helper()
	env := helper.deviceEnvelope(t, helper.first, TypeRecoveryApproval, RecoveryApprovalPayload{
		AccountID:     target.id,
		PolicyID:      policyID,
		NewRootKid:    string(candidate.kid),
		NewRootPubKey: candidate.pub,
	})
	_, inserted, err := svc.Approve(context.Background(), env)
	return inserted, err
}

func rotate(t *testing.T, svc *Service, acc *testAccount, policyID string, candidate actor, keep ...string) (sigchain.Entry, error) {
	t.Helper()
	var grants []DeviceGrant
	for _, id := range keep {
		grants = append(grants, DeviceGrant{DeviceID: id, DevicePubKey: acc.devices[id].pub})
	}
	env := build(t, TypeRootRotation, RootRotationPayload{
		PolicyID:      policyID,
		NewRootKid:    string(candidate.kid),
		NewRootPubKey: candidate.pub,
		Redelegations: grants,
	}, envelope.RootSigner(acc.id, candidate.kid), candidate.signer)
	entry, err := acc.submit(t, svc, env)
	if err == nil {
		acc.root = candidate
	}
	return entry, err
}

func TestCreateAccount(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)

	view, err := svc.Account(context.Background(), acc.id)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if view.RootKid != string(acc.root.kid) || view.HeadSeqno != 1 || view.ActiveDevices != 1 {
		t.Fatalf("unexpected account view %+v", view)
	}
	if !strings.HasPrefix(view.Fingerprint, "tc1") {
		t.Fatalf("unexpected fingerprint %q", view.Fingerprint)
	}
	devices, err := svc.Devices(context.Background(), acc.id)
	if err != nil || len(devices) != 1 || devices[0].Name != "laptop" || !devices[0].Active() {
		t.Fatalf("unexpected devices %+v %v", devices, err)
	}

	again := acc.rootEnvelope(t, TypeAccountCreated, AccountCreatedPayload{AccountID: acc.id, RootPubKey: acc.root.pub})
	if _, err := svc.CreateAccount(context.Background(), again); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if _, err := svc.Account(context.Background(), uuid.NewString()); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCreateAccountRejectsForgedGenesis(t *testing.T) {
	svc := newTestService(t, nil)
	root, other := newActor(t), newActor(t)
	id := uuid.NewString()
	payload := AccountCreatedPayload{AccountID: id, RootPubKey: root.pub}

	wrongKid := build(t, TypeAccountCreated, payload, envelope.RootSigner(id, other.kid), other.signer)
	if _, err := svc.CreateAccount(context.Background(), wrongKid); !errors.Is(err, ErrKidMismatch) {
		t.Fatalf("expected ErrKidMismatch, got %v", err)
	}
	wrongKey := build(t, TypeAccountCreated, payload, envelope.RootSigner(id, root.kid), other.signer)
	if _, err := svc.CreateAccount(context.Background(), wrongKey); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	notUUID := build(t, TypeAccountCreated, AccountCreatedPayload{AccountID: "alice", RootPubKey: root.pub}, envelope.RootSigner("alice", root.kid), root.signer)
	if _, err := svc.CreateAccount(context.Background(), notUUID); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDeviceRevocationIsTerminal(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	d2, err := acc.delegate(t, svc)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, d2, TypeEndorsementCreated, endorsement()))
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: d2, Reason: "lost"}))

	if _, err := acc.submit(t, svc, acc.deviceEnvelope(t, d2, TypeEndorsementCreated, endorsement())); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("revoked device signed an accepted event: %v", err)
	}
	if _, err := acc.submit(t, svc, acc.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: d2})); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("expected ErrDeviceRevoked on second revoke, got %v", err)
	}
	again := acc.rootEnvelope(t, TypeDeviceDelegated, DeviceDelegatedPayload{DeviceGrant: DeviceGrant{DeviceID: d2, DevicePubKey: acc.devices[d2].pub}})
	if _, err := acc.submit(t, svc, again); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("revoked device id was reusable: %v", err)
	}
	st, err := svc.State(context.Background(), acc.id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	d, _, _ := st.Device(d2)
	if d.Active() || d.RevokedSeqno != 4 {
		t.Fatalf("unexpected revoked device %+v", d)
	}
}

func TestDeviceLimit(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	var last string
	for i := 1; i < MaxActiveDevices; i++ {
		id, err := acc.delegate(t, svc)
		if err != nil {
			t.Fatalf("delegate %d: %v", i, err)
		}
		last = id
	}
	if _, err := acc.delegate(t, svc); !errors.Is(err, ErrDeviceLimit) {
		t.Fatalf("expected ErrDeviceLimit, got %v", err)
	}
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: last}))
	if _, err := acc.delegate(t, svc); err != nil {
		t.Fatalf("delegate after revoke: %v", err)
	}
}

func TestSignerRoles(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)

	if _, err := acc.submit(t, svc, acc.rootEnvelope(t, TypeEndorsementCreated, endorsement())); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("root signed an endorsement: %v", err)
	}
	grant := DeviceDelegatedPayload{DeviceGrant: DeviceGrant{DeviceID: uuid.NewString(), DevicePubKey: newActor(t).pub}}
	if _, err := acc.submit(t, svc, acc.deviceEnvelope(t, acc.first, TypeDeviceDelegated, grant)); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("device delegated a device: %v", err)
	}

	other := createAccount(t, svc)
	e := endorsement()
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, e))
	d2, err := acc.delegate(t, svc)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	revoke := EndorsementRevokedPayload{EndorsementID: e.EndorsementID}
	if _, err := acc.submit(t, svc, acc.deviceEnvelope(t, d2, TypeEndorsementRevoked, revoke)); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("another device revoked the endorsement: %v", err)
	}
	// An envelope of another account cannot be replayed onto this chain.
	foreign := other.deviceEnvelope(t, other.first, TypeEndorsementCreated, endorsement())
	if _, err := acc.submit(t, svc, foreign); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("foreign envelope accepted: %v", err)
	}
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, acc.first, TypeEndorsementRevoked, revoke))

	list, err := svc.Endorsements(context.Background(), acc.id)
	if err != nil || len(list) != 1 || !list[0].Revoked {
		t.Fatalf("unexpected endorsements %+v %v", list, err)
	}
}

func TestReplayedEnvelopeRejected(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	env := acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, endorsement())
	acc.mustSubmit(t, svc, env)
	if _, err := acc.submit(t, svc, env); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("same envelope accepted twice: %v", err)
	}
}

func TestLedgerPositionConflicts(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	env := acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, endorsement())

	if _, err := svc.Submit(context.Background(), acc.id, env, 3, acc.head.Hash); !errors.Is(err, ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict for seqno 3 on head 1, got %v", err)
	}
	if _, err := svc.Submit(context.Background(), acc.id, env, 2, "deadbeef"); !errors.Is(err, ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict for wrong prev_hash, got %v", err)
	}
	view, _ := svc.Account(context.Background(), acc.id)
	if view.HeadSeqno != 1 {
		t.Fatalf("rejected events moved the head to %d", view.HeadSeqno)
	}
}

func TestConcurrentSubmitOneWinner(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	seq, prev := acc.head.Next()
	const racers = 8
	envs := make([]envelope.Envelope, racers)
	for i := range envs {
		envs[i] = acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, endorsement())
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(env envelope.Envelope) {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), acc.id, env, seq, prev)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrChainConflict) {
				t.Errorf("unexpected error %v", err)
			}
		}(envs[i])
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestThresholdRecovery(t *testing.T) {
	svc := newTestService(t, nil)
	h1, h2, h3 := createAccount(t, svc), createAccount(t, svc), createAccount(t, svc)
	acc := createAccount(t, svc)
	policyID := setPolicy(t, svc, acc, 2, h1, h2, h3)
	c1, c2 := newActor(t), newActor(t)

	if inserted, err := approve(t, svc, h1, acc, policyID, c1); err != nil || !inserted {
		t.Fatalf("approve h1: %v %v", inserted, err)
	}
	if inserted, err := approve(t, svc, h1, acc, policyID, c1); err != nil || inserted {
		t.Fatalf("repeat approval should be a no-op: %v %v", inserted, err)
	}
	_, err := rotate(t, svc, acc, policyID, c1)
	if !errors.Is(err, ErrInsufficientApprovals) {
		t.Fatalf("expected ErrInsufficientApprovals, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected counts in %q", err)
	}

	if _, err := approve(t, svc, h2, acc, policyID, c2); err != nil {
		t.Fatalf("approve h2: %v", err)
	}
	if _, err := rotate(t, svc, acc, policyID, c1); !errors.Is(err, ErrCandidateMismatch) {
		t.Fatalf("expected ErrCandidateMismatch, got %v", err)
	}

	if _, err := approve(t, svc, h3, acc, policyID, c1); err != nil {
		t.Fatalf("approve h3: %v", err)
	}
	if _, err := rotate(t, svc, acc, policyID, c1); err != nil {
		t.Fatalf("rotation with two matching approvals: %v", err)
	}
	view, _ := svc.Account(context.Background(), acc.id)
	if view.RootKid != string(c1.kid) {
		t.Fatalf("root not rotated: %s", view.RootKid)
	}

	// The policy is consumed; its approvals cannot rotate again.
	if _, err := rotate(t, svc, acc, policyID, c2); !errors.Is(err, ErrPolicyRevoked) {
		t.Fatalf("expected ErrPolicyRevoked after rotation, got %v", err)
	}
	if _, err := approve(t, svc, h2, acc, policyID, c2); !errors.Is(err, ErrPolicyRevoked) {
		t.Fatalf("approval against consumed policy: %v", err)
	}
}

func TestApprovalRules(t *testing.T) {
	svc := newTestService(t, nil)
	h1, stranger := createAccount(t, svc), createAccount(t, svc)
	acc := createAccount(t, svc)
	policyID := setPolicy(t, svc, acc, 1, h1)
	cand := newActor(t)

	if _, err := approve(t, svc, stranger, acc, policyID, cand); !errors.Is(err, ErrNotHelper) {
		t.Fatalf("expected ErrNotHelper, got %v", err)
	}
	if _, err := approve(t, svc, h1, acc, uuid.NewString(), cand); !errors.Is(err, ErrPolicyRevoked) {
		t.Fatalf("expected ErrPolicyRevoked for unknown policy, got %v", err)
	}
	if _, err := approve(t, svc, h1, acc, policyID, acc.root); err == nil {
		t.Fatalf("approval of the current root accepted")
	}

	bad := h1.deviceEnvelope(t, h1.first, TypeRecoveryApproval, RecoveryApprovalPayload{
		AccountID:     acc.id,
		PolicyID:      policyID,
		NewRootKid:    string(newActor(t).kid),
		NewRootPubKey: cand.pub,
	})
	if _, _, err := svc.Approve(context.Background(), bad); !errors.Is(err, ErrKidMismatch) {
		t.Fatalf("expected ErrKidMismatch for candidate kid, got %v", err)
	}

	h1.mustSubmit(t, svc, h1.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: h1.first}))
	if _, err := approve(t, svc, h1, acc, policyID, cand); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("expected ErrDeviceRevoked for revoked helper device, got %v", err)
	}

	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeRecoveryPolicyRevoked, RecoveryPolicyRevokedPayload{PolicyID: policyID}))
	if _, err := rotate(t, svc, acc, policyID, cand); !errors.Is(err, ErrPolicyRevoked) {
		t.Fatalf("expected ErrPolicyRevoked, got %v", err)
	}
}

func TestPolicyHelperChecks(t *testing.T) {
	svc := newTestService(t, nil)
	h1 := createAccount(t, svc)
	acc := createAccount(t, svc)

	pinned := acc.rootEnvelope(t, TypeRecoveryPolicySet, RecoveryPolicySetPayload{
		PolicyID:  uuid.NewString(),
		Threshold: 1,
		Helpers:   []HelperRef{{HelperAccountID: h1.id, HelperRootKid: string(newActor(t).kid)}},
	})
	if _, err := acc.submit(t, svc, pinned); !errors.Is(err, ErrNotHelper) {
		t.Fatalf("expected ErrNotHelper for stale helper_root_kid, got %v", err)
	}
	missing := acc.rootEnvelope(t, TypeRecoveryPolicySet, RecoveryPolicySetPayload{
		PolicyID:  uuid.NewString(),
		Threshold: 1,
		Helpers:   []HelperRef{{HelperAccountID: uuid.NewString()}},
	})
	if _, err := acc.submit(t, svc, missing); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for unknown helper, got %v", err)
	}
	tooHigh := acc.rootEnvelope(t, TypeRecoveryPolicySet, RecoveryPolicySetPayload{
		PolicyID:  uuid.NewString(),
		Threshold: 2,
		Helpers:   []HelperRef{{HelperAccountID: h1.id}},
	})
	if _, err := acc.submit(t, svc, tooHigh); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for threshold above helpers, got %v", err)
	}

	first := setPolicy(t, svc, acc, 1, h1)
	second := setPolicy(t, svc, acc, 1, h1)
	p, ok, err := svc.Policy(context.Background(), acc.id)
	if err != nil || !ok || p.ID != second || p.Revoked {
		t.Fatalf("unexpected policy %+v %v %v", p, ok, err)
	}
	if _, err := approve(t, svc, h1, acc, first, newActor(t)); !errors.Is(err, ErrPolicyRevoked) {
		t.Fatalf("replaced policy still accepts approvals: %v", err)
	}
}

// Policy setup takes one extra chain position, so the scenario runs
// create, policy, endorsement, rotation, then the stale device.
func TestRotationRevokesUnlistedDevices(t *testing.T) {
	svc := newTestService(t, nil)
	helper := createAccount(t, svc)
	acc := createAccount(t, svc)
	d1 := acc.first
	policyID := setPolicy(t, svc, acc, 1, helper)
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, d1, TypeEndorsementCreated, endorsement()))
	d2, err := acc.delegate(t, svc)
	if err != nil {
		t.Fatalf("delegate d2: %v", err)
	}

	oldRoot := acc.root
	r2 := newActor(t)
	if _, err := approve(t, svc, helper, acc, policyID, r2); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rotation, err := rotate(t, svc, acc, policyID, r2, d2)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	late := acc.deviceEnvelope(t, d1, TypeEndorsementCreated, endorsement())
	if err := envelope.Verify(late, acc.devices[d1].signer.PublicKey()); err != nil {
		t.Fatalf("stale device envelope should still verify: %v", err)
	}
	if _, err := acc.submit(t, svc, late); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("expected ErrDeviceRevoked for d1, got %v", err)
	}
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, d2, TypeEndorsementCreated, endorsement()))

	st, err := svc.State(context.Background(), acc.id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	dev1, _, _ := st.Device(d1)
	if dev1.Active() || dev1.RevokedSeqno != rotation.Seqno {
		t.Fatalf("d1 should be revoked at seqno %d: %+v", rotation.Seqno, dev1)
	}
	dev2, _, _ := st.Device(d2)
	if !dev2.Active() || dev2.DelegatedBy != string(r2.kid) {
		t.Fatalf("d2 should be redelegated under the new root: %+v", dev2)
	}

	stale := build(t, TypeDeviceDelegated, DeviceDelegatedPayload{DeviceGrant: DeviceGrant{DeviceID: uuid.NewString(), DevicePubKey: newActor(t).pub}},
		envelope.RootSigner(acc.id, oldRoot.kid), oldRoot.signer)
	if _, err := acc.submit(t, svc, stale); !errors.Is(err, ErrDelegationExpired) {
		t.Fatalf("expected ErrDelegationExpired for the old root, got %v", err)
	}

	if key, err := svc.ResolveDevice(context.Background(), acc.devices[d1].kid); err != nil || key.Usable {
		t.Fatalf("expected d1 to resolve as unusable, got %+v %v", key, err)
	}
	key, err := svc.ResolveDevice(context.Background(), acc.devices[d2].kid)
	if err != nil || key.AccountID != acc.id || key.Device.ID != d2 || !key.Usable {
		t.Fatalf("unexpected d2 resolution %+v %v", key, err)
	}
}

func TestReplayMatchesServedState(t *testing.T) {
	store := memstore.New()
	svc := newTestService(t, store)
	helper := createAccount(t, svc)
	acc := createAccount(t, svc)
	policyID := setPolicy(t, svc, acc, 1, helper)
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, endorsement()))
	r2 := newActor(t)
	if _, err := approve(t, svc, helper, acc, policyID, r2); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := rotate(t, svc, acc, policyID, r2, acc.first); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	entries, err := svc.Chain(context.Background(), acc.id, 1)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	replayed, err := Replay(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	served, _ := svc.Account(context.Background(), acc.id)
	if fmt.Sprint(replayed.View()) != fmt.Sprint(served) {
		t.Fatalf("replayed state differs:\n%+v\n%+v", replayed.View(), served)
	}

	// A second service over the same store sees the same state and picks up
	// appends made by the first.
	other := newTestService(t, store)
	acc.mustSubmit(t, svc, acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, endorsement()))
	view, err := other.Account(context.Background(), acc.id)
	if err != nil || view.HeadSeqno != acc.head.Seqno || view.RootKid != string(r2.kid) {
		t.Fatalf("second service view %+v %v", view, err)
	}
	acc.mustSubmit(t, other, acc.deviceEnvelope(t, acc.first, TypeEndorsementCreated, endorsement()))
	list, err := svc.Endorsements(context.Background(), acc.id)
	if err != nil || len(list) != 3 {
		t.Fatalf("first service missed an append: %d %v", len(list), err)
	}

	entries[1].Envelope.Sig = entries[2].Envelope.Sig
	if _, err := Replay(entries); !errors.Is(err, sigchain.ErrChainCorrupted) {
		t.Fatalf("tampered chain replayed: %v", err)
	}
}

func TestCheckApprovals(t *testing.T) {
	c1, c2 := newActor(t), newActor(t)
	policy := models.RecoveryPolicy{
		ID:        "p1",
		Threshold: 2,
		Helpers:   []models.RecoveryHelper{{HelperAccountID: "h1"}, {HelperAccountID: "h2"}, {HelperAccountID: "h3"}},
	}
	vote := func(helper string, c actor) sigchain.Approval {
		return sigchain.Approval{PolicyID: policy.ID, HelperAccountID: helper, CandidateKid: c.kid, CandidatePubKey: c.pub}
	}
	cases := []struct {
		name      string
		approvals []sigchain.Approval
		want      error
		count     int
	}{
		{"none", nil, ErrInsufficientApprovals, 0},
		{"one", []sigchain.Approval{vote("h1", c1)}, ErrInsufficientApprovals, 1},
		{"two same", []sigchain.Approval{vote("h1", c1), vote("h2", c1)}, nil, 2},
		{"two different", []sigchain.Approval{vote("h1", c1), vote("h2", c2)}, ErrCandidateMismatch, 1},
		{"duplicate helper", []sigchain.Approval{vote("h1", c1), vote("h1", c1)}, ErrInsufficientApprovals, 1},
		{"unlisted helper", []sigchain.Approval{vote("h1", c1), vote("h9", c1)}, ErrInsufficientApprovals, 1},
		{"wrong pubkey", []sigchain.Approval{vote("h1", c1), {PolicyID: policy.ID, HelperAccountID: "h2", CandidateKid: c1.kid, CandidatePubKey: c2.pub}}, ErrInsufficientApprovals, 1},
		{"other policy", []sigchain.Approval{vote("h1", c1), {PolicyID: "other", HelperAccountID: "h2", CandidateKid: c1.kid, CandidatePubKey: c1.pub}}, ErrInsufficientApprovals, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tally, err := checkApprovals(policy, tc.approvals, c1.kid, c1.pub)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tally.Approvals != tc.count {
				t.Fatalf("expected %d approvals, got %d", tc.count, tally.Approvals)
			}
		})
	}
}

func TestBackups(t *testing.T) {
	if testing.Short() {
		t.Skip("argon2id with production parameters")
	}
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	if _, err := svc.LoadBackup(context.Background(), acc.id); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
	seed, err := acc.root.signer.Seed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	blob, err := securestore.Encrypt(seed, []byte("correct horse"), securestore.KDFArgon2id)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	writer := acc.devices[acc.first].kid
	if _, err := svc.StoreBackup(context.Background(), acc.id, writer, blob); err != nil {
		t.Fatalf("store backup: %v", err)
	}
	got, err := svc.LoadBackup(context.Background(), acc.id)
	if err != nil || got.RootKid != acc.root.kid || len(got.Blob) != securestore.BlobSize {
		t.Fatalf("unexpected backup %+v %v", got, err)
	}
	if _, err := svc.StoreBackup(context.Background(), acc.id, writer, blob[:40]); Kind(err) != CodeInvalidPayload {
		t.Fatalf("truncated blob accepted: %v", err)
	}
	if _, err := svc.StoreBackup(context.Background(), uuid.NewString(), writer, blob); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestBackupWriterMustBeUsableDevice(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	other := createAccount(t, svc)
	blob, err := securestore.Encrypt(make([]byte, securestore.RootKeySize), []byte("pw"), securestore.KDFPBKDF2)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.StoreBackup(ctx, acc.id, other.devices[other.first].kid, blob); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("foreign device wrote a backup: %v", err)
	}
	if _, err := svc.StoreBackup(ctx, acc.id, acc.root.kid, blob); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("unknown kid wrote a backup: %v", err)
	}
	d2, err := acc.delegate(t, svc)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: d2}))
	if _, err := svc.StoreBackup(ctx, acc.id, acc.devices[d2].kid, blob); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("revoked device wrote a backup: %v", err)
	}
	if _, err := svc.LoadBackup(ctx, acc.id); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("a rejected write stored a backup: %v", err)
	}
}

func TestDelegatingAnotherAccountsKeyFails(t *testing.T) {
	svc := newTestService(t, nil)
	victim := createAccount(t, svc)
	attacker := createAccount(t, svc)
	victimDev := victim.devices[victim.first]

	steal := attacker.rootEnvelope(t, TypeDeviceDelegated, DeviceDelegatedPayload{
		DeviceGrant: DeviceGrant{DeviceID: uuid.NewString(), DevicePubKey: victimDev.pub},
	})
	if _, err := attacker.submit(t, svc, steal); !errors.Is(err, ErrKeyClaimed) || Kind(err) != CodeDeviceExists {
		t.Fatalf("expected ErrKeyClaimed, got %v", err)
	}
	view, err := svc.Account(context.Background(), attacker.id)
	if err != nil || view.HeadSeqno != 1 || view.ActiveDevices != 1 {
		t.Fatalf("rejected delegation changed the attacker chain: %+v %v", view, err)
	}
	key, err := svc.ResolveDevice(context.Background(), victimDev.kid)
	if err != nil || key.AccountID != victim.id || !key.Usable {
		t.Fatalf("victim device no longer resolves to its account: %+v %v", key, err)
	}

	// The genesis path binds keys the same way.
	root := newActor(t)
	id := uuid.NewString()
	genesis := build(t, TypeAccountCreated, AccountCreatedPayload{
		AccountID:  id,
		RootPubKey: root.pub,
		Device:     &DeviceGrant{DeviceID: uuid.NewString(), DevicePubKey: victimDev.pub},
	}, envelope.RootSigner(id, root.kid), root.signer)
	if _, err := svc.CreateAccount(context.Background(), genesis); !errors.Is(err, ErrKeyClaimed) {
		t.Fatalf("genesis claimed a bound key: %v", err)
	}
	if _, err := svc.Account(context.Background(), id); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("rejected genesis created the account: %v", err)
	}
}

func TestDelegatedDeviceResolvesImmediately(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	d2, err := acc.delegate(t, svc)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	key, err := svc.ResolveDevice(context.Background(), acc.devices[d2].kid)
	if err != nil || key.AccountID != acc.id || key.Device.ID != d2 || !key.Usable {
		t.Fatalf("unexpected resolution %+v %v", key, err)
	}
	// A fresh service over the same store sees the binding without replaying
	// anything first.
	fresh := NewService(svc.store, Options{Logger: svc.log})
	if key, err := fresh.ResolveDevice(context.Background(), acc.devices[d2].kid); err != nil || key.AccountID != acc.id {
		t.Fatalf("binding not persisted with the entry: %+v %v", key, err)
	}
}

func TestDeviceRename(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeDeviceRenamed, DeviceRenamedPayload{DeviceID: acc.first, Name: "  work phone "}))
	devices, err := svc.Devices(context.Background(), acc.id)
	if err != nil || devices[0].Name != "work phone" {
		t.Fatalf("rename not applied: %+v %v", devices, err)
	}

	byDevice := acc.deviceEnvelope(t, acc.first, TypeDeviceRenamed, DeviceRenamedPayload{DeviceID: acc.first, Name: "x"})
	if _, err := acc.submit(t, svc, byDevice); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("device renamed itself: %v", err)
	}
	missing := acc.rootEnvelope(t, TypeDeviceRenamed, DeviceRenamedPayload{DeviceID: uuid.NewString(), Name: "x"})
	if _, err := acc.submit(t, svc, missing); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: acc.first}))
	revoked := acc.rootEnvelope(t, TypeDeviceRenamed, DeviceRenamedPayload{DeviceID: acc.first, Name: "gone"})
	if _, err := acc.submit(t, svc, revoked); !errors.Is(err, ErrDeviceRevoked) {
		t.Fatalf("revoked device renamed: %v", err)
	}

	entries, err := svc.Chain(context.Background(), acc.id, 1)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	st, err := Replay(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if d, _, _ := st.Device(acc.first); d.Name != "work phone" {
		t.Fatalf("replayed name %q", d.Name)
	}
}

func TestUsernames(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	create := func(username string) (string, error) {
		root := newActor(t)
		id := uuid.NewString()
		env := build(t, TypeAccountCreated, AccountCreatedPayload{AccountID: id, Username: username, RootPubKey: root.pub},
			envelope.RootSigner(id, root.kid), root.signer)
		_, err := svc.CreateAccount(ctx, env)
		return id, err
	}

	id, err := create("Alice_01")
	if err != nil {
		t.Fatalf("create with username: %v", err)
	}
	view, err := svc.AccountByUsername(ctx, "alice_01")
	if err != nil || view.ID != id || view.Username != "Alice_01" {
		t.Fatalf("lookup: %+v %v", view, err)
	}
	if _, err := create("ALICE_01"); !errors.Is(err, ErrUsernameTaken) || Kind(err) != CodeUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	for _, bad := range []string{"ab", strings.Repeat("a", 65), "al!ce", "álice", "Admin"} {
		if _, err := create(bad); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("username %q accepted: %v", bad, err)
		}
	}
	if _, err := svc.AccountByUsername(ctx, "nobody"); Kind(err) != CodeAccountNotFound {
		t.Fatalf("expected ACCOUNT_NOT_FOUND, got %v", err)
	}
	if _, err := svc.BackupByUsername(ctx, "alice_01"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestRevokedDeviceStatusNeedsValidSignature(t *testing.T) {
	svc := newTestService(t, nil)
	acc := createAccount(t, svc)
	d2, err := acc.delegate(t, svc)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	acc.mustSubmit(t, svc, acc.rootEnvelope(t, TypeDeviceRevoked, DeviceRevokedPayload{DeviceID: d2}))

	forged := build(t, TypeEndorsementCreated, endorsement(), envelope.DeviceSigner(acc.id, d2, acc.devices[d2].kid), newActor(t).signer)
	if _, err := acc.submit(t, svc, forged); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid before device status, got %v", err)
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("wrapped: %w", ErrDeviceRevoked), CodeDeviceRevoked},
		{ErrChainConflict, CodeChainConflict},
		{invalid("x"), CodeInvalidPayload},
		{envelope.ErrMalformed, CodeInvalidPayload},
		{securestore.ErrDecryption, CodeDecryption},
		{errors.New("disk on fire"), CodeInternal},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	seen := map[Code]bool{}
	for _, c := range Codes() {
		if seen[c] {
			t.Fatalf("duplicate code %s", c)
		}
		seen[c] = true
	}
	if !seen[CodeInternal] || !seen[CodeCandidateMismatch] {
		t.Fatalf("codes incomplete: %v", Codes())
	}
}
