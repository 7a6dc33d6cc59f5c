// Package sigchain defines the per-account hash-linked ledger and the storage
// ports every backend implements.
package sigchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
)

var (
	ErrChainConflict  = errors.New("chain conflict")
	ErrBackupNotFound = errors.New("backup not found")
	ErrInvalidAppend  = errors.New("invalid append request")
	ErrChainCorrupted = errors.New("stored chain is corrupted")
	ErrKeyNotIndexed  = errors.New("key is not indexed")
	ErrKeyClaimed     = errors.New("key is bound to another account")
	ErrUsernameTaken  = errors.New("username is taken")
	ErrNoSuchUsername = errors.New("username is not registered")
)

// Entry is one accepted envelope at a fixed position. Entries refer to their
// predecessor only through PrevHash.
type Entry struct {
	AccountID   string            `json:"account_id"`
	Seqno       uint64            `json:"seqno"`
	PrevHash    string            `json:"prev_hash,omitempty"`
	Hash        string            `json:"hash"`
	PayloadType string            `json:"payload_type"`
	Envelope    envelope.Envelope `json:"envelope"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Head is the last entry position of an account. Seqno 0 means the account
// has no entries.
type Head struct {
	Seqno uint64 `json:"seqno"`
	Hash  string `json:"hash,omitempty"`
}

func (h Head) Empty() bool { return h.Seqno == 0 }

// Next is the position an append against h must claim.
func (h Head) Next() (uint64, string) { return h.Seqno + 1, h.Hash }

type AppendRequest struct {
	AccountID string
	Envelope  envelope.Envelope
	Seqno     uint64
	PrevHash  string
	// CreatedAt is the acceptance time. Stores use their own clock when it
	// is zero.
	CreatedAt time.Time
	// Claims commit together with the entry.
	Claims Claims
}

// Claims bind names to the appending account. A binding is permanent: a
// kid already bound to another account fails the append with
// ErrKeyClaimed, a taken username with ErrUsernameTaken. Rebinding a kid to
// its own account is a no-op.
type Claims struct {
	Kids     []keys.Kid
	Username string
}

// UsernameKey is the case-folded form usernames are unique under.
func UsernameKey(name string) string { return strings.ToLower(name) }

// Ledger is the append contract. Append is atomic and never retries: a
// request that does not extend the current head fails with ErrChainConflict.
type Ledger interface {
	Append(ctx context.Context, req AppendRequest) (Entry, error)
	Head(ctx context.Context, accountID string) (Head, error)
	Entries(ctx context.Context, accountID string, fromSeqno uint64) ([]Entry, error)
}

// Approval is a helper's signed vote for a candidate root under one policy.
// It lives off-chain.
type Approval struct {
	TargetAccountID string            `json:"account_id"`
	PolicyID        string            `json:"policy_id"`
	HelperAccountID string            `json:"helper_account_id"`
	HelperDeviceID  string            `json:"helper_device_id"`
	CandidateKid    keys.Kid          `json:"candidate_kid"`
	CandidatePubKey string            `json:"candidate_pubkey"`
	Envelope        envelope.Envelope `json:"envelope"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ApprovalStore keeps at most one approval per (policy, helper, candidate).
// PutApproval reports false when that triple was already present.
type ApprovalStore interface {
	PutApproval(ctx context.Context, a Approval) (bool, error)
	Approvals(ctx context.Context, policyID string) ([]Approval, error)
}

// Backup is an opaque password-sealed root key held for its owner.
type Backup struct {
	AccountID string    `json:"account_id"`
	RootKid   keys.Kid  `json:"root_kid"`
	Blob      []byte    `json:"blob"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BackupStore interface {
	PutBackup(ctx context.Context, b Backup) error
	GetBackup(ctx context.Context, accountID string) (Backup, error)
}

// Directory resolves names bound through Claims. A kid lookup is only a
// hint: the account state decides whether the key is usable.
type Directory interface {
	AccountForKey(ctx context.Context, kid keys.Kid) (string, error)
	AccountForUsername(ctx context.Context, username string) (string, error)
}

// Store is everything the identity service persists.
type Store interface {
	Ledger
	ApprovalStore
	BackupStore
	Directory
	Close() error
}

// CheckAppend applies the chain position rule against the current head.
func CheckAppend(head Head, req AppendRequest) error {
	if req.AccountID == "" || req.Seqno == 0 {
		return ErrInvalidAppend
	}
	if head.Empty() {
		if req.Seqno != 1 || req.PrevHash != "" {
			return fmt.Errorf("%w: account has no entries, expected seqno 1 with no prev_hash", ErrChainConflict)
		}
		return nil
	}
	seq, prev := head.Next()
	if req.Seqno != seq {
		return fmt.Errorf("%w: expected seqno %d, got %d", ErrChainConflict, seq, req.Seqno)
	}
	if req.PrevHash != prev {
		return fmt.Errorf("%w: prev_hash does not match head %d", ErrChainConflict, head.Seqno)
	}
	return nil
}

// NewEntry computes the stored form of an accepted append.
func NewEntry(req AppendRequest, now time.Time) (Entry, error) {
	hash, err := envelope.Hash(req.Envelope)
	if err != nil {
		return Entry{}, err
	}
	if !req.CreatedAt.IsZero() {
		now = req.CreatedAt
	}
	return Entry{
		AccountID:   req.AccountID,
		Seqno:       req.Seqno,
		PrevHash:    req.PrevHash,
		Hash:        hash,
		PayloadType: req.Envelope.PayloadType,
		Envelope:    req.Envelope,
		CreatedAt:   now.UTC(),
	}, nil
}

// VerifyChain re-derives every hash and link of a full chain read back from
// storage.
func VerifyChain(entries []Entry) error {
	return VerifyFrom(Head{}, entries)
}

// VerifyFrom checks that entries extend the chain ending at head.
func VerifyFrom(head Head, entries []Entry) error {
	prev := head
	for i, e := range entries {
		if err := CheckAppend(prev, AppendRequest{AccountID: e.AccountID, Envelope: e.Envelope, Seqno: e.Seqno, PrevHash: e.PrevHash}); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainCorrupted, i, err)
		}
		hash, err := envelope.Hash(e.Envelope)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainCorrupted, i, err)
		}
		if hash != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainCorrupted, i)
		}
		prev = Head{Seqno: e.Seqno, Hash: e.Hash}
	}
	return nil
}
