// Package memstore is the in-process sigchain.Store used by tests and
// single-node development.
package memstore

import (
	"context"
	"sync"
	"time"

	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/sigchain"
)

type approvalKey struct {
	policyID, helper, candidate string
}

// Store keeps each account's entries in a slice indexed by seqno-1.
type Store struct {
	mu        sync.RWMutex
	ledgers   map[string][]sigchain.Entry
	approvals map[string][]sigchain.Approval
	seen      map[approvalKey]struct{}
	backups   map[string]sigchain.Backup
	keyIndex  map[keys.Kid]string
	usernames map[string]string
	now       func() time.Time
}

func New() *Store {
	return &Store{
		ledgers:   make(map[string][]sigchain.Entry),
		approvals: make(map[string][]sigchain.Approval),
		seen:      make(map[approvalKey]struct{}),
		backups:   make(map[string]sigchain.Backup),
		keyIndex:  make(map[keys.Kid]string),
		usernames: make(map[string]string),
		now:       time.Now,
	}
}

func (s *Store) Append(_ context.Context, req sigchain.AppendRequest) (sigchain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.ledgers[req.AccountID]
	if err := sigchain.CheckAppend(headOf(rows), req); err != nil {
		return sigchain.Entry{}, err
	}
	if err := s.checkClaims(req.AccountID, req.Claims); err != nil {
		return sigchain.Entry{}, err
	}
	entry, err := sigchain.NewEntry(req, s.now())
	if err != nil {
		return sigchain.Entry{}, err
	}
	s.ledgers[req.AccountID] = append(rows, entry)
	for _, kid := range req.Claims.Kids {
		s.keyIndex[kid] = req.AccountID
	}
	if req.Claims.Username != "" {
		s.usernames[sigchain.UsernameKey(req.Claims.Username)] = req.AccountID
	}
	return entry, nil
}

func (s *Store) checkClaims(accountID string, c sigchain.Claims) error {
	for _, kid := range c.Kids {
		if owner, ok := s.keyIndex[kid]; ok && owner != accountID {
			return sigchain.ErrKeyClaimed
		}
	}
	if c.Username != "" {
		if _, ok := s.usernames[sigchain.UsernameKey(c.Username)]; ok {
			return sigchain.ErrUsernameTaken
		}
	}
	return nil
}

func (s *Store) Head(_ context.Context, accountID string) (sigchain.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return headOf(s.ledgers[accountID]), nil
}

func (s *Store) Entries(_ context.Context, accountID string, fromSeqno uint64) ([]sigchain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.ledgers[accountID]
	if fromSeqno < 1 {
		fromSeqno = 1
	}
	if fromSeqno > uint64(len(rows)) {
		return nil, nil
	}
	return append([]sigchain.Entry(nil), rows[fromSeqno-1:]...), nil
}

func (s *Store) PutApproval(_ context.Context, a sigchain.Approval) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := approvalKey{a.PolicyID, a.HelperAccountID, string(a.CandidateKid)}
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.approvals[a.PolicyID] = append(s.approvals[a.PolicyID], a)
	return true, nil
}

func (s *Store) Approvals(_ context.Context, policyID string) ([]sigchain.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]sigchain.Approval(nil), s.approvals[policyID]...), nil
}

func (s *Store) PutBackup(_ context.Context, b sigchain.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Blob = append([]byte(nil), b.Blob...)
	s.backups[b.AccountID] = b
	return nil
}

func (s *Store) GetBackup(_ context.Context, accountID string) (sigchain.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backups[accountID]
	if !ok {
		return sigchain.Backup{}, sigchain.ErrBackupNotFound
	}
	b.Blob = append([]byte(nil), b.Blob...)
	return b, nil
}


func (s *Store) AccountForKey(_ context.Context, kid keys.Kid) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyIndex[kid]
	if !ok {
		return "", sigchain.ErrKeyNotIndexed
	}
	return id, nil
}

func (s *Store) AccountForUsername(_ context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[sigchain.UsernameKey(username)]
	if !ok {
		return "", sigchain.ErrNoSuchUsername
	}
	return id, nil
}

func (s *Store) Close() error { return nil }

func headOf(rows []sigchain.Entry) sigchain.Head {
	if len(rows) == 0 {
		return sigchain.Head{}
	}
	last := rows[len(rows)-1]
	return sigchain.Head{Seqno: last.Seqno, Hash: last.Hash}
}
