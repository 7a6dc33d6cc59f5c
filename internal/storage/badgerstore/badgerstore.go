// Package badgerstore persists the ledger in an embedded Badger database.
//
// Keys:
//
//	ledger/<account>/<seqno, 20 digits>  entry JSON
//	head/<account>                       head JSON
//	approval/<policy>/<helper>/<kid>     approval JSON
//	backup/<account>                     backup JSON
//	key/<kid>                            account id
//	username/<folded name>               account id
//
// Append reads the head and claims and writes the entry in one optimistic
// transaction, so two racing appends cannot both commit.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/sigchain"
)

var ErrInvalidKey = errors.New("identifier contains a key separator")

type Options struct {
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

type Store struct {
	db  *badger.DB
	now func() time.Time
}

func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithInMemory(opts.InMemory)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(slogAdapter{opts.Logger.With("component", "badger")})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func ledgerPrefix(accountID string) []byte { return []byte("ledger/" + accountID + "/") }

func ledgerKey(accountID string, seqno uint64) []byte {
	return []byte(fmt.Sprintf("ledger/%s/%020d", accountID, seqno))
}

func headKey(accountID string) []byte   { return []byte("head/" + accountID) }
func backupKey(accountID string) []byte { return []byte("backup/" + accountID) }

func keyIndexKey(kid keys.Kid) []byte { return []byte("key/" + string(kid)) }

func usernameKey(name string) []byte { return []byte("username/" + sigchain.UsernameKey(name)) }

func approvalPrefix(policyID string) []byte { return []byte("approval/" + policyID + "/") }

func checkIDs(ids ...string) error {
	for _, id := range ids {
		if strings.Contains(id, "/") {
			return ErrInvalidKey
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, req sigchain.AppendRequest) (sigchain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return sigchain.Entry{}, err
	}
	if err := checkIDs(req.AccountID, req.Claims.Username); err != nil {
		return sigchain.Entry{}, err
	}
	var entry sigchain.Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		head, err := readHead(txn, req.AccountID)
		if err != nil {
			return err
		}
		if err := sigchain.CheckAppend(head, req); err != nil {
			return err
		}
		entry, err = sigchain.NewEntry(req, s.now())
		if err != nil {
			return err
		}
		if _, err := txn.Get(ledgerKey(req.AccountID, req.Seqno)); err == nil {
			return fmt.Errorf("%w: seqno %d already stored", sigchain.ErrChainConflict, req.Seqno)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := claim(txn, req.AccountID, req.Claims); err != nil {
			return err
		}
		if err := txn.Set(ledgerKey(req.AccountID, req.Seqno), raw); err != nil {
			return err
		}
		headRaw, err := json.Marshal(sigchain.Head{Seqno: entry.Seqno, Hash: entry.Hash})
		if err != nil {
			return err
		}
		return txn.Set(headKey(req.AccountID), headRaw)
	})
	if errors.Is(err, badger.ErrConflict) {
		return sigchain.Entry{}, fmt.Errorf("%w: concurrent append", sigchain.ErrChainConflict)
	}
	if err != nil {
		return sigchain.Entry{}, err
	}
	return entry, nil
}

// claim writes the bindings of c, failing on any held by another account.
func claim(txn *badger.Txn, accountID string, c sigchain.Claims) error {
	for _, kid := range c.Kids {
		owner, err := readString(txn, keyIndexKey(kid))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := txn.Set(keyIndexKey(kid), []byte(accountID)); err != nil {
				return err
			}
		case err != nil:
			return err
		case owner != accountID:
			return fmt.Errorf("%w: %s", sigchain.ErrKeyClaimed, kid)
		}
	}
	if c.Username == "" {
		return nil
	}
	if _, err := txn.Get(usernameKey(c.Username)); err == nil {
		return sigchain.ErrUsernameTaken
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(usernameKey(c.Username), []byte(accountID))
}

func readString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func readHead(txn *badger.Txn, accountID string) (sigchain.Head, error) {
	item, err := txn.Get(headKey(accountID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sigchain.Head{}, nil
	}
	if err != nil {
		return sigchain.Head{}, err
	}
	var head sigchain.Head
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &head) })
	return head, err
}

func (s *Store) Head(ctx context.Context, accountID string) (sigchain.Head, error) {
	if err := ctx.Err(); err != nil {
		return sigchain.Head{}, err
	}
	var head sigchain.Head
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, accountID)
		return err
	})
	return head, err
}

func (s *Store) Entries(ctx context.Context, accountID string, fromSeqno uint64) ([]sigchain.Entry, error) {
	if err := checkIDs(accountID); err != nil {
		return nil, err
	}
	if fromSeqno < 1 {
		fromSeqno = 1
	}
	var out []sigchain.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := ledgerPrefix(accountID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(ledgerKey(accountID, fromSeqno)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e sigchain.Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *Store) PutApproval(ctx context.Context, a sigchain.Approval) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkIDs(a.PolicyID, a.HelperAccountID); err != nil {
		return false, err
	}
	key := append(approvalPrefix(a.PolicyID), []byte(a.HelperAccountID+"/"+string(a.CandidateKid))...)
	inserted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		inserted = true
		return txn.Set(key, raw)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A racing writer stored the same triple first.
		return false, nil
	}
	return inserted && err == nil, err
}

func (s *Store) Approvals(ctx context.Context, policyID string) ([]sigchain.Approval, error) {
	if err := checkIDs(policyID); err != nil {
		return nil, err
	}
	var out []sigchain.Approval
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := approvalPrefix(policyID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var a sigchain.Approval
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (s *Store) PutBackup(ctx context.Context, b sigchain.Backup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(backupKey(b.AccountID), raw)
	})
}

func (s *Store) GetBackup(ctx context.Context, accountID string) (sigchain.Backup, error) {
	if err := ctx.Err(); err != nil {
		return sigchain.Backup{}, err
	}
	var b sigchain.Backup
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(backupKey(accountID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return sigchain.ErrBackupNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &b) })
	})
	return b, err
}

func (s *Store) AccountForKey(ctx context.Context, kid keys.Kid) (string, error) {
	return s.lookup(ctx, keyIndexKey(kid), sigchain.ErrKeyNotIndexed)
}

func (s *Store) AccountForUsername(ctx context.Context, username string) (string, error) {
	return s.lookup(ctx, usernameKey(username), sigchain.ErrNoSuchUsername)
}

func (s *Store) lookup(ctx context.Context, key []byte, missing error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = readString(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return missing
		}
		return err
	})
	return id, err
}

type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Errorf(f string, v ...interface{}) {
	a.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (a slogAdapter) Warningf(f string, v ...interface{}) {
	a.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (a slogAdapter) Infof(f string, v ...interface{}) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (a slogAdapter) Debugf(f string, v ...interface{}) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
