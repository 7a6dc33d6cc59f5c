// Package pgstore keeps the ledger in PostgreSQL. The (account_id, seqno)
// primary key is what serializes racing appends.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/sigchain"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct {
	DB  *pgxpool.Pool
	now func() time.Time
}

// Connect opens a pool with conservative limits.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db, now: time.Now} }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) Append(ctx context.Context, req sigchain.AppendRequest) (sigchain.Entry, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return sigchain.Entry{}, err
	}
	defer tx.Rollback(ctx)

	head, err := lockedHead(ctx, tx, req.AccountID)
	if err != nil {
		return sigchain.Entry{}, err
	}
	if err := sigchain.CheckAppend(head, req); err != nil {
		return sigchain.Entry{}, err
	}
	entry, err := sigchain.NewEntry(req, s.now())
	if err != nil {
		return sigchain.Entry{}, err
	}
	raw, err := json.Marshal(entry.Envelope)
	if err != nil {
		return sigchain.Entry{}, err
	}
	if err := claim(ctx, tx, req.AccountID, req.Claims); err != nil {
		return sigchain.Entry{}, err
	}
	var prev *string
	if entry.PrevHash != "" {
		prev = &entry.PrevHash
	}
	_, err = tx.Exec(ctx, `INSERT INTO ledger_entries(account_id,seqno,prev_hash,hash,payload_type,envelope,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		entry.AccountID, int64(entry.Seqno), prev, entry.Hash, entry.PayloadType, string(raw), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sigchain.Entry{}, fmt.Errorf("%w: seqno %d already taken", sigchain.ErrChainConflict, entry.Seqno)
		}
		return sigchain.Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return sigchain.Entry{}, fmt.Errorf("%w: seqno %d already taken", sigchain.ErrChainConflict, entry.Seqno)
		}
		return sigchain.Entry{}, err
	}
	return entry, nil
}

// claim inserts the bindings of c. Rows are never updated, so the first
// account to bind a kid or username keeps it.
func claim(ctx context.Context, tx pgx.Tx, accountID string, c sigchain.Claims) error {
	for _, kid := range c.Kids {
		tag, err := tx.Exec(ctx, `INSERT INTO key_index(kid,account_id) VALUES($1,$2) ON CONFLICT (kid) DO NOTHING`, string(kid), accountID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		var owner string
		if err := tx.QueryRow(ctx, `SELECT account_id FROM key_index WHERE kid=$1`, string(kid)).Scan(&owner); err != nil {
			return err
		}
		if owner != accountID {
			return fmt.Errorf("%w: %s", sigchain.ErrKeyClaimed, kid)
		}
	}
	if c.Username == "" {
		return nil
	}
	tag, err := tx.Exec(ctx, `INSERT INTO usernames(username_key,username,account_id) VALUES($1,$2,$3) ON CONFLICT (username_key) DO NOTHING`,
		sigchain.UsernameKey(c.Username), c.Username, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sigchain.ErrUsernameTaken
	}
	return nil
}

func lockedHead(ctx context.Context, tx pgx.Tx, accountID string) (sigchain.Head, error) {
	var seqno int64
	var hash string
	err := tx.QueryRow(ctx, `SELECT seqno, hash FROM ledger_entries WHERE account_id=$1 ORDER BY seqno DESC LIMIT 1 FOR UPDATE`, accountID).Scan(&seqno, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return sigchain.Head{}, nil
	}
	if err != nil {
		return sigchain.Head{}, err
	}
	return sigchain.Head{Seqno: uint64(seqno), Hash: hash}, nil
}

func (s *Store) Head(ctx context.Context, accountID string) (sigchain.Head, error) {
	var seqno int64
	var hash string
	err := s.DB.QueryRow(ctx, `SELECT seqno, hash FROM ledger_entries WHERE account_id=$1 ORDER BY seqno DESC LIMIT 1`, accountID).Scan(&seqno, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return sigchain.Head{}, nil
	}
	if err != nil {
		return sigchain.Head{}, err
	}
	return sigchain.Head{Seqno: uint64(seqno), Hash: hash}, nil
}

func (s *Store) Entries(ctx context.Context, accountID string, fromSeqno uint64) ([]sigchain.Entry, error) {
	if fromSeqno < 1 {
		fromSeqno = 1
	}
	rows, err := s.DB.Query(ctx, `SELECT seqno, COALESCE(prev_hash,''), hash, payload_type, envelope::text, created_at
		FROM ledger_entries WHERE account_id=$1 AND seqno >= $2 ORDER BY seqno`, accountID, int64(fromSeqno))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sigchain.Entry
	for rows.Next() {
		var (
			e     sigchain.Entry
			seqno int64
			raw   string
		)
		if err := rows.Scan(&seqno, &e.PrevHash, &e.Hash, &e.PayloadType, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Envelope); err != nil {
			return nil, err
		}
		e.AccountID = accountID
		e.Seqno = uint64(seqno)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PutApproval(ctx context.Context, a sigchain.Approval) (bool, error) {
	raw, err := json.Marshal(a.Envelope)
	if err != nil {
		return false, err
	}
	tag, err := s.DB.Exec(ctx, `INSERT INTO recovery_approvals(policy_id,helper_account_id,candidate_kid,account_id,helper_device_id,candidate_pubkey,envelope,created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT DO NOTHING`,
		a.PolicyID, a.HelperAccountID, string(a.CandidateKid), a.TargetAccountID, a.HelperDeviceID, a.CandidatePubKey, string(raw), a.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Approvals(ctx context.Context, policyID string) ([]sigchain.Approval, error) {
	rows, err := s.DB.Query(ctx, `SELECT account_id, helper_account_id, helper_device_id, candidate_kid, candidate_pubkey, envelope::text, created_at
		FROM recovery_approvals WHERE policy_id=$1 ORDER BY created_at, helper_account_id`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sigchain.Approval
	for rows.Next() {
		var (
			a   sigchain.Approval
			kid string
			raw string
		)
		if err := rows.Scan(&a.TargetAccountID, &a.HelperAccountID, &a.HelperDeviceID, &kid, &a.CandidatePubKey, &raw, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &a.Envelope); err != nil {
			return nil, err
		}
		a.PolicyID = policyID
		a.CandidateKid = keys.Kid(kid)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) PutBackup(ctx context.Context, b sigchain.Backup) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO root_backups(account_id,root_kid,blob,updated_at) VALUES($1,$2,$3,$4)
		ON CONFLICT (account_id) DO UPDATE SET root_kid=EXCLUDED.root_kid, blob=EXCLUDED.blob, updated_at=EXCLUDED.updated_at`,
		b.AccountID, string(b.RootKid), b.Blob, b.UpdatedAt)
	return err
}

func (s *Store) GetBackup(ctx context.Context, accountID string) (sigchain.Backup, error) {
	var (
		b   sigchain.Backup
		kid string
	)
	err := s.DB.QueryRow(ctx, `SELECT account_id, root_kid, blob, updated_at FROM root_backups WHERE account_id=$1`, accountID).
		Scan(&b.AccountID, &kid, &b.Blob, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sigchain.Backup{}, sigchain.ErrBackupNotFound
	}
	if err != nil {
		return sigchain.Backup{}, err
	}
	b.RootKid = keys.Kid(kid)
	return b, nil
}

func (s *Store) AccountForKey(ctx context.Context, kid keys.Kid) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT account_id FROM key_index WHERE kid=$1`, string(kid)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", sigchain.ErrKeyNotIndexed
	}
	return id, err
}

func (s *Store) AccountForUsername(ctx context.Context, username string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT account_id FROM usernames WHERE username_key=$1`, sigchain.UsernameKey(username)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", sigchain.ErrNoSuchUsername
	}
	return id, err
}

var _ sigchain.Store = (*Store)(nil)
