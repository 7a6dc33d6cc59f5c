// Package sigchaintest holds the behavior every sigchain.Store must show.
package sigchaintest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/sigchain"
)

// Factory returns a fresh empty store. Close is the suite's job.
type Factory func(t *testing.T) sigchain.Store

// Run exercises the ledger, approval, backup and directory contracts.
func Run(t *testing.T, newStore Factory) {
	t.Run("FirstAppendOnce", func(t *testing.T) { testFirstAppendOnce(t, newStore(t)) })
	t.Run("GapConflicts", func(t *testing.T) { testGapConflicts(t, newStore(t)) })
	t.Run("PrevHashMismatch", func(t *testing.T) { testPrevHashMismatch(t, newStore(t)) })
	t.Run("EntriesInOrder", func(t *testing.T) { testEntriesInOrder(t, newStore(t)) })
	t.Run("AccountsIndependent", func(t *testing.T) { testAccountsIndependent(t, newStore(t)) })
	t.Run("ConcurrentAppendOneWinner", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("ApprovalsDeduplicated", func(t *testing.T) { testApprovals(t, newStore(t)) })
	t.Run("Backups", func(t *testing.T) { testBackups(t, newStore(t)) })
	t.Run("KeyClaimsFirstComeOnly", func(t *testing.T) { testKeyClaims(t, newStore(t)) })
	t.Run("UsernamesUnique", func(t *testing.T) { testUsernames(t, newStore(t)) })
}

var signer = func() *keys.SoftwareSigner {
	s, err := keys.GenerateSoftwareSigner()
	if err != nil {
		panic(err)
	}
	return s
}()

// Envelope builds a small signed envelope distinguished by n.
func Envelope(t *testing.T, accountID string, n int) envelope.Envelope {
	t.Helper()
	env, err := envelope.Build("Test", map[string]any{"n": n}, envelope.RootSigner(accountID, keys.MustDeriveKID(signer.PublicKey())), signer)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func appendN(t *testing.T, s sigchain.Store, accountID string, n int) []sigchain.Entry {
	t.Helper()
	ctx := context.Background()
	var out []sigchain.Entry
	prev := ""
	for i := 1; i <= n; i++ {
		e, err := s.Append(ctx, sigchain.AppendRequest{AccountID: accountID, Envelope: Envelope(t, accountID, i), Seqno: uint64(i), PrevHash: prev})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		prev = e.Hash
		out = append(out, e)
	}
	return out
}

func testFirstAppendOnce(t *testing.T, s sigchain.Store) {
	defer s.Close()
	ctx := context.Background()
	head, err := s.Head(ctx, "acc")
	if err != nil || !head.Empty() {
		t.Fatalf("expected empty head, got %+v %v", head, err)
	}
	first, err := s.Append(ctx, sigchain.AppendRequest{AccountID: "acc", Envelope: Envelope(t, "acc", 1), Seqno: 1})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.Seqno != 1 || first.PrevHash != "" || first.Hash == "" {
		t.Fatalf("unexpected first entry %+v", first)
	}
	_, err = s.Append(ctx, sigchain.AppendRequest{AccountID: "acc", Envelope: Envelope(t, "acc", 2), Seqno: 1})
	if !errors.Is(err, sigchain.ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict on second genesis, got %v", err)
	}
}

func testGapConflicts(t *testing.T, s sigchain.Store) {
	defer s.Close()
	entries := appendN(t, s, "acc", 1)
	_, err := s.Append(context.Background(), sigchain.AppendRequest{AccountID: "acc", Envelope: Envelope(t, "acc", 3), Seqno: 3, PrevHash: entries[0].Hash})
	if !errors.Is(err, sigchain.ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict for seqno gap, got %v", err)
	}
}

func testPrevHashMismatch(t *testing.T, s sigchain.Store) {
	defer s.Close()
	appendN(t, s, "acc", 2)
	_, err := s.Append(context.Background(), sigchain.AppendRequest{AccountID: "acc", Envelope: Envelope(t, "acc", 3), Seqno: 3, PrevHash: "00"})
	if !errors.Is(err, sigchain.ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict for wrong prev_hash, got %v", err)
	}
	head, _ := s.Head(context.Background(), "acc")
	if head.Seqno != 2 {
		t.Fatalf("rejected append moved the head to %d", head.Seqno)
	}
}

func testEntriesInOrder(t *testing.T, s sigchain.Store) {
	defer s.Close()
	written := appendN(t, s, "acc", 12)
	got, err := s.Entries(context.Background(), "acc", 1)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("expected 12 entries, got %d", len(got))
	}
	if err := sigchain.VerifyChain(got); err != nil {
		t.Fatalf("stored chain does not verify: %v", err)
	}
	for i := range got {
		if got[i].Hash != written[i].Hash || got[i].Seqno != uint64(i+1) {
			t.Fatalf("entry %d differs from what was written", i)
		}
		if got[i].PayloadType != "Test" {
			t.Fatalf("payload type lost: %q", got[i].PayloadType)
		}
	}
	tail, err := s.Entries(context.Background(), "acc", 11)
	if err != nil || len(tail) != 2 || tail[0].Seqno != 11 {
		t.Fatalf("unexpected tail %d %v", len(tail), err)
	}
	head, _ := s.Head(context.Background(), "acc")
	if head.Seqno != 12 || head.Hash != written[11].Hash {
		t.Fatalf("unexpected head %+v", head)
	}
}

func testAccountsIndependent(t *testing.T, s sigchain.Store) {
	defer s.Close()
	appendN(t, s, "a", 3)
	appendN(t, s, "b", 1)
	none, err := s.Entries(context.Background(), "c", 1)
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown account should have no entries: %d %v", len(none), err)
	}
	hb, _ := s.Head(context.Background(), "b")
	if hb.Seqno != 1 {
		t.Fatalf("account b head = %d", hb.Seqno)
	}
}

func testConcurrentAppend(t *testing.T, s sigchain.Store) {
	defer s.Close()
	entries := appendN(t, s, "acc", 1)
	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(context.Background(), sigchain.AppendRequest{AccountID: "acc", Envelope: Envelope(t, "acc", 100+i), Seqno: 2, PrevHash: entries[0].Hash})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, sigchain.ErrChainConflict):
				conflicts++
			default:
				t.Errorf("racer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func testApprovals(t *testing.T, s sigchain.Store) {
	defer s.Close()
	ctx := context.Background()
	a := sigchain.Approval{
		TargetAccountID: "target",
		PolicyID:        "p1",
		HelperAccountID: "h1",
		HelperDeviceID:  "d1",
		CandidateKid:    "cs1uhCLEB_ttCYaQ8RMLfQ",
		CandidatePubKey: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE",
		Envelope:        Envelope(t, "h1", 1),
		CreatedAt:       time.Now().UTC(),
	}
	inserted, err := s.PutApproval(ctx, a)
	if err != nil || !inserted {
		t.Fatalf("first approval: %v %v", inserted, err)
	}
	inserted, err = s.PutApproval(ctx, a)
	if err != nil || inserted {
		t.Fatalf("repeat approval must be a no-op: %v %v", inserted, err)
	}
	for i := 2; i <= 3; i++ {
		b := a
		b.HelperAccountID = fmt.Sprintf("h%d", i)
		if _, err := s.PutApproval(ctx, b); err != nil {
			t.Fatalf("approval %d: %v", i, err)
		}
	}
	other := a
	other.PolicyID = "p2"
	if _, err := s.PutApproval(ctx, other); err != nil {
		t.Fatalf("other policy approval: %v", err)
	}
	got, err := s.Approvals(ctx, "p1")
	if err != nil || len(got) != 3 {
		t.Fatalf("expected 3 approvals for p1, got %d %v", len(got), err)
	}
	if got[0].CandidateKid != a.CandidateKid || got[0].Envelope.Sig == "" {
		t.Fatalf("approval fields lost: %+v", got[0])
	}
}

func testBackups(t *testing.T, s sigchain.Store) {
	defer s.Close()
	ctx := context.Background()
	if _, err := s.GetBackup(ctx, "acc"); !errors.Is(err, sigchain.ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
	b := sigchain.Backup{AccountID: "acc", RootKid: "cs1uhCLEB_ttCYaQ8RMLfQ", Blob: []byte{1, 2, 3}, UpdatedAt: time.Now().UTC()}
	if err := s.PutBackup(ctx, b); err != nil {
		t.Fatalf("put backup: %v", err)
	}
	b.Blob = []byte{9, 9}
	if err := s.PutBackup(ctx, b); err != nil {
		t.Fatalf("replace backup: %v", err)
	}
	got, err := s.GetBackup(ctx, "acc")
	if err != nil || string(got.Blob) != string([]byte{9, 9}) || got.RootKid != b.RootKid {
		t.Fatalf("unexpected backup %+v %v", got, err)
	}
}

func testKeyClaims(t *testing.T, s sigchain.Store) {
	defer s.Close()
	ctx := context.Background()
	kid := keys.MustDeriveKID(signer.PublicKey())
	if _, err := s.AccountForKey(ctx, kid); !errors.Is(err, sigchain.ErrKeyNotIndexed) {
		t.Fatalf("expected ErrKeyNotIndexed, got %v", err)
	}
	a1, err := s.Append(ctx, sigchain.AppendRequest{AccountID: "acc-1", Envelope: Envelope(t, "acc-1", 1), Seqno: 1, Claims: sigchain.Claims{Kids: []keys.Kid{kid}}})
	if err != nil {
		t.Fatalf("claiming append: %v", err)
	}
	if _, err := s.Append(ctx, sigchain.AppendRequest{AccountID: "acc-1", Envelope: Envelope(t, "acc-1", 2), Seqno: 2, PrevHash: a1.Hash, Claims: sigchain.Claims{Kids: []keys.Kid{kid}}}); err != nil {
		t.Fatalf("rebinding to the same account: %v", err)
	}

	_, err = s.Append(ctx, sigchain.AppendRequest{AccountID: "acc-2", Envelope: Envelope(t, "acc-2", 1), Seqno: 1, Claims: sigchain.Claims{Kids: []keys.Kid{kid}}})
	if !errors.Is(err, sigchain.ErrKeyClaimed) {
		t.Fatalf("expected ErrKeyClaimed, got %v", err)
	}
	if head, _ := s.Head(ctx, "acc-2"); !head.Empty() {
		t.Fatalf("failed claim still appended: %+v", head)
	}
	got, err := s.AccountForKey(ctx, kid)
	if err != nil || got != "acc-1" {
		t.Fatalf("expected binding to stay with acc-1, got %q %v", got, err)
	}
}

func testUsernames(t *testing.T, s sigchain.Store) {
	defer s.Close()
	ctx := context.Background()
	if _, err := s.AccountForUsername(ctx, "alice"); !errors.Is(err, sigchain.ErrNoSuchUsername) {
		t.Fatalf("expected ErrNoSuchUsername, got %v", err)
	}
	if _, err := s.Append(ctx, sigchain.AppendRequest{AccountID: "acc-1", Envelope: Envelope(t, "acc-1", 1), Seqno: 1, Claims: sigchain.Claims{Username: "Alice"}}); err != nil {
		t.Fatalf("claim username: %v", err)
	}
	_, err := s.Append(ctx, sigchain.AppendRequest{AccountID: "acc-2", Envelope: Envelope(t, "acc-2", 1), Seqno: 1, Claims: sigchain.Claims{Username: "alice"}})
	if !errors.Is(err, sigchain.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	got, err := s.AccountForUsername(ctx, "ALICE")
	if err != nil || got != "acc-1" {
		t.Fatalf("expected case-insensitive lookup of acc-1, got %q %v", got, err)
	}
}
