package sigchain_test

import (
	"errors"
	"testing"
	"time"

	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/internal/sigchain/sigchaintest"
)

func buildChain(t *testing.T, n int) []sigchain.Entry {
	t.Helper()
	var out []sigchain.Entry
	head := sigchain.Head{}
	for i := 1; i <= n; i++ {
		seq, prev := head.Next()
		req := sigchain.AppendRequest{AccountID: "acc", Envelope: sigchaintest.Envelope(t, "acc", i), Seqno: seq, PrevHash: prev}
		if err := sigchain.CheckAppend(head, req); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		e, err := sigchain.NewEntry(req, time.Now())
		if err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
		out = append(out, e)
		head = sigchain.Head{Seqno: e.Seqno, Hash: e.Hash}
	}
	return out
}

func TestCheckAppendRules(t *testing.T) {
	env := sigchaintest.Envelope(t, "acc", 1)
	empty := sigchain.Head{}
	if err := sigchain.CheckAppend(empty, sigchain.AppendRequest{AccountID: "acc", Envelope: env, Seqno: 1}); err != nil {
		t.Fatalf("genesis rejected: %v", err)
	}
	cases := []struct {
		name string
		head sigchain.Head
		seq  uint64
		prev string
	}{
		{"genesis with prev", empty, 1, "ab"},
		{"genesis at 2", empty, 2, ""},
		{"repeat seqno", sigchain.Head{Seqno: 1, Hash: "h1"}, 1, ""},
		{"gap", sigchain.Head{Seqno: 1, Hash: "h1"}, 3, "h1"},
		{"wrong prev", sigchain.Head{Seqno: 1, Hash: "h1"}, 2, "h0"},
		{"missing prev", sigchain.Head{Seqno: 1, Hash: "h1"}, 2, ""},
	}
	for _, tc := range cases {
		err := sigchain.CheckAppend(tc.head, sigchain.AppendRequest{AccountID: "acc", Envelope: env, Seqno: tc.seq, PrevHash: tc.prev})
		if !errors.Is(err, sigchain.ErrChainConflict) {
			t.Fatalf("%s: expected ErrChainConflict, got %v", tc.name, err)
		}
	}
	if err := sigchain.CheckAppend(empty, sigchain.AppendRequest{Envelope: env, Seqno: 1}); !errors.Is(err, sigchain.ErrInvalidAppend) {
		t.Fatalf("expected ErrInvalidAppend without account, got %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	chain := buildChain(t, 5)
	if err := sigchain.VerifyChain(chain); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	swapped := append([]sigchain.Entry(nil), chain...)
	swapped[2].Envelope = sigchaintest.Envelope(t, "acc", 99)
	if err := sigchain.VerifyChain(swapped); !errors.Is(err, sigchain.ErrChainCorrupted) {
		t.Fatalf("replaced envelope: expected ErrChainCorrupted, got %v", err)
	}

	dropped := append(append([]sigchain.Entry(nil), chain[:2]...), chain[3:]...)
	if err := sigchain.VerifyChain(dropped); !errors.Is(err, sigchain.ErrChainCorrupted) {
		t.Fatalf("dropped entry: expected ErrChainCorrupted, got %v", err)
	}
}
