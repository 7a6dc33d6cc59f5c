package ratelimiter

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestBurstThenRefill(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("a", now) {
		t.Fatal("third request in the same instant should be limited")
	}
	if !l.Allow("b", now) {
		t.Fatal("keys must not share a bucket")
	}
	if !l.Allow("a", now.Add(time.Second)) {
		t.Fatal("bucket should refill after one second")
	}
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l := New(Config{RPS: 0, Burst: 10})
	if l != nil {
		t.Fatal("non-positive rps should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("a", time.Now()) {
			t.Fatal("nil limiter must allow")
		}
	}
}

func TestIdleBucketsAreSwept(t *testing.T) {
	l := New(Config{RPS: 100, Burst: 100, IdleTTL: time.Minute})
	t0 := time.Unix(1_700_000_000, 0)
	l.Allow("stale", t0)
	l.Allow("busy", t0.Add(30*time.Second))
	if n := l.Len(); n != 2 {
		t.Fatalf("expected 2 buckets before the sweep, got %d", n)
	}
	l.Allow("busy", t0.Add(90*time.Second))
	if n := l.Len(); n != 1 {
		t.Fatalf("expected only the busy key, got %d", n)
	}
}

func TestRequestKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/me", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := RequestKey(r, ""); got != "ip:10.0.0.7" {
		t.Fatalf("unexpected ip key %q", got)
	}
	if got := RequestKey(r, " abc "); got != "kid:abc" {
		t.Fatalf("unexpected kid key %q", got)
	}
	r.RemoteAddr = ""
	if got := RequestKey(r, ""); got != "ip:unknown" {
		t.Fatalf("unexpected fallback key %q", got)
	}
}
