package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.Envelope("DeviceDelegated", "accepted")
	m.Envelope("DeviceDelegated", "accepted")
	m.Envelope("made-up", "INVALID_PAYLOAD")
	m.Append("ok")
	m.Append("conflict")
	m.RequestAuth("ok")

	if got := testutil.ToFloat64(m.envelopes.WithLabelValues("DeviceDelegated", "accepted")); got != 2 {
		t.Fatalf("expected 2 accepted delegations, got %v", got)
	}
	if got := testutil.ToFloat64(m.envelopes.WithLabelValues("other", "INVALID_PAYLOAD")); got != 1 {
		t.Fatalf("unknown payload types should fold into other, got %v", got)
	}
	if got := testutil.ToFloat64(m.appends.WithLabelValues("conflict")); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RequestAuth("replay")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `trustchain_request_auth_total{result="replay"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
