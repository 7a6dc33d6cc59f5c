package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	return payload
}

func TestSanitizingHandlerRedactsSecretsAndFingerprintsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"account_id", "4f1c2c5e-0000-4000-8000-000000000001",
		"mnemonic", "abandon abandon",
		"private_key", "k",
		"kid", "AAAA",
		"status", "ok",
	)

	payload := decodeLine(t, &buf)
	if _, ok := payload["account_id"]; ok {
		t.Fatal("account_id should not be present")
	}
	fp, _ := payload["account_id_fp"].(string)
	if !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	for _, key := range []string{"mnemonic", "private_key"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if payload["kid"] != "AAAA" || payload["status"] != "ok" {
		t.Fatalf("public attrs should pass through: %v", payload)
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := FingerprintID("acc-1")
	if a == "" || a != FingerprintID(" acc-1 ") {
		t.Fatalf("fingerprint not stable: %q", a)
	}
	if a == FingerprintID("acc-2") {
		t.Fatal("different ids share a fingerprint")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank id should map to empty fingerprint")
	}
}

func TestSanitizingHandlerCoversWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	h = h.WithAttrs([]slog.Attr{slog.String("device_id", "d1")})
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.Group("req", slog.String("helper_account_id", "h1"), slog.String("seed", "s")))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"device_id_fp", "helper_account_id_fp", redactedValue} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
	if strings.Contains(out, `"d1"`) || strings.Contains(out, `"h1"`) {
		t.Fatalf("raw ids leaked: %s", out)
	}
}
