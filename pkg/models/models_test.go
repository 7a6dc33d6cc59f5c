package models

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

func TestFingerprintStableAndDistinct(t *testing.T) {
	a := Fingerprint(bytes.Repeat([]byte{1}, 32))
	b := Fingerprint(bytes.Repeat([]byte{1}, 32))
	c := Fingerprint(bytes.Repeat([]byte{2}, 32))
	if a != b {
		t.Fatalf("fingerprint is not deterministic")
	}
	if a == c {
		t.Fatalf("different keys share a fingerprint")
	}
	if !strings.HasPrefix(a, "tc1") {
		t.Fatalf("missing prefix: %s", a)
	}
	raw, err := base58.Decode(strings.TrimPrefix(a, "tc1"))
	if err != nil || len(raw) != 20 {
		t.Fatalf("fingerprint body is not 20 base58 bytes: %v %d", err, len(raw))
	}
}

func TestDeviceActive(t *testing.T) {
	if !(Device{State: DeviceActive}).Active() || (Device{State: DeviceRevoked}).Active() {
		t.Fatalf("unexpected Active result")
	}
}
