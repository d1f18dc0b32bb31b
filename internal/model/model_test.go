package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestKeyJSONHidesSecrets(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	k := Key{
		ID:               "0194b1f2-aaaa-7bbb-8ccc-0123456789ab",
		CredentialHash:   "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		LookupDigest:     "deadbeef",
		KeyPrefix:        "TZY",
		EmailFingerprint: "cafebabe",
		IssuedAt:         now,
		ExpiresAt:        now.Add(30 * 24 * time.Hour),
		Status:           StatusIssued,
	}

	b, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	out := string(b)

	for _, secret := range []string{"argon2id", "deadbeef", "cafebabe"} {
		if strings.Contains(out, secret) {
			t.Errorf("serialized key leaks %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"status":"issued"`) {
		t.Errorf("expected status in JSON output: %s", out)
	}
}

func TestKeyExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	k := Key{ExpiresAt: now}

	if !k.Expired(now) {
		t.Error("key expiring exactly now should count as expired")
	}
	if !k.Expired(now.Add(time.Second)) {
		t.Error("key past expiry should be expired")
	}
	if k.Expired(now.Add(-time.Second)) {
		t.Error("key before expiry should not be expired")
	}
}

func TestUsageDate(t *testing.T) {
	// 23:30 in UTC+2 on June 1 is 21:30 UTC the same day.
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2025, 6, 1, 23, 30, 0, 0, loc)
	if got := UsageDate(local); got != "2025-06-01" {
		t.Errorf("UsageDate = %q, want 2025-06-01", got)
	}

	// 01:30 in UTC+2 on June 2 is 23:30 UTC on June 1, so the quota
	// day is still June 1.
	local = time.Date(2025, 6, 2, 1, 30, 0, 0, loc)
	if got := UsageDate(local); got != "2025-06-01" {
		t.Errorf("UsageDate = %q, want 2025-06-01 (quota days are UTC)", got)
	}
}

func TestAdminJSONHidesPasswordHash(t *testing.T) {
	a := Admin{
		ID:           1,
		Email:        "ops@example.com",
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
		Name:         "Ops",
		IsActive:     true,
	}

	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if strings.Contains(string(b), "$2a$") {
		t.Errorf("serialized admin leaks password hash: %s", b)
	}
}
