package license

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tattty/keygate/internal/credential"
	"github.com/tattty/keygate/internal/fingerprint"
	"github.com/tattty/keygate/internal/keycodec"
	"github.com/tattty/keygate/internal/model"
	"github.com/tattty/keygate/internal/store"
)

// fastParams keeps Argon2id cheap so the suite stays quick.
func fastParams() credential.Params {
	return credential.Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type testEnv struct {
	mgr    *Manager
	store  *store.Store
	fp     *fingerprint.Fingerprinter
	hasher *credential.Hasher
}

func newTestEnv(t *testing.T, caps Caps) *testEnv {
	t.Helper()

	st, err := store.Open(store.Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fp, err := fingerprint.New("test-salt")
	if err != nil {
		t.Fatalf("fingerprint.New: %v", err)
	}
	hasher := credential.NewHasher(fastParams())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := NewManager(Config{KeyPrefix: "TZY", Caps: caps}, st, fp, hasher, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testEnv{mgr: mgr, store: st, fp: fp, hasher: hasher}
}

// insertExpiredKey plants a key whose expiry is already in the past,
// bypassing Issue's fixed 30-day policy.
func (e *testEnv) insertExpiredKey(t *testing.T, email, status string) (plaintext string) {
	t.Helper()

	plaintext, _, err := keycodec.Generate("TZY")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	now := time.Now().UTC()
	key := &model.Key{
		CredentialHash:   hash,
		LookupDigest:     credential.LookupDigest(plaintext),
		KeyPrefix:        "TZY",
		EmailFingerprint: e.fp.Fingerprint(email),
		IssuedAt:         now.Add(-31 * 24 * time.Hour),
		ExpiresAt:        now.Add(-24 * time.Hour),
		Status:           status,
	}
	if err := e.store.InsertKey(context.Background(), key); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	return plaintext
}

func TestIssueThenActivate(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.KeyID == "" {
		t.Fatal("empty key ID")
	}
	if !strings.HasPrefix(res.Plaintext, "TZY-") {
		t.Fatalf("plaintext %q missing prefix", res.Plaintext)
	}

	if err := env.mgr.Activate(ctx, res.Plaintext, "user@example.com", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	v, err := env.mgr.Validate(ctx, res.Plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.Valid || v.Status != model.StatusActive {
		t.Errorf("Validate = %+v, want valid active", v)
	}
}

func TestActivateNormalizesEmail(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Different case plus whitespace still binds to the same fingerprint.
	if err := env.mgr.Activate(ctx, res.Plaintext, "USER@EXAMPLE.COM ", ""); err != nil {
		t.Fatalf("Activate with denormalized email: %v", err)
	}

	// A different email is indistinguishable from a wrong key.
	err = env.mgr.Activate(ctx, res.Plaintext, "other@example.com", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Activate with wrong email = %v, want ErrNotFound", err)
	}
}

func TestActivateIdempotent(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.mgr.Activate(ctx, res.Plaintext, "user@example.com", "otp-1"); err != nil {
		t.Fatalf("first Activate: %v", err)
	}

	v1, err := env.mgr.Validate(ctx, res.Plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Capture the stamped activation time through the store.
	key, err := env.store.FindKeyByLookupAndEmailFingerprint(ctx,
		credential.LookupDigest(res.Plaintext), env.fp.Fingerprint("user@example.com"))
	if err != nil {
		t.Fatalf("FindKey: %v", err)
	}
	firstActivatedAt := key.ActivatedAt
	if firstActivatedAt == nil {
		t.Fatal("activated_at not stamped")
	}

	time.Sleep(10 * time.Millisecond)
	if err := env.mgr.Activate(ctx, res.Plaintext, "user@example.com", "otp-2"); err != nil {
		t.Fatalf("second Activate: %v", err)
	}

	key, _ = env.store.FindKeyByLookupAndEmailFingerprint(ctx,
		credential.LookupDigest(res.Plaintext), env.fp.Fingerprint("user@example.com"))
	if key.ActivatedAt == nil || !key.ActivatedAt.Equal(*firstActivatedAt) {
		t.Errorf("activated_at re-stamped by second Activate: %v vs %v", key.ActivatedAt, firstActivatedAt)
	}
	if key.Status != model.StatusActive {
		t.Errorf("status = %q after second Activate, want active", key.Status)
	}

	v2, err := env.mgr.Validate(ctx, res.Plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate after re-activate: %v", err)
	}
	if v1.Status != v2.Status {
		t.Errorf("status changed across idempotent re-activation: %q vs %q", v1.Status, v2.Status)
	}
}

func TestMutatedKeyNeverActivates(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Mutate each symbol in turn; every mutation must fail with a checksum
	// rejection (malformed) or a hash mismatch path, never success.
	plaintext := res.Plaintext
	for i := 0; i < len(plaintext); i++ {
		if plaintext[i] == '-' {
			continue
		}
		var replacement byte = 'A'
		if plaintext[i] == 'A' {
			replacement = 'B'
		}
		mutated := plaintext[:i] + string(replacement) + plaintext[i+1:]
		if mutated == plaintext {
			continue
		}
		err := env.mgr.Activate(ctx, mutated, "user@example.com", "")
		if err == nil {
			t.Fatalf("mutated key %q activated (pos %d)", mutated, i)
		}
		if !errors.Is(err, ErrMalformedKey) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrMismatch) {
			t.Fatalf("mutated key %q: unexpected error %v", mutated, err)
		}
	}
}

func TestValidateOutcomes(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	// Garbage and unknown keys both read as missing.
	v, err := env.mgr.Validate(ctx, "not-a-key", "user@example.com")
	if err != nil {
		t.Fatalf("Validate garbage: %v", err)
	}
	if v.Valid || v.Status != "missing" {
		t.Errorf("garbage key = %+v, want missing", v)
	}

	plaintext, _, _ := keycodec.Generate("TZY")
	v, err = env.mgr.Validate(ctx, plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate unknown: %v", err)
	}
	if v.Valid || v.Status != "missing" {
		t.Errorf("unknown key = %+v, want missing", v)
	}

	// An issued key validates with its real status and zero usage.
	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v, err = env.mgr.Validate(ctx, res.Plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate issued: %v", err)
	}
	if !v.Valid || v.Status != model.StatusIssued || v.ImagesUsed != 0 || v.ARViewsUsed != 0 {
		t.Errorf("issued key = %+v, want valid issued with zero usage", v)
	}
}

func TestExpiryDiscoveryPersists(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	plaintext := env.insertExpiredKey(t, "user@example.com", model.StatusIssued)

	v, err := env.mgr.Validate(ctx, plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid || v.Status != model.StatusExpired {
		t.Errorf("Validate = %+v, want expired", v)
	}

	// The transition persisted: a later Activate sees expired too.
	if err := env.mgr.Activate(ctx, plaintext, "user@example.com", ""); !errors.Is(err, ErrExpired) {
		t.Errorf("Activate after expiry discovery = %v, want ErrExpired", err)
	}

	key, err := env.store.FindKeyByLookupAndEmailFingerprint(ctx,
		credential.LookupDigest(plaintext), env.fp.Fingerprint("user@example.com"))
	if err != nil {
		t.Fatalf("FindKey: %v", err)
	}
	if key.Status != model.StatusExpired {
		t.Errorf("stored status = %q, want expired", key.Status)
	}
}

func TestRecordUsageRequiresActive(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Issued but never activated: no quota.
	if _, err := env.mgr.RecordUsage(ctx, res.Plaintext, "user@example.com", ActionImage); !errors.Is(err, ErrNotActive) {
		t.Fatalf("RecordUsage on issued key = %v, want ErrNotActive", err)
	}

	if err := env.mgr.Activate(ctx, res.Plaintext, "user@example.com", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	usage, err := env.mgr.RecordUsage(ctx, res.Plaintext, "user@example.com", ActionImage)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if usage.ImagesUsed != 1 || usage.ARViewsUsed != 0 {
		t.Errorf("usage = %+v, want 1 image / 0 ar", usage)
	}

	usage, err = env.mgr.RecordUsage(ctx, res.Plaintext, "user@example.com", ActionAR)
	if err != nil {
		t.Fatalf("RecordUsage ar: %v", err)
	}
	if usage.ImagesUsed != 1 || usage.ARViewsUsed != 1 {
		t.Errorf("usage = %+v, want 1 image / 1 ar", usage)
	}
}

func TestRecordUsageExpiredKey(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	plaintext := env.insertExpiredKey(t, "user@example.com", model.StatusActive)

	if _, err := env.mgr.RecordUsage(ctx, plaintext, "user@example.com", ActionImage); !errors.Is(err, ErrExpired) {
		t.Fatalf("RecordUsage on expired key = %v, want ErrExpired", err)
	}
}

// TestRecordUsageConcurrentCap is the end-to-end race-safety property: more
// concurrent requests than the cap allows yield exactly cap successes, the
// rest ErrCapReached, and a stored count of exactly cap.
func TestRecordUsageConcurrentCap(t *testing.T) {
	const (
		imageCap   = 5
		concurrent = 20
	)
	env := newTestEnv(t, Caps{ImagesPerDay: imageCap, ARViewsPerDay: 50})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.mgr.Activate(ctx, res.Plaintext, "user@example.com", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		successes   int
		capFailures int
	)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.mgr.RecordUsage(ctx, res.Plaintext, "user@example.com", ActionImage)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCapReached):
				capFailures++
			default:
				t.Errorf("unexpected RecordUsage error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != imageCap {
		t.Errorf("successes = %d, want %d", successes, imageCap)
	}
	if capFailures != concurrent-imageCap {
		t.Errorf("cap failures = %d, want %d", capFailures, concurrent-imageCap)
	}

	v, err := env.mgr.Validate(ctx, res.Plaintext, "user@example.com")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.ImagesUsed != imageCap {
		t.Errorf("stored images_used = %d, want exactly %d", v.ImagesUsed, imageCap)
	}
}

func TestAuditEntriesWritten(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 5, ARViewsPerDay: 5})
	ctx := context.Background()

	res, err := env.mgr.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.mgr.Activate(ctx, res.Plaintext, "user@example.com", "otp-abc"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	entries, err := env.store.ListAuditEntries(ctx, res.KeyID)
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].Outcome != model.OutcomeSuccess || entries[0].OTPRef != "otp-abc" {
		t.Errorf("entry = %+v, want success with otp-abc", entries[0])
	}
}

func TestNewManagerRejectsBadCaps(t *testing.T) {
	env := newTestEnv(t, Caps{ImagesPerDay: 1, ARViewsPerDay: 1})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewManager(Config{KeyPrefix: "TZY", Caps: Caps{ImagesPerDay: 0, ARViewsPerDay: 1}},
		env.store, env.fp, env.hasher, logger)
	if err == nil {
		t.Fatal("expected error for zero image cap")
	}
}

func TestParseAction(t *testing.T) {
	if a, ok := ParseAction("image"); !ok || a != ActionImage {
		t.Errorf("ParseAction(image) = (%v, %v)", a, ok)
	}
	if a, ok := ParseAction("ar"); !ok || a != ActionAR {
		t.Errorf("ParseAction(ar) = (%v, %v)", a, ok)
	}
	if _, ok := ParseAction("video"); ok {
		t.Error("ParseAction(video) accepted")
	}
}
