package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tattty/keygate/internal/credential"
	"github.com/tattty/keygate/internal/fingerprint"
	"github.com/tattty/keygate/internal/genlog"
	"github.com/tattty/keygate/internal/keycodec"
	"github.com/tattty/keygate/internal/license"
	"github.com/tattty/keygate/internal/service"
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

type handlerEnv struct {
	keys   *KeyHandler
	system *SystemHandler
	store  *store.Store
	auth   *service.AuthService
}

func newHandlerEnv(t *testing.T) *handlerEnv {
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

	mgr, err := license.NewManager(license.Config{
		KeyPrefix: "TZY",
		Caps:      license.Caps{ImagesPerDay: 2, ARViewsPerDay: 3},
	}, st, fp, hasher, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	authSvc := service.NewAuthService(st, "handler-test-secret", time.Hour)
	gl := genlog.New(st, nil, logger)

	return &handlerEnv{
		keys:   NewKeyHandler(mgr, gl),
		system: NewSystemHandler(st, authSvc),
		store:  st,
		auth:   authSvc,
	}
}

func postJSON(t *testing.T, h http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest("POST", "/", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

// issueKey runs the full issue flow and returns the plaintext key.
func (e *handlerEnv) issueKey(t *testing.T, email string) string {
	t.Helper()
	rr := postJSON(t, e.keys.Issue, map[string]string{"email": email})
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Key   string `json:"key"`
		KeyID string `json:"key_id"`
	}
	decodeBody(t, rr, &res)
	if res.Key == "" || res.KeyID == "" {
		t.Fatalf("issue returned empty fields: %+v", res)
	}
	return res.Key
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	env := newHandlerEnv(t)
	key := env.issueKey(t, "user@example.com")

	// Activate
	rr := postJSON(t, env.keys.Activate, map[string]string{
		"key": key, "email": "user@example.com", "otp_ref": "otp-1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", rr.Code, rr.Body.String())
	}

	// Validate
	rr = postJSON(t, env.keys.Validate, map[string]string{
		"key": key, "email": "user@example.com",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("validate status = %d", rr.Code)
	}
	var vres struct {
		Valid     bool   `json:"valid"`
		Status    string `json:"status"`
		ImagesCap int    `json:"images_cap"`
	}
	decodeBody(t, rr, &vres)
	if !vres.Valid || vres.Status != "active" {
		t.Errorf("validate = %+v, want valid active", vres)
	}
	if vres.ImagesCap != 2 {
		t.Errorf("images_cap = %d, want 2", vres.ImagesCap)
	}

	// Use
	rr = postJSON(t, env.keys.Use, map[string]string{
		"key": key, "email": "user@example.com", "action": "image", "model_id": "stable-image-core",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("use status = %d, body %s", rr.Code, rr.Body.String())
	}
	var ures struct {
		Recorded   bool `json:"recorded"`
		ImagesUsed int  `json:"images_used"`
	}
	decodeBody(t, rr, &ures)
	if !ures.Recorded || ures.ImagesUsed != 1 {
		t.Errorf("use = %+v, want recorded with 1 image", ures)
	}
}

func TestActivateUnknownAndWrongEmailLookAlike(t *testing.T) {
	env := newHandlerEnv(t)
	key := env.issueKey(t, "user@example.com")

	unknown, _, err := keycodec.Generate("TZY")
	if err != nil {
		t.Fatalf("generate decoy key: %v", err)
	}

	rrUnknown := postJSON(t, env.keys.Activate, map[string]string{
		"key": unknown, "email": "user@example.com",
	})
	rrWrongEmail := postJSON(t, env.keys.Activate, map[string]string{
		"key": key, "email": "other@example.com",
	})

	if rrUnknown.Code != http.StatusBadRequest || rrWrongEmail.Code != http.StatusBadRequest {
		t.Fatalf("statuses = %d, %d, want both 400", rrUnknown.Code, rrWrongEmail.Code)
	}
	// Identical bodies, so callers cannot probe which keys exist.
	if rrUnknown.Body.String() != rrWrongEmail.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", rrUnknown.Body.String(), rrWrongEmail.Body.String())
	}
}

func TestActivateMalformedKey(t *testing.T) {
	env := newHandlerEnv(t)

	rr := postJSON(t, env.keys.Activate, map[string]string{
		"key": "TZY-NOT-A-REAL-KEY", "email": "user@example.com",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestUseBeforeActivation(t *testing.T) {
	env := newHandlerEnv(t)
	key := env.issueKey(t, "user@example.com")

	rr := postJSON(t, env.keys.Use, map[string]string{
		"key": key, "email": "user@example.com", "action": "image",
	})
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for unactivated key", rr.Code)
	}
}

func TestUseCapReturns429(t *testing.T) {
	env := newHandlerEnv(t)
	key := env.issueKey(t, "user@example.com")

	rr := postJSON(t, env.keys.Activate, map[string]string{
		"key": key, "email": "user@example.com",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rr.Code)
	}

	body := map[string]string{"key": key, "email": "user@example.com", "action": "image"}
	for i := 0; i < 2; i++ {
		rr = postJSON(t, env.keys.Use, body)
		if rr.Code != http.StatusOK {
			t.Fatalf("use %d status = %d, body %s", i, rr.Code, rr.Body.String())
		}
	}

	rr = postJSON(t, env.keys.Use, body)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once cap is spent", rr.Code)
	}

	// The AR counter is independent of the image counter.
	rr = postJSON(t, env.keys.Use, map[string]string{
		"key": key, "email": "user@example.com", "action": "ar",
	})
	if rr.Code != http.StatusOK {
		t.Errorf("ar use status = %d, want 200", rr.Code)
	}
}

func TestUseRejectsBadAction(t *testing.T) {
	env := newHandlerEnv(t)
	key := env.issueKey(t, "user@example.com")

	rr := postJSON(t, env.keys.Use, map[string]string{
		"key": key, "email": "user@example.com", "action": "video",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown action", rr.Code)
	}
}

func TestIssueRequiresEmail(t *testing.T) {
	env := newHandlerEnv(t)

	rr := postJSON(t, env.keys.Issue, map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}
