package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/tattty/keygate/internal/genlog"
	"github.com/tattty/keygate/internal/license"
)

// KeyHandler exposes the license key lifecycle over HTTP: issuance for
// operators, and activation, validation, and usage recording for consumers.
type KeyHandler struct {
	manager *license.Manager
	genlog  *genlog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(manager *license.Manager, gl *genlog.Logger) *KeyHandler {
	return &KeyHandler{manager: manager, genlog: gl}
}

// ---------------------------------------------------------------------------
// Issuance (operator-only)
// ---------------------------------------------------------------------------

type issueRequest struct {
	Email string `json:"email"`
}

type issueResponse struct {
	Key   string `json:"key"`
	KeyID string `json:"key_id"`
}

// Issue generates a new license key bound to an email. The plaintext key is
// returned exactly once and never stored.
// POST /api/v1/key/issue
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	res, err := h.manager.Issue(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue key")
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		Key:   res.Plaintext,
		KeyID: res.KeyID,
	})
}

// ---------------------------------------------------------------------------
// Activation
// ---------------------------------------------------------------------------

type activateRequest struct {
	Key    string `json:"key"`
	Email  string `json:"email"`
	OTPRef string `json:"otp_ref"`
}

// Activate transitions an issued key to active after the caller has proven
// control of the email. A key that does not exist and a key bound to a
// different email produce the same response, so the endpoint cannot be used
// to probe which keys exist.
// POST /api/v1/key/activate
func (h *KeyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "Key and email are required")
		return
	}

	err := h.manager.Activate(r.Context(), req.Key, req.Email, req.OTPRef)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"activated": true,
		})
	case errors.Is(err, license.ErrMalformedKey):
		writeError(w, http.StatusBadRequest, "Key format is invalid")
	case errors.Is(err, license.ErrNotFound), errors.Is(err, license.ErrMismatch):
		writeError(w, http.StatusBadRequest, "Key and email do not match")
	case errors.Is(err, license.ErrExpired):
		writeError(w, http.StatusForbidden, "Key has expired")
	default:
		writeError(w, http.StatusInternalServerError, "Activation failed")
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

type validateRequest struct {
	Key   string `json:"key"`
	Email string `json:"email"`
}

type validateResponse struct {
	Valid       bool   `json:"valid"`
	Status      string `json:"status"`
	ImagesUsed  int    `json:"images_used"`
	ARViewsUsed int    `json:"ar_views_used"`
	ImagesCap   int    `json:"images_cap"`
	ARViewsCap  int    `json:"ar_views_cap"`
}

// Validate reports whether a (key, email) pair is usable and how much of
// today's quota it has consumed. Always returns 200; the outcome is in the
// body so clients get one uniform decode path.
// POST /api/v1/key/validate
func (h *KeyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "Key and email are required")
		return
	}

	res, err := h.manager.Validate(r.Context(), req.Key, req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Validation failed")
		return
	}

	caps := h.manager.Caps()
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:       res.Valid,
		Status:      res.Status,
		ImagesUsed:  res.ImagesUsed,
		ARViewsUsed: res.ARViewsUsed,
		ImagesCap:   caps.ImagesPerDay,
		ARViewsCap:  caps.ARViewsPerDay,
	})
}

// ---------------------------------------------------------------------------
// Usage recording
// ---------------------------------------------------------------------------

type useRequest struct {
	Key        string `json:"key"`
	Email      string `json:"email"`
	Action     string `json:"action"`
	ModelID    string `json:"model_id"`
	DurationMs int64  `json:"duration_ms"`
}

type useResponse struct {
	Recorded    bool `json:"recorded"`
	ImagesUsed  int  `json:"images_used"`
	ARViewsUsed int  `json:"ar_views_used"`
	ImagesCap   int  `json:"images_cap"`
	ARViewsCap  int  `json:"ar_views_cap"`
}

// Use consumes one unit of the daily quota for the given action. Returns 429
// when the day's cap is already spent; the cap check and the increment are a
// single atomic operation, so concurrent calls cannot overdraw.
// POST /api/v1/key/use
func (h *KeyHandler) Use(w http.ResponseWriter, r *http.Request) {
	var req useRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "Key and email are required")
		return
	}
	action, ok := license.ParseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "Action must be \"image\" or \"ar\"")
		return
	}

	res, err := h.manager.RecordUsage(r.Context(), req.Key, req.Email, action)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrMalformedKey):
			writeError(w, http.StatusBadRequest, "Key format is invalid")
		case errors.Is(err, license.ErrNotFound), errors.Is(err, license.ErrMismatch):
			writeError(w, http.StatusBadRequest, "Key and email do not match")
		case errors.Is(err, license.ErrExpired):
			writeError(w, http.StatusForbidden, "Key has expired")
		case errors.Is(err, license.ErrNotActive):
			writeError(w, http.StatusForbidden, "Key is not activated")
		case errors.Is(err, license.ErrCapReached):
			writeError(w, http.StatusTooManyRequests, "Daily cap reached for this action")
		default:
			writeError(w, http.StatusInternalServerError, "Usage recording failed")
		}
		return
	}

	if h.genlog != nil && req.ModelID != "" {
		h.genlog.Record(r.Context(), genlog.Entry{
			KeyID:      res.KeyID,
			ActionType: string(action),
			ModelID:    req.ModelID,
			Duration:   time.Duration(req.DurationMs) * time.Millisecond,
		})
	}

	caps := h.manager.Caps()
	writeJSON(w, http.StatusOK, useResponse{
		Recorded:    true,
		ImagesUsed:  res.ImagesUsed,
		ARViewsUsed: res.ARViewsUsed,
		ImagesCap:   caps.ImagesPerDay,
		ARViewsCap:  caps.ARViewsPerDay,
	})
}
