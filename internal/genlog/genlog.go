// Package genlog appends generation analytics rows: one entry per tattoo
// image generation or AR render, with a cost derived from an explicit rate
// table.
//
// Logging is advisory. A failed analytics write is returned to the caller
// as an error, but callers are expected to log it and move on; it must
// never fail the user request that triggered it.
package genlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/tattty/keygate/internal/store"
)

// RateTable maps a model identifier to its per-generation cost in cents.
// An unknown model costs zero; that default is deliberate and visible here
// rather than buried in a silent catch-all.
type RateTable map[string]int

// DefaultRates covers the image models the generation pipeline currently
// calls. Deployments override this from configuration when pricing changes.
func DefaultRates() RateTable {
	return RateTable{
		"stable-diffusion-xl-1024-v1-0": 4,
		"stable-image-core":             3,
		"stable-image-ultra":            8,
	}
}

// CostCents returns the per-generation cost for a model identifier.
// Unknown models cost zero.
func (r RateTable) CostCents(modelID string) int {
	return r[modelID]
}

// Entry describes one generation request to record.
type Entry struct {
	KeyID      string // empty for anonymous/trial requests
	ActionType string // "image" or "ar"
	ModelID    string
	Duration   time.Duration
	Err        error // nil on success
}

// Logger appends generation entries to the store with rate-table costing.
type Logger struct {
	store  *store.Store
	rates  RateTable
	logger *slog.Logger
}

// New creates a Logger. A nil rates table falls back to DefaultRates.
func New(st *store.Store, rates RateTable, logger *slog.Logger) *Logger {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Logger{store: st, rates: rates, logger: logger}
}

// Record appends one generation entry. The returned error is advisory.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	row := &store.GenerationEntry{
		ActionType: e.ActionType,
		ModelID:    e.ModelID,
		CostCents:  l.rates.CostCents(e.ModelID),
		DurationMs: e.Duration.Milliseconds(),
		Success:    e.Err == nil,
	}
	if e.KeyID != "" {
		keyID := e.KeyID
		row.KeyID = &keyID
	}
	if e.Err != nil {
		row.ErrorMessage = e.Err.Error()
	}

	if err := l.store.InsertGenerationEntry(ctx, row); err != nil {
		l.logger.Error("generation log write failed",
			"action", e.ActionType, "model", e.ModelID, "error", err)
		return err
	}
	return nil
}
