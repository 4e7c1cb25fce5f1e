// Package budget enforces per (tenant, purpose, window) consumption quotas
// that gate cross-tenant PSI queries.
//
// Admission is a strict atomic check-and-increment: no interleaving of
// concurrent admits can push consumed past the limit. Window resets are a
// matter of key scheduling, not deletion; every state change is journaled
// to the tenant's own ledger so budget history is retained for audit.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"attest/pkg/models"
)

// DefaultSoftWarnRatio triggers a warning log without denying.
const DefaultSoftWarnRatio = 0.8

type Decision struct {
	Admitted    bool      `json:"admitted"`
	Reason      string    `json:"reason,omitempty"` // BUDGET_EXCEEDED on denial
	Consumed    int64     `json:"consumed"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SoftWarn    bool      `json:"soft_warn,omitempty"`
}

// Accountant admits or denies budgeted operations.
type Accountant interface {
	// Admit atomically checks and charges cost against the current window.
	Admit(ctx context.Context, tenantID, purpose string, cost int64) (Decision, error)
	// Refund returns a charge after a timed-out or cancelled operation.
	// windowStart is the window the charge was admitted in (from the
	// admitting Decision); a refund landing after rollover must not
	// inflate the new window. Zero means the current window.
	Refund(ctx context.Context, tenantID, purpose string, cost int64, windowStart time.Time) error
	// Snapshot reports the current window state without charging.
	Snapshot(ctx context.Context, tenantID, purpose string) (models.PrivacyBudget, error)
}

// LimitFunc resolves the per-window limit for a (tenant, purpose) pair.
type LimitFunc func(tenantID, purpose string) int64

// StaticLimits builds a LimitFunc from explicit overrides plus a default.
func StaticLimits(defaultLimit int64, overrides map[string]int64) LimitFunc {
	return func(tenantID, purpose string) int64 {
		if v, ok := overrides[tenantID+"|"+purpose]; ok {
			return v
		}
		if v, ok := overrides[tenantID]; ok {
			return v
		}
		return defaultLimit
	}
}

// WindowFunc maps an instant to its budget window.
type WindowFunc func(now time.Time) (start, end time.Time)

// DailyWindow resets budgets at UTC midnight.
func DailyWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// Journal appends budget events to a tenant's ledger. Satisfied by
// *ledger.Ledger via JournalFunc.
type JournalFunc func(ctx context.Context, tenantID string, payload json.RawMessage) error

type journalEvent struct {
	Event       string `json:"event"`
	Purpose     string `json:"purpose"`
	Cost        int64  `json:"cost"`
	Consumed    int64  `json:"consumed"`
	Limit       int64  `json:"limit"`
	WindowStart string `json:"window_start"`
	Reason      string `json:"reason,omitempty"`
}

// journal writes one budget event. Journaling is self-auditing, not a
// gate: a journal failure is logged, the admission outcome stands.
func journal(ctx context.Context, fn JournalFunc, tenantID string, ev journalEvent) {
	if fn == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("budget: journal marshal: %v", err)
		return
	}
	if err := fn(ctx, tenantID, payload); err != nil {
		log.Printf("budget: journal append for %s: %v", tenantID, err)
	}
}

func softWarnLog(tenantID, purpose string, d Decision) {
	if d.SoftWarn {
		log.Printf("budget: tenant %s purpose %q at %d/%d for window starting %s",
			tenantID, purpose, d.Consumed, d.Limit, d.WindowStart.Format(time.RFC3339))
	}
}

func key(tenantID, purpose string, windowStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", tenantID, purpose, windowStart.Unix())
}
