package budget

import (
	"context"
	"sync"
	"time"

	"attest/pkg/models"
)

// MemoryAccountant is the in-process accountant. Closed windows are kept,
// never deleted, so Snapshot history survives resets.
type MemoryAccountant struct {
	Limits   LimitFunc
	Window   WindowFunc
	Journal  JournalFunc
	WarnAt   float64
	now      func() time.Time
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemoryAccountant(limits LimitFunc) *MemoryAccountant {
	return &MemoryAccountant{
		Limits:   limits,
		Window:   DailyWindow,
		WarnAt:   DefaultSoftWarnRatio,
		now:      func() time.Time { return time.Now().UTC() },
		counters: map[string]int64{},
	}
}

func (m *MemoryAccountant) Admit(ctx context.Context, tenantID, purpose string, cost int64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	start, end := m.Window(m.now())
	limit := m.Limits(tenantID, purpose)
	k := key(tenantID, purpose, start)

	m.mu.Lock()
	current := m.counters[k]
	admitted := current+cost <= limit
	if admitted {
		current += cost
		m.counters[k] = current
	}
	m.mu.Unlock()

	d := Decision{
		Admitted:    admitted,
		Consumed:    current,
		Limit:       limit,
		Remaining:   max64(limit-current, 0),
		WindowStart: start,
		WindowEnd:   end,
	}
	if !admitted {
		d.Reason = models.ReasonBudgetExceeded
		journal(ctx, m.Journal, tenantID, journalEvent{
			Event: "budget.denied", Purpose: purpose, Cost: cost,
			Consumed: current, Limit: limit, WindowStart: start.Format(time.RFC3339),
			Reason: models.ReasonBudgetExceeded,
		})
		return d, nil
	}
	d.SoftWarn = m.WarnAt > 0 && float64(current) >= m.WarnAt*float64(limit)
	softWarnLog(tenantID, purpose, d)
	journal(ctx, m.Journal, tenantID, journalEvent{
		Event: "budget.admitted", Purpose: purpose, Cost: cost,
		Consumed: current, Limit: limit, WindowStart: start.Format(time.RFC3339),
	})
	return d, nil
}

func (m *MemoryAccountant) Refund(ctx context.Context, tenantID, purpose string, cost int64, windowStart time.Time) error {
	if cost <= 0 {
		return nil
	}
	start := windowStart
	if start.IsZero() {
		start, _ = m.Window(m.now())
	}
	k := key(tenantID, purpose, start)
	m.mu.Lock()
	current := m.counters[k] - cost
	if current < 0 {
		current = 0
	}
	m.counters[k] = current
	m.mu.Unlock()
	journal(ctx, m.Journal, tenantID, journalEvent{
		Event: "budget.refunded", Purpose: purpose, Cost: cost,
		Consumed: current, Limit: m.Limits(tenantID, purpose), WindowStart: start.Format(time.RFC3339),
	})
	return nil
}

func (m *MemoryAccountant) Snapshot(ctx context.Context, tenantID, purpose string) (models.PrivacyBudget, error) {
	start, end := m.Window(m.now())
	m.mu.Lock()
	current := m.counters[key(tenantID, purpose, start)]
	m.mu.Unlock()
	return models.PrivacyBudget{
		TenantID:    tenantID,
		Purpose:     purpose,
		WindowStart: start,
		WindowEnd:   end,
		Limit:       m.Limits(tenantID, purpose),
		Consumed:    current,
	}, nil
}

// SetClock overrides the accountant's clock. Test hook.
func (m *MemoryAccountant) SetClock(now func() time.Time) { m.now = now }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
