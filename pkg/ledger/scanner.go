package ledger

import (
	"context"
	"log"
	"time"
)

// Scanner periodically verifies every tenant chain in the background.
// A failed scan halts the tenant; the fatal condition is surfaced to
// operators via logs and the halted gauge, never retried into silence.
type Scanner struct {
	Ledger   *Ledger
	Interval time.Duration
	// OnHalt is invoked once per detected corruption, for metrics/alerts.
	OnHalt func(tenantID string, err error)
}

func (s *Scanner) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanAll(ctx)
		}
	}
}

func (s *Scanner) scanAll(ctx context.Context) {
	tenants, err := s.Ledger.Tenants(ctx)
	if err != nil {
		log.Printf("ledger scanner: list tenants: %v", err)
		return
	}
	for _, tenant := range tenants {
		if halted, _ := s.Ledger.Halted(tenant); halted {
			continue
		}
		if err := s.Ledger.ScanTenant(ctx, tenant); err != nil {
			log.Printf("ledger scanner: tenant %s HALTED: %v", tenant, err)
			if s.OnHalt != nil {
				s.OnHalt(tenant, err)
			}
		}
	}
}
