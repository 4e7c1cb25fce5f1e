// Package ledger implements the per-tenant append-only claim chain.
//
// Writes to one tenant are serialized by a per-tenant lease so the chain
// head is never raced; distinct tenants append fully in parallel. Reads
// never take the lease. A tenant whose chain fails an integrity scan is
// HALTED: appends are rejected until an operator reconciles the chain.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"attest/pkg/models"
)

// HaltedError is returned for appends to a tenant whose chain integrity
// is broken. Never auto-recovered: automatic repair could mask tampering.
type HaltedError struct {
	TenantID string
	Detail   string
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("ledger: tenant %s halted: %s", e.TenantID, e.Detail)
}

// AppendOptions carries the optional claim fields.
type AppendOptions struct {
	PayloadRef string
	SourceRefs []string
	LicenseTag string
}

type Ledger struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu         sync.Mutex
	halted     bool
	haltDetail string
}

func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		lanes: map[string]*lane{},
	}
}

func (l *Ledger) lane(tenantID string) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[tenantID]
	if !ok {
		ln = &lane{}
		l.lanes[tenantID] = ln
	}
	return ln
}

// Append canonicalizes and hashes payload, links it to the tenant tail and
// persists the new claim. The only mutator of a tenant chain.
func (l *Ledger) Append(ctx context.Context, tenantID string, payload json.RawMessage, opts AppendOptions) (models.Claim, error) {
	if tenantID == "" {
		return models.Claim{}, fmt.Errorf("ledger: tenant id required")
	}
	payloadHash, err := models.PayloadHash(payload)
	if err != nil {
		// Fail fast: a payload without a canonical form never reaches the chain.
		return models.Claim{}, err
	}
	ln := l.lane(tenantID)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.halted {
		return models.Claim{}, &HaltedError{TenantID: tenantID, Detail: ln.haltDetail}
	}
	tail, ok, err := l.store.Tail(ctx, tenantID)
	if err != nil {
		return models.Claim{}, fmt.Errorf("ledger: read tail: %w", err)
	}
	seq := int64(0)
	prev := models.ZeroHash
	if ok {
		seq = tail.Seq + 1
		prev = models.ClaimHash(tail)
	}
	c := models.Claim{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		PayloadHash: payloadHash,
		PayloadRef:  opts.PayloadRef,
		Payload:     payload,
		PrevHash:    prev,
		Seq:         seq,
		CreatedAt:   l.now(),
		SourceRefs:  opts.SourceRefs,
		LicenseTag:  opts.LicenseTag,
	}
	if err := l.store.Append(ctx, c); err != nil {
		return models.Claim{}, fmt.Errorf("ledger: append: %w", err)
	}
	return c, nil
}

// Get reads one claim. Never blocks on the write lease.
func (l *Ledger) Get(ctx context.Context, tenantID string, seq int64) (models.Claim, error) {
	return l.store.Get(ctx, tenantID, seq)
}

func (l *Ledger) GetByID(ctx context.Context, claimID string) (models.Claim, error) {
	return l.store.GetByID(ctx, claimID)
}

// Tail returns the newest claim for the tenant, if any.
func (l *Ledger) Tail(ctx context.Context, tenantID string) (models.Claim, bool, error) {
	return l.store.Tail(ctx, tenantID)
}

func (l *Ledger) Range(ctx context.Context, tenantID string, from, to int64) ([]models.Claim, error) {
	return l.store.Range(ctx, tenantID, from, to)
}

func (l *Ledger) Tenants(ctx context.Context) ([]string, error) {
	return l.store.Tenants(ctx)
}

// Halted reports whether the tenant is rejecting writes.
func (l *Ledger) Halted(tenantID string) (bool, string) {
	ln := l.lane(tenantID)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.halted, ln.haltDetail
}

func (l *Ledger) halt(tenantID, detail string) {
	ln := l.lane(tenantID)
	ln.mu.Lock()
	ln.halted = true
	ln.haltDetail = detail
	ln.mu.Unlock()
}

// Reconcile re-scans the tenant chain and lifts the halt only if the chain
// verifies end to end. Explicit operator action.
func (l *Ledger) Reconcile(ctx context.Context, tenantID string) error {
	if err := l.ScanTenant(ctx, tenantID); err != nil {
		return err
	}
	ln := l.lane(tenantID)
	ln.mu.Lock()
	ln.halted = false
	ln.haltDetail = ""
	ln.mu.Unlock()
	return nil
}

// ScanTenant verifies every prev_hash link and payload hash in the tenant
// chain. On the first broken link the tenant is halted and the error
// describes the offending seq.
func (l *Ledger) ScanTenant(ctx context.Context, tenantID string) error {
	tail, ok, err := l.store.Tail(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("ledger: scan tail: %w", err)
	}
	if !ok {
		return nil
	}
	claims, err := l.store.Range(ctx, tenantID, 0, tail.Seq)
	if err != nil {
		return fmt.Errorf("ledger: scan range: %w", err)
	}
	prev := models.ZeroHash
	for i, c := range claims {
		if c.Seq != int64(i) {
			detail := fmt.Sprintf("seq gap at %d (stored seq %d)", i, c.Seq)
			l.halt(tenantID, detail)
			return &HaltedError{TenantID: tenantID, Detail: detail}
		}
		if c.PrevHash != prev {
			detail := fmt.Sprintf("broken prev_hash link at seq %d", c.Seq)
			l.halt(tenantID, detail)
			return &HaltedError{TenantID: tenantID, Detail: detail}
		}
		if len(c.Payload) > 0 {
			ph, err := models.PayloadHash(c.Payload)
			if err != nil || ph != c.PayloadHash {
				detail := fmt.Sprintf("payload hash mismatch at seq %d", c.Seq)
				l.halt(tenantID, detail)
				return &HaltedError{TenantID: tenantID, Detail: detail}
			}
		}
		prev = models.ClaimHash(c)
	}
	return nil
}
