// Package batcher groups recent ledger entries into Merkle batches.
//
// A tenant's open range is sealed when it reaches MaxLeaves entries or
// MaxInterval has elapsed since the previous seal, whichever comes first.
// The seal boundary is a snapshot of the tail observed at seal time; the
// batcher may race new appends but never chases a moving target.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"attest/pkg/ledger"
	"attest/pkg/merkle"
	"attest/pkg/models"
)

type Batcher struct {
	Ledger      *ledger.Ledger
	Store       BatchStore
	MaxLeaves   int
	MaxInterval time.Duration
	Anchor      *AnchorWorker // optional
	OnSeal      func(b models.MerkleBatch)

	mu         sync.Mutex
	pendingIDs map[string]string
	lastSeal   map[string]time.Time
	lanes      map[string]*sync.Mutex
	now        func() time.Time
}

func New(l *ledger.Ledger, store BatchStore) *Batcher {
	return &Batcher{
		Ledger:      l,
		Store:       store,
		MaxLeaves:   256,
		MaxInterval: 10 * time.Second,
		pendingIDs:  map[string]string{},
		lastSeal:    map[string]time.Time{},
		lanes:       map[string]*sync.Mutex{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// sealLane returns the tenant's seal mutex. Sealing holds it across the
// whole read-compute-put sequence so two triggers (ticker and operator
// endpoint) can never seal the same range under different batch ids.
func (b *Batcher) sealLane(tenantID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lane, ok := b.lanes[tenantID]
	if !ok {
		lane = &sync.Mutex{}
		b.lanes[tenantID] = lane
	}
	return lane
}

// WithSealLane runs fn while holding the tenant's seal lane. Receipt
// issuance uses it to snapshot the open range and the pending batch id
// without a seal landing in between.
func (b *Batcher) WithSealLane(tenantID string, fn func() error) error {
	lane := b.sealLane(tenantID)
	lane.Lock()
	defer lane.Unlock()
	return fn()
}

// PendingBatchID returns the stable batch id for the tenant's open range,
// allocating one if needed. Receipts issued before the range seals carry
// this id, so sealing never reissues them.
func (b *Batcher) PendingBatchID(tenantID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.pendingIDs[tenantID]
	if !ok {
		id = uuid.New().String()
		b.pendingIDs[tenantID] = id
	}
	return id
}

// SealTenant seals the tenant's open range up to the currently observed
// tail. Idempotent: with no unsealed entries it returns the latest sealed
// batch unchanged.
func (b *Batcher) SealTenant(ctx context.Context, tenantID string) (models.MerkleBatch, error) {
	lane := b.sealLane(tenantID)
	lane.Lock()
	defer lane.Unlock()

	last, haveLast, err := b.Store.LastSealed(ctx, tenantID)
	if err != nil {
		return models.MerkleBatch{}, fmt.Errorf("batcher: last sealed: %w", err)
	}
	firstSeq := int64(0)
	if haveLast {
		firstSeq = last.LastSeq + 1
	}
	tail, haveTail, err := b.Ledger.Tail(ctx, tenantID)
	if err != nil {
		return models.MerkleBatch{}, fmt.Errorf("batcher: tail: %w", err)
	}
	if !haveTail || tail.Seq < firstSeq {
		if haveLast {
			return last, nil
		}
		return models.MerkleBatch{}, ErrBatchNotFound
	}
	lastSeq := tail.Seq

	claims, err := b.Ledger.Range(ctx, tenantID, firstSeq, lastSeq)
	if err != nil {
		return models.MerkleBatch{}, fmt.Errorf("batcher: range: %w", err)
	}
	leaves := make([]string, len(claims))
	for i, c := range claims {
		leaves[i] = models.ClaimHash(c)
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return models.MerkleBatch{}, fmt.Errorf("batcher: root: %w", err)
	}

	b.mu.Lock()
	batchID := b.pendingIDs[tenantID]
	if batchID == "" {
		batchID = uuid.New().String()
	}
	delete(b.pendingIDs, tenantID)
	b.lastSeal[tenantID] = b.now()
	b.mu.Unlock()

	batch := models.MerkleBatch{
		BatchID:    batchID,
		TenantID:   tenantID,
		LeafHashes: leaves,
		RootHash:   root,
		FirstSeq:   firstSeq,
		LastSeq:    lastSeq,
		CreatedAt:  b.now(),
	}
	if err := b.Store.Put(ctx, batch); err != nil {
		// Another node sealed this range first. The store's uniqueness
		// constraint is the cross-process backstop behind the seal lane;
		// the existing batch is the authoritative one.
		if errors.Is(err, ErrRangeSealed) {
			existing, gerr := b.Store.ForSeq(ctx, tenantID, firstSeq)
			if gerr != nil {
				return models.MerkleBatch{}, fmt.Errorf("batcher: sealed elsewhere, lookup: %w", gerr)
			}
			return existing, nil
		}
		return models.MerkleBatch{}, fmt.Errorf("batcher: put: %w", err)
	}
	if b.OnSeal != nil {
		b.OnSeal(batch)
	}
	// Local seal is authoritative; external anchoring is best effort and
	// never blocks here.
	if b.Anchor != nil {
		b.Anchor.Enqueue(batch)
	}
	return batch, nil
}

// shouldSeal applies the size/time trigger for one tenant.
func (b *Batcher) shouldSeal(ctx context.Context, tenantID string) bool {
	last, haveLast, err := b.Store.LastSealed(ctx, tenantID)
	if err != nil {
		return false
	}
	firstSeq := int64(0)
	if haveLast {
		firstSeq = last.LastSeq + 1
	}
	tail, haveTail, err := b.Ledger.Tail(ctx, tenantID)
	if err != nil || !haveTail || tail.Seq < firstSeq {
		return false
	}
	pending := tail.Seq - firstSeq + 1
	if b.MaxLeaves > 0 && pending >= int64(b.MaxLeaves) {
		return true
	}
	b.mu.Lock()
	lastAt, ok := b.lastSeal[tenantID]
	b.mu.Unlock()
	if !ok {
		// First observation of this tenant starts the clock.
		b.mu.Lock()
		b.lastSeal[tenantID] = b.now()
		b.mu.Unlock()
		return false
	}
	return b.MaxInterval > 0 && b.now().Sub(lastAt) >= b.MaxInterval
}

// Run drives the periodic per-tenant seal check until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	tick := b.MaxInterval / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sealDue(ctx)
		}
	}
}

func (b *Batcher) sealDue(ctx context.Context) {
	tenants, err := b.Ledger.Tenants(ctx)
	if err != nil {
		log.Printf("batcher: list tenants: %v", err)
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, tenant := range tenants {
		tenant := tenant
		if !b.shouldSeal(ctx, tenant) {
			continue
		}
		g.Go(func() error {
			if _, err := b.SealTenant(gctx, tenant); err != nil {
				log.Printf("batcher: seal tenant %s: %v", tenant, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
