// Package revocation tracks tombstoned claims, receipts and proofs and
// propagates invalidation across everything derived from them.
//
// The graph is event sourced: revocation events and derivation edges are
// append-only, and the revoked set is a derived view rebuilt from the log.
// Derivation edges form a DAG by construction (nothing derives from an
// artifact created after it), so propagation always converges.
package revocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"attest/pkg/models"
)

// maxHops bounds one propagation walk. Real derivation chains are short;
// hitting the bound indicates a corrupted edge index and fails the revoke.
const maxHops = 64

// Publisher fans a revocation out to other nodes/tenants. Optional.
type Publisher interface {
	Publish(ctx context.Context, rec models.RevocationRecord) error
}

type Graph struct {
	store EventStore
	bus   Publisher
	now   func() time.Time

	mu      sync.RWMutex
	revoked map[string]models.RevocationRecord
	// derived maps an artifact to the artifacts directly derived from it.
	derived map[string][]string
}

func NewGraph(store EventStore) *Graph {
	return &Graph{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		revoked: map[string]models.RevocationRecord{},
		derived: map[string][]string{},
	}
}

// SetPublisher attaches a cross-tenant propagation bus.
func (g *Graph) SetPublisher(p Publisher) { g.bus = p }

// Load rebuilds the derived view from the event log.
func (g *Graph) Load(ctx context.Context) error {
	events, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("revocation: load events: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked = map[string]models.RevocationRecord{}
	g.derived = map[string][]string{}
	for _, ev := range events {
		switch ev.Kind {
		case EventEdge:
			g.derived[ev.Parent] = append(g.derived[ev.Parent], ev.Child)
		case EventRevoke:
			g.revoked[ev.Record.TargetID] = ev.Record
		}
	}
	return nil
}

// AddEdge records that child was derived from parent (a receipt from its
// claim, an export bundle from its receipts, a cached PSI result from its
// proof).
func (g *Graph) AddEdge(ctx context.Context, child, parent string) error {
	if child == "" || parent == "" {
		return fmt.Errorf("revocation: edge endpoints required")
	}
	if err := g.store.Append(ctx, Event{Kind: EventEdge, Parent: parent, Child: child, At: g.now()}); err != nil {
		return fmt.Errorf("revocation: append edge: %w", err)
	}
	g.mu.Lock()
	g.derived[parent] = append(g.derived[parent], child)
	g.mu.Unlock()
	return nil
}

// LinkPSIProof registers the shared proof's derivation edges so a
// revocation by either tenant invalidates the other's cached results.
func (g *Graph) LinkPSIProof(ctx context.Context, proof models.PSIProof, sourceIDs ...string) error {
	for _, src := range sourceIDs {
		if err := g.AddEdge(ctx, proof.RequestID, src); err != nil {
			return err
		}
	}
	return nil
}

// Revoke tombstones targetID and, transitively, every artifact derived
// from it. Permanent: there is no un-revoke.
func (g *Graph) Revoke(ctx context.Context, targetID, reason string, scope []string, issuer string) (models.RevocationRecord, error) {
	if targetID == "" {
		return models.RevocationRecord{}, fmt.Errorf("revocation: target id required")
	}
	root := models.RevocationRecord{
		RevocationID: uuid.New().String(),
		TargetID:     targetID,
		TenantScope:  scope,
		Reason:       reason,
		IssuedAt:     g.now(),
		Issuer:       issuer,
	}
	if err := g.revokeLocal(ctx, root); err != nil {
		return models.RevocationRecord{}, err
	}
	if g.bus != nil {
		if err := g.bus.Publish(ctx, root); err != nil {
			// Propagation is eventually complete; local state is already
			// authoritative, so a bus failure is logged by the caller and
			// retried by the consumer group, not rolled back.
			return root, fmt.Errorf("revocation: publish: %w", err)
		}
	}
	return root, nil
}

// revokeLocal tombstones root.TargetID and its derivation closure without
// touching the bus.
func (g *Graph) revokeLocal(ctx context.Context, root models.RevocationRecord) error {
	targets, err := g.closure(root.TargetID)
	if err != nil {
		return err
	}
	records := make([]models.RevocationRecord, 0, len(targets))
	records = append(records, root)
	for _, derived := range targets[1:] {
		records = append(records, models.RevocationRecord{
			RevocationID: uuid.New().String(),
			TargetID:     derived,
			TenantScope:  root.TenantScope,
			Reason:       fmt.Sprintf("derived from revoked %s", root.TargetID),
			IssuedAt:     root.IssuedAt,
			Issuer:       root.Issuer,
		})
	}
	for _, rec := range records {
		if err := g.store.Append(ctx, Event{Kind: EventRevoke, Record: rec, At: rec.IssuedAt}); err != nil {
			return fmt.Errorf("revocation: append: %w", err)
		}
	}
	g.mu.Lock()
	for _, rec := range records {
		if _, already := g.revoked[rec.TargetID]; !already {
			g.revoked[rec.TargetID] = rec
		}
	}
	g.mu.Unlock()
	return nil
}

// Apply ingests a revocation that originated elsewhere (bus delivery) and
// revokes its local derivation closure. Never republished, so the bus
// cannot echo.
func (g *Graph) Apply(ctx context.Context, rec models.RevocationRecord) error {
	g.mu.RLock()
	_, already := g.revoked[rec.TargetID]
	g.mu.RUnlock()
	if already {
		return nil
	}
	return g.revokeLocal(ctx, rec)
}

// closure returns targetID plus every transitively derived artifact,
// breadth first, bounded by maxHops levels.
func (g *Graph) closure(targetID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]struct{}{targetID: {}}
	order := []string{targetID}
	frontier := []string{targetID}
	for hop := 0; len(frontier) > 0; hop++ {
		if hop >= maxHops {
			return nil, fmt.Errorf("revocation: propagation exceeded %d hops from %s", maxHops, targetID)
		}
		var next []string
		for _, id := range frontier {
			for _, child := range g.derived[id] {
				if _, ok := seen[child]; ok {
					continue
				}
				seen[child] = struct{}{}
				order = append(order, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return order, nil
}

// IsRevoked reports whether id carries a tombstone.
func (g *Graph) IsRevoked(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.revoked[id]
	return ok
}

// Record returns the tombstone for id, if any.
func (g *Graph) Record(id string) (models.RevocationRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.revoked[id]
	return rec, ok
}

// Records returns all tombstones visible to the given tenant scope. An
// empty tenant returns everything (operator view).
func (g *Graph) Records(tenant string) []models.RevocationRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.RevocationRecord, 0, len(g.revoked))
	for _, rec := range g.revoked {
		if tenant == "" || len(rec.TenantScope) == 0 || contains(rec.TenantScope, tenant) {
			out = append(out, rec)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
