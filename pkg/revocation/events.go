package revocation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"attest/pkg/models"
)

// Event kinds in the revocation log.
const (
	EventEdge   = "EDGE"
	EventRevoke = "REVOKE"
)

// Event is one append-only entry of the revocation log.
type Event struct {
	Kind   string                  `json:"kind"`
	Parent string                  `json:"parent,omitempty"`
	Child  string                  `json:"child,omitempty"`
	Record models.RevocationRecord `json:"record,omitempty"`
	At     time.Time               `json:"at"`
}

// EventStore is the append-only revocation log.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	Load(ctx context.Context) ([]Event, error)
}

type MemoryEventStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventStore() *MemoryEventStore { return &MemoryEventStore{} }

func (m *MemoryEventStore) Append(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryEventStore) Load(ctx context.Context) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

type revocationDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresEventStore appends revocation events to revocation_events.
// Rows are insert-only; the current revoked view is always derived.
type PostgresEventStore struct {
	DB revocationDB
}

func (s *PostgresEventStore) Append(ctx context.Context, ev Event) error {
	body, err := models.Canonicalize(ev)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO revocation_events (kind, body, created_at) VALUES ($1,$2,$3)
	`, ev.Kind, body, ev.At)
	return err
}

func (s *PostgresEventStore) Load(ctx context.Context) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM revocation_events ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev Event
		if err := unmarshalEvent(body, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func unmarshalEvent(body []byte, into *Event) error {
	return json.Unmarshal(body, into)
}
