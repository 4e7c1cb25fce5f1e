package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyRecord is one entry of the append-only key registry. Records are
// never mutated in place; rotation appends a new record and closes the
// validity window of the previous one.
type KeyRecord struct {
	Kid       string            `json:"kid"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	ValidFrom time.Time         `json:"valid_from"`
	ValidTo   time.Time         `json:"valid_to,omitempty"` // zero while open
}

// Valid reports whether the key accepts signatures issued at t. Multiple
// keys may be valid simultaneously during a rotation window.
func (k KeyRecord) Valid(at time.Time) bool {
	if at.Before(k.ValidFrom) {
		return false
	}
	return k.ValidTo.IsZero() || !at.After(k.ValidTo)
}

// Keyring holds signing keys and the public registry. Rotation is an
// append plus a current-kid swap under a short lock, so disruption stays
// well under the sub-second target.
type Keyring struct {
	mu      sync.RWMutex
	records []KeyRecord
	private map[string]ed25519.PrivateKey
	current string
	// Overlap keeps the previous key valid after rotation so in-flight
	// signatures verify.
	Overlap time.Duration
	now     func() time.Time
}

func NewKeyring() (*Keyring, error) {
	k := &Keyring{
		private: map[string]ed25519.PrivateKey{},
		Overlap: time.Hour,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if _, err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate generates a new key, appends its record and makes it current.
func (k *Keyring) Rotate() (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("keyring: generate: %w", err)
	}
	kid := uuid.New().String()
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != "" {
		for i := range k.records {
			if k.records[i].Kid == k.current && k.records[i].ValidTo.IsZero() {
				k.records[i].ValidTo = now.Add(k.Overlap)
			}
		}
	}
	k.records = append(k.records, KeyRecord{Kid: kid, PublicKey: pub, ValidFrom: now})
	k.private[kid] = priv
	k.current = kid
	return kid, nil
}

// Active returns the current signing key.
func (k *Keyring) Active() (string, ed25519.PrivateKey) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current, k.private[k.current]
}

// Lookup returns the registry record for kid.
func (k *Keyring) Lookup(kid string) (KeyRecord, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, rec := range k.records {
		if rec.Kid == kid {
			return rec, true
		}
	}
	return KeyRecord{}, false
}

// Records returns a copy of the registry, oldest first. The copy is what
// offline verifiers consume alongside a receipt bundle.
func (k *Keyring) Records() []KeyRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]KeyRecord, len(k.records))
	copy(out, k.records)
	return out
}
