package psi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"attest/pkg/models"
)

// DeriveKey produces the per-query commitment key from both parties'
// nonces. Neither party knows the key before the other's nonce exists,
// so commitments cannot be precomputed against a dictionary offline.
func DeriveKey(requestID string, nonceA, nonceB []byte) []byte {
	mac := hmac.New(sha256.New, []byte(requestID))
	mac.Write(nonceA)
	mac.Write(nonceB)
	return mac.Sum(nil)
}

// CommitElement is the keyed commitment of one private set element.
func CommitElement(key []byte, element string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(element))
	return hex.EncodeToString(mac.Sum(nil))
}

// CommitSet commits every element and returns the sorted, de-duplicated
// commitment list.
func CommitSet(key []byte, elements []string) []string {
	seen := make(map[string]struct{}, len(elements))
	out := make([]string, 0, len(elements))
	for _, el := range elements {
		c := CommitElement(key, el)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SetCommitment binds a whole committed set to a single digest. Order
// independent: the input is sorted before hashing.
func SetCommitment(commitments []string) string {
	sorted := make([]string, len(commitments))
	copy(sorted, commitments)
	sort.Strings(sorted)
	return models.HashBytes([]byte(strings.Join(sorted, "\n")))
}
