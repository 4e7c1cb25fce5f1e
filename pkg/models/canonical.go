package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// CanonicalizationError marks a payload that has no stable canonical form.
// Such payloads are rejected before ledger append, never coerced.
type CanonicalizationError struct {
	Reason string
}

func (e *CanonicalizationError) Error() string {
	return "canonicalization: " + e.Reason
}

func canonErr(format string, args ...any) error {
	return &CanonicalizationError{Reason: fmt.Sprintf(format, args...)}
}

// CanonicalizeJSON returns an RFC 8785-compatible canonical form: object keys
// sorted, no insignificant whitespace, numbers normalized. Serialization
// variants of the same value always canonicalize to the same bytes.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, canonErr("decode: %v", err)
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Canonicalize marshals v then canonicalizes. Values encoding/json cannot
// represent (NaN, Inf, cycles, channels) surface as CanonicalizationError.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, canonErr("marshal: %v", err)
	}
	return CanonicalizeJSON(raw)
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		s, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return canonErr("unsupported json type %T", v)
	}
	return nil
}

// canonicalNumber normalizes a numeric token: integers via big.Int (exact,
// no bit-width loss), decimals via shortest float64 round-trip form.
func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return "", canonErr("invalid integer token %q", s)
		}
		return i.String(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", canonErr("invalid number token %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", canonErr("non-representable number %q", s)
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// HashBytes returns the hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// PayloadHash canonicalizes a claim payload and hashes it.
func PayloadHash(raw json.RawMessage) (string, error) {
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// ClaimHash computes the chain-link hash of a claim: the value the next
// entry's prev_hash must equal, and the Merkle leaf for the entry.
func ClaimHash(c Claim) string {
	binding := struct {
		ID          string   `json:"id"`
		TenantID    string   `json:"tenant_id"`
		PayloadHash string   `json:"payload_hash"`
		PrevHash    string   `json:"prev_hash"`
		Seq         int64    `json:"seq"`
		CreatedAt   string   `json:"created_at"`
		SourceRefs  []string `json:"source_refs,omitempty"`
		LicenseTag  string   `json:"license_tag,omitempty"`
	}{
		ID:          c.ID,
		TenantID:    c.TenantID,
		PayloadHash: c.PayloadHash,
		PrevHash:    c.PrevHash,
		Seq:         c.Seq,
		CreatedAt:   c.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		SourceRefs:  c.SourceRefs,
		LicenseTag:  c.LicenseTag,
	}
	canon, err := Canonicalize(binding)
	if err != nil {
		// The binding struct is always representable; keep the signature simple.
		panic(err)
	}
	return HashBytes(canon)
}
