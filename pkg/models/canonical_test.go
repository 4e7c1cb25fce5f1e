package models

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestCanonicalizeJSONDeterminism(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":{"y":[1,2,3],"x":"v"},"c":true}`)
	b := json.RawMessage("{\n  \"c\": true,\n  \"a\": {\"x\": \"v\", \"y\": [1, 2, 3]},\n  \"b\": 2\n}")
	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ: %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":{"x":"v","y":[1,2,3]},"b":2,"c":true}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalizeJSONNumberNormalization(t *testing.T) {
	a, err := CanonicalizeJSON(json.RawMessage(`{"x":1.50}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalizeJSON(json.RawMessage(`{"x":1.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("equivalent decimals canonicalize differently: %s vs %s", a, b)
	}
	big, err := CanonicalizeJSON(json.RawMessage(`{"n":123456789012345678901234567890}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(big), "123456789012345678901234567890") {
		t.Fatalf("big integer lost precision: %s", big)
	}
}

func TestCanonicalizeRejectsNonRepresentable(t *testing.T) {
	if _, err := Canonicalize(map[string]float64{"x": math.NaN()}); err == nil {
		t.Fatal("expected error for NaN")
	} else {
		var ce *CanonicalizationError
		if !errors.As(err, &ce) {
			t.Fatalf("expected CanonicalizationError, got %T", err)
		}
	}
	if _, err := Canonicalize(map[string]interface{}{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error for channel value")
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
}

func TestPayloadHashStable(t *testing.T) {
	h1, err := PayloadHash(json.RawMessage(`{"k":"v","n":7}`))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := PayloadHash(json.RawMessage(`{ "n": 7, "k": "v" }`))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash differs for equivalent payloads: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 256-bit hex digest, got %d chars", len(h1))
	}
}

func TestClaimHashLinksChange(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Claim{
		ID:          "c1",
		TenantID:    "t1",
		PayloadHash: strings.Repeat("ab", 32),
		PrevHash:    ZeroHash,
		Seq:         0,
		CreatedAt:   now,
	}
	h1 := ClaimHash(c)
	if h1 != ClaimHash(c) {
		t.Fatal("claim hash not deterministic")
	}
	c2 := c
	c2.Seq = 1
	if ClaimHash(c2) == h1 {
		t.Fatal("seq change did not change claim hash")
	}
	c3 := c
	c3.PayloadHash = strings.Repeat("cd", 32)
	if ClaimHash(c3) == h1 {
		t.Fatal("payload change did not change claim hash")
	}
}
