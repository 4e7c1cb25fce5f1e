package policyreg

import "testing"

func TestRegisterAndCurrency(t *testing.T) {
	r := NewRegistry()

	if r.IsCurrent("ingest", "v1") {
		t.Fatalf("unregistered version reported current")
	}
	if _, ok := r.Current("ingest"); ok {
		t.Fatalf("unknown policy has a current version")
	}

	r.Register("ingest", "v1")
	if !r.IsCurrent("ingest", "v1") {
		t.Fatalf("v1 not current after registration")
	}

	r.Register("ingest", "v2")
	if r.IsCurrent("ingest", "v1") {
		t.Fatalf("v1 still current after v2 registered")
	}
	if !r.IsCurrent("ingest", "v2") {
		t.Fatalf("v2 not current")
	}

	// Superseded versions stay in the history for audit.
	if !r.Known("ingest", "v1") || !r.Known("ingest", "v2") {
		t.Fatalf("history lost a registered version")
	}
	hist := r.History("ingest")
	if len(hist) != 2 || hist[0].Version != "v1" || hist[1].Version != "v2" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestEmptyVersionNeverCurrent(t *testing.T) {
	r := NewRegistry()
	if r.IsCurrent("ghost", "") {
		t.Fatalf("empty version reported current for unknown policy")
	}
}

func TestPoliciesIndependent(t *testing.T) {
	r := NewRegistry()
	r.Register("ingest", "v1")
	r.Register("psi-exchange", "v7")

	if !r.IsCurrent("ingest", "v1") || !r.IsCurrent("psi-exchange", "v7") {
		t.Fatalf("cross-policy interference")
	}
	if r.IsCurrent("ingest", "v7") {
		t.Fatalf("version leaked across policies")
	}
}
