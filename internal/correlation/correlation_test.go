package correlation

import (
	"strings"
	"testing"
)

func TestNewProducesValidIDs(t *testing.T) {
	for _, kind := range []Kind{KindDeployment, KindRollback, KindCAB, KindEvidence} {
		id := New(kind)
		if err := id.Validate(); err != nil {
			t.Fatalf("New(%s) produced invalid id %s: %v", kind, id, err)
		}
		if id.Kind() != kind {
			t.Fatalf("kind mismatch: got %s want %s", id.Kind(), kind)
		}
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"deploy",
		"deploy-",
		"deploy-not-a-uuid",
		"mystery-7f9c24e8-3b5a-4d1e-9f00-aaaaaaaaaaaa",
		"-7f9c24e8-3b5a-4d1e-9f00-aaaaaaaaaaaa",
	}
	for _, c := range cases {
		if err := ID(c).Validate(); err == nil {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestParse(t *testing.T) {
	id := New(KindDeployment)
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, id)
	}

	if _, err := Parse("junk"); err == nil {
		t.Fatalf("expected junk to fail")
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := map[ID]bool{}
	for i := 0; i < 1000; i++ {
		id := New(KindDeployment)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if !strings.HasPrefix(id.String(), "deploy-") {
			t.Fatalf("missing prefix: %s", id)
		}
	}
}
