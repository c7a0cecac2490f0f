package record

import "testing"

func TestFinalIDVariants(t *testing.T) {
	reg := Registered(42)
	if id, ok := reg.Canonical(); !ok || id != 42 {
		t.Fatalf("expected canonical 42, got %d %v", id, ok)
	}
	if _, ok := reg.Identifier(); ok {
		t.Fatal("registered id must not expose a raw identifier")
	}
	if reg.String() != "42" {
		t.Fatalf("unexpected string %q", reg.String())
	}

	unreg := Unregistered("AB1234567")
	if _, ok := unreg.Canonical(); ok {
		t.Fatal("unregistered id must not expose a canonical id")
	}
	if raw, ok := unreg.Identifier(); !ok || raw != "AB1234567" {
		t.Fatalf("unexpected identifier %q %v", raw, ok)
	}
	if !reg.Less(unreg) || unreg.Less(reg) {
		t.Fatal("registered ids should sort before unregistered identifiers")
	}
	if Registered(7) != Registered(7) {
		t.Fatal("FinalID must be comparable")
	}
}

func TestIsAnimalName(t *testing.T) {
	for _, name := range []string{"", "~", "Unspecified", "  Unspecified "} {
		if IsAnimalName(name) {
			t.Fatalf("%q should be treated as human", name)
		}
	}
	if !IsAnimalName("REX") {
		t.Fatal("named animal should be veterinary")
	}
}

func TestFullName(t *testing.T) {
	if got := FullName(" jane ", "doe"); got != "JANE DOE" {
		t.Fatalf("unexpected full name %q", got)
	}
	if got := FullName("", "doe"); got != "DOE" {
		t.Fatalf("unexpected last-only name %q", got)
	}
}
