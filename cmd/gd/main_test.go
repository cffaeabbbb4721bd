package main

import "testing"

func TestParseStepFlag(t *testing.T) {
	spec, err := parseStepFlag("Catering:chef@example.com:48h:2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Name != "Catering" || spec.VendorEmail != "chef@example.com" || spec.TimeLimit != "48h" || spec.Sequence != 2 {
		t.Fatalf("spec = %+v", spec)
	}

	spec, err = parseStepFlag("Flowers:florist@example.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.TimeLimit != "" || spec.Sequence != 0 {
		t.Fatalf("spec = %+v", spec)
	}

	for _, bad := range []string{"only-name", "a:b:c:d:e", "a:b:1h:x"} {
		if _, err := parseStepFlag(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
