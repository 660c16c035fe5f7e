package attacktree

import "testing"

func TestDeriveIDIsDeterministic(t *testing.T) {
	first, err := DeriveID("tm-1", "SQL Injection Attack")
	if err != nil {
		t.Fatalf("DeriveID failed: %v", err)
	}
	second, err := DeriveID("tm-1", "SQL Injection Attack")
	if err != nil {
		t.Fatalf("DeriveID failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical ids, got %q and %q", first, second)
	}
	if first != "tm-1_sql_injection_attack" {
		t.Fatalf("unexpected id %q", first)
	}
}

func TestDeriveIDStripsPunctuation(t *testing.T) {
	id, err := DeriveID("tm-1", "Cross-Site Scripting (XSS)")
	if err != nil {
		t.Fatalf("DeriveID failed: %v", err)
	}
	if id != "tm-1_cross-site_scripting_xss" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestDeriveIDRejectsBadInputs(t *testing.T) {
	cases := []struct {
		name       string
		parent     string
		threatName string
	}{
		{"empty parent", "", "SQL Injection"},
		{"whitespace parent", "   ", "SQL Injection"},
		{"empty name", "tm-1", ""},
		{"whitespace name", "tm-1", "   "},
		{"nothing survives normalization", "tm-1", "(((...)))"},
		{"non-ascii only", "tm-1", "攻撃"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DeriveID(tc.parent, tc.threatName); err == nil {
				t.Fatalf("expected error for parent=%q name=%q", tc.parent, tc.threatName)
			}
		})
	}
}
