// Package validate tests cover login identifier grammar checks.
package validate

import (
	"strings"
	"testing"
)

// TestUsernameGrammar accepts email-style ids and rejects junk.
func TestUsernameGrammar(t *testing.T) {
	valid := []string{"alice@example.org", "bob.smith_2@lab.example.org", "a1b2c3"}
	for _, s := range valid {
		if err := Username(s); err != nil {
			t.Fatalf("Username(%q): %v", s, err)
		}
	}
	invalid := []string{"", "ab", "../etc/passwd", "alice bob", "-leading",
		strings.Repeat("x", 300)}
	for _, s := range invalid {
		if err := Username(s); err == nil {
			t.Fatalf("Username(%q): expected rejection", s)
		}
	}
}

// TestCrackUsername flags well-known probe accounts only.
func TestCrackUsername(t *testing.T) {
	for _, s := range []string{"root", "admin", "test42", "12345", "www-data"} {
		if !CrackUsername(s) {
			t.Fatalf("expected %q flagged as crack attempt", s)
		}
	}
	if CrackUsername("alice@example.org") {
		t.Fatalf("regular user flagged as crack attempt")
	}
}

// TestPossibleJobID requires the exact session id shape.
func TestPossibleJobID(t *testing.T) {
	if PossibleJobID("abc") {
		t.Fatalf("short string accepted as job id")
	}
	if !PossibleJobID(strings.Repeat("ab12", 16)) {
		t.Fatalf("valid job id rejected")
	}
}
