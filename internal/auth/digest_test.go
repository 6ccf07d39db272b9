// Package auth digest tests cover scramble round trips and policy gating.
package auth

import (
	"strings"
	"testing"
)

const testSalt = "5F2B9C0D1E3A4758"

// TestDigestRoundTrip builds a record and verifies the same credentials.
func TestDigestRoundTrip(t *testing.T) {
	policy, err := ParsePolicy("medium")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	rec, err := MakeDigest("storage", "alice@example.org", "Hunter2!x", testSalt)
	if err != nil {
		t.Fatalf("MakeDigest: %v", err)
	}
	if !strings.HasPrefix(rec, "DIGEST$custom$CONFSALT$") {
		t.Fatalf("unexpected record format: %s", rec)
	}
	ok, err := CheckDigest("storage", "alice@example.org", "Hunter2!x", rec, testSalt, policy)
	if err != nil {
		t.Fatalf("CheckDigest: %v", err)
	}
	if !ok {
		t.Fatalf("expected digest to verify")
	}
	ok, err = CheckDigest("storage", "alice@example.org", "wrong", rec, testSalt, policy)
	if err != nil {
		t.Fatalf("CheckDigest(wrong): %v", err)
	}
	if ok {
		t.Fatalf("expected wrong password to fail")
	}
}

// TestDigestPolicyRejection rejects records whose embedded password is
// weaker than the site policy.
func TestDigestPolicyRejection(t *testing.T) {
	policy, err := ParsePolicy("strong")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	rec, err := MakeDigest("storage", "alice@example.org", "short", testSalt)
	if err != nil {
		t.Fatalf("MakeDigest: %v", err)
	}
	if _, err := CheckDigest("storage", "alice@example.org", "short", rec, testSalt, policy); err == nil {
		t.Fatalf("expected policy violation error")
	}
}

// TestDigestA1 matches an independently computed md5 of the triple.
func TestDigestA1(t *testing.T) {
	rec, err := MakeDigest("storage", "alice@example.org", "Hunter2!x", testSalt)
	if err != nil {
		t.Fatalf("MakeDigest: %v", err)
	}
	a1, err := DigestA1(rec, testSalt)
	if err != nil {
		t.Fatalf("DigestA1: %v", err)
	}
	if len(a1) != 32 {
		t.Fatalf("expected 32-char md5 hexdigest, got %q", a1)
	}
}

// TestParsePolicyCustom parses custom:N:C levels.
func TestParsePolicyCustom(t *testing.T) {
	p, err := ParsePolicy("custom:12:2")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.MinLength != 12 || p.MinClasses != 2 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if _, err := ParsePolicy("custom:x:9"); err == nil {
		t.Fatalf("expected invalid custom policy to be rejected")
	}
}
