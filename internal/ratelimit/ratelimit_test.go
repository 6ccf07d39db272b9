// Package ratelimit tests cover counter propagation, expiry, and refusal.
package ratelimit

import (
	"context"
	"testing"
	"time"
)

func testLimits(t *testing.T) (*Limits, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(nil)
	l.now = func() time.Time { return now }
	return l, &now
}

// TestRecordCoalescesRepeatedSecret keeps outer hits at one for a client
// retrying the same wrong credential.
func TestRecordCoalescesRepeatedSecret(t *testing.T) {
	l, _ := testLimits(t)
	var h Hits
	for i := 0; i < 4; i++ {
		h = l.Record("sftp", "10.0.0.1", "alice", false, "s1")
	}
	if h.User != 1 || h.Proto != 1 || h.Address != 1 {
		t.Fatalf("expected coalesced hits, got %+v", h)
	}
	if h.Secret != 4 {
		t.Fatalf("expected 4 secret hits, got %d", h.Secret)
	}
}

// TestRecordDistinctSecretsAccumulate counts each guessed credential once.
func TestRecordDistinctSecretsAccumulate(t *testing.T) {
	l, _ := testLimits(t)
	l.Record("sftp", "10.0.0.1", "alice", false, "s1")
	l.Record("sftp", "10.0.0.1", "alice", false, "s2")
	h := l.Record("sftp", "10.0.0.1", "alice", false, "s3")
	if h.User != 3 {
		t.Fatalf("expected 3 user hits, got %d", h.User)
	}
	h = l.Record("davs", "10.0.0.1", "bob", false, "s1")
	if h.Proto != 1 || h.Address != 4 {
		t.Fatalf("expected proto=1 addr=4, got %+v", h)
	}
}

// TestRecordSuccessClearsUser drops the user and rolls back aggregates.
func TestRecordSuccessClearsUser(t *testing.T) {
	l, _ := testLimits(t)
	l.Record("sftp", "10.0.0.1", "alice", false, "s1")
	l.Record("sftp", "10.0.0.1", "alice", false, "s2")
	l.Record("sftp", "10.0.0.1", "bob", false, "s1")
	h := l.Record("sftp", "10.0.0.1", "alice", true, "good")
	if h.User != 0 {
		t.Fatalf("expected user cleared, got %d", h.User)
	}
	if h.Proto != 1 || h.Address != 1 {
		t.Fatalf("expected bob's hit to survive, got %+v", h)
	}
}

// TestShouldRefuse kicks in at the user hit threshold.
func TestShouldRefuse(t *testing.T) {
	l, _ := testLimits(t)
	for i := 0; i < DefaultMaxUserHits; i++ {
		if l.ShouldRefuse("sftp", "10.0.0.1", "alice", DefaultMaxUserHits) {
			t.Fatalf("refused before threshold at attempt %d", i)
		}
		l.Record("sftp", "10.0.0.1", "alice", false, string(rune('a'+i)))
	}
	if !l.ShouldRefuse("sftp", "10.0.0.1", "alice", DefaultMaxUserHits) {
		t.Fatalf("expected refusal at threshold")
	}
	// Other users from the same address are not locked out.
	if l.ShouldRefuse("sftp", "10.0.0.1", "bob", DefaultMaxUserHits) {
		t.Fatalf("unrelated user refused")
	}
}

// TestExpire removes stale leaves and prunes empty aggregates.
func TestExpire(t *testing.T) {
	l, now := testLimits(t)
	l.Record("sftp", "10.0.0.1", "alice", false, "s1")
	l.Record("sftp", "10.0.0.1", "alice", false, "s1")
	l.Record("davs", "10.0.0.2", "bob", false, "s2")

	*now = now.Add(10 * time.Minute)
	l.Record("davs", "10.0.0.2", "bob", false, "s2")

	if n := l.Expire("*", 5*time.Minute); n != 1 {
		t.Fatalf("expected 1 expired leaf, got %d", n)
	}
	if l.ShouldRefuse("sftp", "10.0.0.1", "alice", 1) {
		t.Fatalf("expected alice's hits gone after expiry")
	}
	if !l.ShouldRefuse("davs", "10.0.0.2", "bob", 1) {
		t.Fatalf("expected bob's fresh hit to survive expiry")
	}

	// Protocol glob restricts what expires.
	*now = now.Add(10 * time.Minute)
	if n := l.Expire("sftp", 5*time.Minute); n != 0 {
		t.Fatalf("expected no sftp leaves left, got %d", n)
	}
	if n := l.Expire("*", 5*time.Minute); n != 1 {
		t.Fatalf("expected bob's leaf to expire, got %d", n)
	}
}

// TestPenalizeRespectsContext cuts the stall short on cancellation.
func TestPenalizeRespectsContext(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	stall := l.Penalize(ctx, "sftp", "10.0.0.1", "alice", 7, 5)
	if stall != 6*time.Second {
		t.Fatalf("expected 6s stall computed, got %v", stall)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled stall took too long")
	}
	if l.Penalize(ctx, "sftp", "10.0.0.1", "alice", 3, 5) != 0 {
		t.Fatalf("expected no stall below threshold")
	}
}
