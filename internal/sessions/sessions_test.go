// Package sessions tests cover open/close bookkeeping and expiry.
package sessions

import (
	"testing"
	"time"
)

func testTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := New(nil)
	tr.now = func() time.Time { return now }
	return tr, &now
}

// TestOpenCountClose exercises the basic session lifecycle.
func TestOpenCountClose(t *testing.T) {
	tr, _ := testTracker(t)
	s := tr.Open("alice", "sftp", "10.0.0.1", 51000, "", false)
	if s.ID != "10.0.0.1:51000" {
		t.Fatalf("expected addr:port session ID, got %s", s.ID)
	}
	tr.Open("alice", "sftp", "10.0.0.1", 51001, "", false)
	tr.Open("alice", "davs", "10.0.0.1", 51002, "tls-token", false)

	if n := tr.Count("alice", "sftp"); n != 2 {
		t.Fatalf("expected 2 sftp sessions, got %d", n)
	}
	if n := tr.Count("alice", "davs"); n != 1 {
		t.Fatalf("expected 1 davs session, got %d", n)
	}
	if !tr.Close("alice", "sftp", s.ID) {
		t.Fatalf("expected close to succeed")
	}
	if tr.Close("alice", "sftp", s.ID) {
		t.Fatalf("expected second close to report untracked")
	}
	if n := tr.Count("alice", "sftp"); n != 1 {
		t.Fatalf("expected 1 sftp session left, got %d", n)
	}
}

// TestAuthorize flips the pre-authorization flag on a live session only.
func TestAuthorize(t *testing.T) {
	tr, _ := testTracker(t)
	tr.Open("alice", "davs", "10.0.0.1", 51002, "tok", false)
	if tr.Authorized("alice", "davs", "tok") {
		t.Fatalf("session authorized before Authorize")
	}
	if !tr.Authorize("alice", "davs", "tok") {
		t.Fatalf("Authorize on live session failed")
	}
	if !tr.Authorized("alice", "davs", "tok") {
		t.Fatalf("expected session authorized")
	}
	if tr.Authorize("alice", "davs", "missing") {
		t.Fatalf("Authorize on missing session succeeded")
	}
}

// TestCloseExpired removes only sessions idle past the timeout.
func TestCloseExpired(t *testing.T) {
	tr, now := testTracker(t)
	tr.Open("alice", "sftp", "10.0.0.1", 51000, "", false)
	*now = now.Add(20 * time.Minute)
	tr.Open("alice", "sftp", "10.0.0.1", 51001, "", false)
	tr.Open("bob", "sftp", "10.0.0.2", 51002, "", false)

	closed := tr.CloseExpired("sftp", "", 15*time.Minute)
	if len(closed) != 1 || closed[0].Port != 51000 {
		t.Fatalf("expected only the idle session closed, got %+v", closed)
	}
	if n := tr.Count("alice", "sftp"); n != 1 {
		t.Fatalf("expected 1 session left for alice, got %d", n)
	}

	// Username filter restricts the sweep.
	*now = now.Add(20 * time.Minute)
	closed = tr.CloseExpired("sftp", "bob", 15*time.Minute)
	if len(closed) != 1 || closed[0].Username != "bob" {
		t.Fatalf("expected bob's session closed, got %+v", closed)
	}
	if n := tr.Count("alice", "sftp"); n != 1 {
		t.Fatalf("alice's session swept by bob filter")
	}
}
