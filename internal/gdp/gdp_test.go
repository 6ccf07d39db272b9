// Package gdp tests cover login splitting, project tracking, and the
// refuse-on-log-failure contract.
package gdp

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gridgate/internal/gateerr"
)

// TestSplitUsername extracts the project from a project login.
func TestSplitUsername(t *testing.T) {
	user, project, err := SplitUsername("alice@example.org@genomics")
	if err != nil {
		t.Fatalf("SplitUsername: %v", err)
	}
	if user != "alice@example.org" || project != "genomics" {
		t.Fatalf("unexpected split: %s / %s", user, project)
	}
	for _, bad := range []string{"alice@example.org", "alice", "@@", "alice@example.org@"} {
		if _, _, err := SplitUsername(bad); err == nil {
			t.Fatalf("expected %q rejected", bad)
		}
	}
}

// TestDataLoggerRecord appends one JSON line per access.
func TestDataLoggerRecord(t *testing.T) {
	dir := t.TempDir()
	dl, err := NewDataLogger(dir, nil)
	if err != nil {
		t.Fatalf("NewDataLogger: %v", err)
	}
	if err := dl.Record("alice@example.org", "genomics", ActionCreated, "/data/run1.csv", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := dl.Record("alice@example.org", "genomics", ActionMoved, "/data/run1.csv", "/data/run2.csv"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "genomics.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]any
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad log line: %v", err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 log lines, got %d", lines)
	}
}

// TestDataLoggerFailureIsForbidden maps unwritable logs to ErrForbidden.
func TestDataLoggerFailureIsForbidden(t *testing.T) {
	dir := t.TempDir()
	dl, err := NewDataLogger(dir, nil)
	if err != nil {
		t.Fatalf("NewDataLogger: %v", err)
	}
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o700)
	if os.Getuid() == 0 {
		t.Skip("running as root ignores directory permissions")
	}
	err = dl.Record("alice@example.org", "genomics", ActionAccessed, "/data/x", "")
	if !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

// TestProjectsSingleOpen allows one open project per user.
func TestProjectsSingleOpen(t *testing.T) {
	p := NewProjects(nil)
	if err := p.Open("alice@example.org", "genomics"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Reopening the same project is idempotent.
	if err := p.Open("alice@example.org", "genomics"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := p.Open("alice@example.org", "proteomics"); !errors.Is(err, gateerr.ErrSessionOpenFailed) {
		t.Fatalf("expected second project refused, got %v", err)
	}
	p.Close("alice@example.org")
	if err := p.Open("alice@example.org", "proteomics"); err != nil {
		t.Fatalf("Open after close: %v", err)
	}
}
