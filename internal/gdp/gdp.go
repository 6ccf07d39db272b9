// Package gdp implements the data protection mode used by regulated
// sites. Logins name a single project, the filesystem view is confined
// to that project folder, and every data access is appended to a
// per-project log before the operation proceeds. When the log cannot be
// written the operation is refused, so the trail is complete by
// construction.
package gdp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gridgate/internal/gateerr"
)

// Data access actions recorded in the project log.
const (
	ActionAccessed = "accessed"
	ActionCreated  = "created"
	ActionModified = "modified"
	ActionDeleted  = "deleted"
	ActionMoved    = "moved"
)

// SplitUsername separates a project login name into the base user and
// the project. Base usernames are mail addresses, so the project is the
// segment after the second "@". A name without a project part fails.
func SplitUsername(login string) (user, project string, err error) {
	parts := strings.Split(login, "@")
	if len(parts) < 3 || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("%w: login %q names no project", gateerr.ErrAuthFailed, login)
	}
	project = parts[len(parts)-1]
	user = strings.Join(parts[:len(parts)-1], "@")
	if user == "" {
		return "", "", fmt.Errorf("%w: login %q names no user", gateerr.ErrAuthFailed, login)
	}
	return user, project, nil
}

// ProjectHome returns the chroot for a project login: the project folder
// inside the base user's home.
func ProjectHome(baseHome, project string) string {
	return filepath.Join(baseHome, project)
}

// entry is one line in the project data log.
type entry struct {
	Time    time.Time `json:"time"`
	User    string    `json:"user"`
	Project string    `json:"project"`
	Action  string    `json:"action"`
	Path    string    `json:"path"`
	Target  string    `json:"target,omitempty"`
}

// DataLogger appends access records to per-project log files under dir.
// Safe for concurrent use.
type DataLogger struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
	now func() time.Time
}

// NewDataLogger creates the log directory if missing.
func NewDataLogger(dir string, lg *slog.Logger) (*DataLogger, error) {
	if lg == nil {
		lg = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data log dir: %w", err)
	}
	return &DataLogger{dir: dir, log: lg, now: time.Now}, nil
}

// Record appends one access line to the project log. target is only set
// for moves. A write failure is returned as ErrForbidden: callers must
// refuse the data operation when its record cannot be kept.
func (d *DataLogger) Record(user, project, action, path, target string) error {
	line, err := json.Marshal(entry{
		Time:    d.now().UTC(),
		User:    user,
		Project: project,
		Action:  action,
		Path:    path,
		Target:  target,
	})
	if err != nil {
		return fmt.Errorf("%w: encode data log entry: %v", gateerr.ErrForbidden, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(d.dir, project+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		d.log.Error("data log open failed", "project", project, "err", err)
		return fmt.Errorf("%w: data log unavailable", gateerr.ErrForbidden)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		d.log.Error("data log write failed", "project", project, "err", err)
		return fmt.Errorf("%w: data log unavailable", gateerr.ErrForbidden)
	}
	return nil
}

// Projects tracks which project each base user currently has open. Data
// protection mode allows one open project per user at a time.
type Projects struct {
	mu   sync.Mutex
	open map[string]string
	log  *slog.Logger
}

// NewProjects returns an empty project tracker.
func NewProjects(lg *slog.Logger) *Projects {
	if lg == nil {
		lg = slog.Default()
	}
	return &Projects{open: map[string]string{}, log: lg}
}

// Open registers the project for user. Opening a second project while
// another is open fails.
func (p *Projects) Open(user, project string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.open[user]; ok && cur != project {
		p.log.Warn("project open refused",
			"user", user, "open", cur, "requested", project)
		return fmt.Errorf("%w: another project is open", gateerr.ErrSessionOpenFailed)
	}
	p.open[user] = project
	return nil
}

// Close clears the open project for user.
func (p *Projects) Close(user string) {
	p.mu.Lock()
	delete(p.open, user)
	p.mu.Unlock()
}

// OpenProject returns the project user currently has open, if any.
func (p *Projects) OpenProject(user string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.open[user]
	return cur, ok
}
