// Package sessions tracks open protocol sessions in memory. The daemon
// uses the tracker to enforce per-user session caps, to close idle
// sessions, and to short-circuit repeated per-request authentication in
// stateless protocols.
package sessions

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session is one tracked login. Port zero means the transport could not
// report a client port.
type Session struct {
	ID         string
	Username   string
	Protocol   string
	Address    string
	Port       int
	OpenedAt   time.Time
	Authorized bool
	DigestA1   string
}

// Tracker holds all open sessions. The zero value is not usable;
// construct with New.
type Tracker struct {
	mu   sync.Mutex
	open map[string]map[string]map[string]*Session

	log *slog.Logger
	now func() time.Time
}

// New returns an empty tracker logging through lg.
func New(lg *slog.Logger) *Tracker {
	if lg == nil {
		lg = slog.Default()
	}
	return &Tracker{
		open: map[string]map[string]map[string]*Session{},
		log:  lg,
		now:  time.Now,
	}
}

// SessionID derives the tracking key for a connection when the protocol
// has no native session identifier.
func SessionID(addr string, port int) string {
	return fmt.Sprintf("%s:%d", addr, port)
}

// Open registers a session and returns a copy of the stored record.
// sessionID may be empty, in which case the address:port key is used.
func (t *Tracker) Open(username, proto, addr string, port int, sessionID string, authorized bool) Session {
	if sessionID == "" {
		sessionID = SessionID(addr, port)
	}
	s := &Session{
		ID:         sessionID,
		Username:   username,
		Protocol:   proto,
		Address:    addr,
		Port:       port,
		OpenedAt:   t.now(),
		Authorized: authorized,
	}

	t.mu.Lock()
	byProto := t.open[username]
	if byProto == nil {
		byProto = map[string]map[string]*Session{}
		t.open[username] = byProto
	}
	byID := byProto[proto]
	if byID == nil {
		byID = map[string]*Session{}
		byProto[proto] = byID
	}
	byID[sessionID] = s
	t.mu.Unlock()

	t.log.Info("session opened",
		"proto", proto, "user", username, "addr", addr, "session", sessionID)
	return *s
}

// Lookup returns a copy of the session and whether it exists.
func (t *Tracker) Lookup(username, proto, sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.get(username, proto, sessionID); s != nil {
		return *s, true
	}
	return Session{}, false
}

// Count returns the number of open proto sessions for username.
func (t *Tracker) Count(username, proto string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open[username][proto])
}

// ListOpen returns copies of all open proto sessions for username.
func (t *Tracker) ListOpen(username, proto string) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	byID := t.open[username][proto]
	out := make([]Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	return out
}

// Authorize marks an open session as pre-authorized so later requests on
// the same session can skip credential verification.
func (t *Tracker) Authorize(username, proto, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(username, proto, sessionID)
	if s == nil {
		return false
	}
	s.Authorized = true
	return true
}

// Authorized reports whether the session exists and is pre-authorized.
func (t *Tracker) Authorized(username, proto, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(username, proto, sessionID)
	return s != nil && s.Authorized
}

// SetDigestA1 stores the md5 A1 hexdigest on an open session for use by
// per-request HTTP digest verification.
func (t *Tracker) SetDigestA1(username, proto, sessionID, a1 string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(username, proto, sessionID)
	if s == nil {
		return false
	}
	s.DigestA1 = a1
	return true
}

// Close removes a session and reports whether it was tracked.
func (t *Tracker) Close(username, proto, sessionID string) bool {
	t.mu.Lock()
	byID := t.open[username][proto]
	_, ok := byID[sessionID]
	if ok {
		delete(byID, sessionID)
		t.pruneLocked(username, proto)
	}
	t.mu.Unlock()

	if ok {
		t.log.Info("session closed",
			"proto", proto, "user", username, "session", sessionID)
	}
	return ok
}

// CloseExpired removes proto sessions idle past maxAge and returns copies
// of the removed records so callers can tear down the transports.
// Empty username matches all users.
func (t *Tracker) CloseExpired(proto, username string, maxAge time.Duration) []Session {
	cutoff := t.now().Add(-maxAge)
	var closed []Session

	t.mu.Lock()
	for user, byProto := range t.open {
		if username != "" && user != username {
			continue
		}
		for id, s := range byProto[proto] {
			if s.OpenedAt.After(cutoff) {
				continue
			}
			closed = append(closed, *s)
			delete(byProto[proto], id)
		}
		t.pruneLocked(user, proto)
	}
	t.mu.Unlock()

	for _, s := range closed {
		t.log.Info("session expired",
			"proto", proto, "user", s.Username, "session", s.ID)
	}
	return closed
}

func (t *Tracker) get(username, proto, sessionID string) *Session {
	return t.open[username][proto][sessionID]
}

func (t *Tracker) pruneLocked(username, proto string) {
	byProto := t.open[username]
	if byProto == nil {
		return
	}
	if len(byProto[proto]) == 0 {
		delete(byProto, proto)
	}
	if len(byProto) == 0 {
		delete(t.open, username)
	}
}
