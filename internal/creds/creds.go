// Package creds caches login credentials for the protocol front-ends.
// Credentials come from per-user auth files inside each home, from the
// central account database, from sharelink symlinks, and from job mount
// dirs. Refreshes are cheap: file mtimes gate re-parsing, and each
// user's records are swapped atomically so lookups never observe a
// half-built set.
package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"gridgate/internal/auth"
	"gridgate/internal/userdb"
)

// Credential kinds.
const (
	KindPassword  = "password"
	KindDigest    = "digest"
	KindPublicKey = "publickey"
)

// Key files below this size cannot hold a real public key and are
// ignored rather than parsed.
const MinKeyFileBytes = 100

// Credential is one way a login name may authenticate. Exactly one of
// PasswordHash, DigestRecord, and PublicKey is set, per Kind.
type Credential struct {
	Username     string
	Kind         string
	PasswordHash string
	DigestRecord string
	PublicKey    ssh.PublicKey

	// SourceAddresses restricts where the credential may be used from.
	// Empty means any address.
	SourceAddresses []string
}

// Entry is the cached state for one login name.
type Entry struct {
	Username    string
	Home        string
	Creds       []Credential
	Disabled    bool
	ExpireAt    time.Time
	LastRefresh time.Time
}

// Accessible reports whether the account may log in at all.
func (e *Entry) Accessible(now time.Time) bool {
	if e.Disabled {
		return false
	}
	if !e.ExpireAt.IsZero() && now.After(e.ExpireAt) {
		return false
	}
	return true
}

// ProtocolAuthPaths names the per-home auth files consulted for one
// protocol.
type ProtocolAuthPaths struct {
	Proto     string
	Keys      string
	Passwords string
	Digests   string
}

// AuthPathsFor returns the auth file names for proto, e.g.
// ".authorized_keys.sftp" inside the user home.
func AuthPathsFor(proto string) ProtocolAuthPaths {
	return ProtocolAuthPaths{
		Proto:     proto,
		Keys:      ".authorized_keys." + proto,
		Passwords: ".authorized_passwords." + proto,
		Digests:   ".authorized_digests." + proto,
	}
}

// Options configures a Store.
type Options struct {
	UserHome      string
	SharelinkHome string
	JobMountHome  string
	DB            *userdb.DB
	Log           *slog.Logger
}

// Store is the credential cache. Keys are "<login>\x00<proto>" so the
// same login name can carry distinct records per protocol.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry

	userHome      string
	sharelinkHome string
	jobMountHome  string
	db            *userdb.DB
	log           *slog.Logger
	now           func() time.Time
}

// NewStore returns an empty credential cache.
func NewStore(opt Options) *Store {
	lg := opt.Log
	if lg == nil {
		lg = slog.Default()
	}
	return &Store{
		entries:       map[string]*Entry{},
		userHome:      opt.UserHome,
		sharelinkHome: opt.SharelinkHome,
		jobMountHome:  opt.JobMountHome,
		db:            opt.DB,
		log:           lg,
		now:           time.Now,
	}
}

func cacheKey(username, proto string) string {
	return username + "\x00" + proto
}

// Lookup returns a copy of the cached entry for username on proto.
func (s *Store) Lookup(username, proto string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[cacheKey(username, proto)]
	if e == nil {
		return Entry{}, false
	}
	out := *e
	out.Creds = append([]Credential(nil), e.Creds...)
	return out, true
}

// RefreshUser re-reads the auth files for username and swaps the cached
// records. Alias logins are homes that are symlinks into another user's
// home; the chroot follows the link target. When no auth files yield
// any credential the central account database is consulted. A missing
// home with no database row clears the entry.
func (s *Store) RefreshUser(ctx context.Context, username string, paths ProtocolAuthPaths) error {
	home := filepath.Join(s.userHome, username)
	key := cacheKey(username, paths.Proto)

	fi, err := os.Lstat(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat home for %s: %w", username, err)
		}
		return s.refreshFromDB(ctx, username, key)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		real, err := filepath.EvalSymlinks(home)
		if err != nil {
			return fmt.Errorf("resolve alias home for %s: %w", username, err)
		}
		home = real
	}

	latest := s.latestMtime(home, paths)
	s.mu.Lock()
	cached := s.entries[key]
	if cached != nil && !latest.After(cached.LastRefresh) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	entry := &Entry{
		Username:    username,
		Home:        home,
		LastRefresh: s.now(),
	}
	entry.Creds = append(entry.Creds, s.readPasswords(username, home, paths.Passwords)...)
	entry.Creds = append(entry.Creds, s.readDigests(username, home, paths.Digests)...)
	entry.Creds = append(entry.Creds, s.readKeys(username, filepath.Join(home, paths.Keys), nil)...)

	if len(entry.Creds) == 0 {
		return s.refreshFromDB(ctx, username, key)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	s.log.Info("refreshed user credentials",
		"user", username, "proto", paths.Proto, "creds", len(entry.Creds))
	return nil
}

// refreshFromDB swaps in the account database view of username, or
// clears the entry when no row exists.
func (s *Store) refreshFromDB(ctx context.Context, username, key string) error {
	if s.db == nil {
		s.clear(key)
		return nil
	}
	u, ok, err := s.db.GetUser(ctx, username)
	if err != nil {
		return fmt.Errorf("userdb lookup for %s: %w", username, err)
	}
	if !ok {
		s.clear(key)
		return nil
	}
	entry := &Entry{
		Username:    username,
		Home:        filepath.Join(s.userHome, username),
		Disabled:    u.Disabled,
		ExpireAt:    u.ExpireAt,
		LastRefresh: s.now(),
	}
	hash := u.PasswordHash
	if hash == "" {
		hash = u.PasswordLegacy
	}
	if hash != "" {
		entry.Creds = append(entry.Creds, Credential{
			Username: username, Kind: KindPassword, PasswordHash: hash,
		})
	}
	if u.Digest != "" {
		entry.Creds = append(entry.Creds, Credential{
			Username: username, Kind: KindDigest, DigestRecord: u.Digest,
		})
	}
	for _, line := range u.PublicKeys {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		entry.Creds = append(entry.Creds, Credential{
			Username: username, Kind: KindPublicKey, PublicKey: pub,
		})
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// RefreshShare resolves a sharelink login. The id resolves through a
// symlink under sharelink_home into the owner's shared directory, and
// the id itself doubles as the password. authorized_keys inside the
// shared directory are honored too.
func (s *Store) RefreshShare(shareID string, paths ProtocolAuthPaths) error {
	if s.sharelinkHome == "" {
		return errors.New("sharelink home not configured")
	}
	link := filepath.Join(s.sharelinkHome, "read-write", shareID)
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		s.clear(cacheKey(shareID, paths.Proto))
		return fmt.Errorf("resolve sharelink %s: %w", shareID, err)
	}
	fi, err := os.Stat(target)
	if err != nil || !fi.IsDir() {
		s.clear(cacheKey(shareID, paths.Proto))
		return fmt.Errorf("sharelink %s target is not a directory", shareID)
	}

	hash, err := auth.HashPassword(shareID, auth.DefaultArgon2Params())
	if err != nil {
		return fmt.Errorf("hash share password: %w", err)
	}
	entry := &Entry{
		Username:    shareID,
		Home:        target,
		LastRefresh: s.now(),
		Creds: []Credential{{
			Username: shareID, Kind: KindPassword, PasswordHash: hash,
		}},
	}
	entry.Creds = append(entry.Creds,
		s.readKeys(shareID, filepath.Join(target, paths.Keys), nil)...)

	s.mu.Lock()
	s.entries[cacheKey(shareID, paths.Proto)] = entry
	s.mu.Unlock()
	return nil
}

// RefreshJob resolves a job mount login: a session-id username whose dir
// under job_mount_home holds an authorized_keys file and a mandatory
// source address bind.
func (s *Store) RefreshJob(sessionID string, paths ProtocolAuthPaths) error {
	if s.jobMountHome == "" {
		return errors.New("job mount home not configured")
	}
	dir := filepath.Join(s.jobMountHome, sessionID)
	addrRaw, err := os.ReadFile(filepath.Join(dir, "source_address"))
	if err != nil {
		s.clear(cacheKey(sessionID, paths.Proto))
		return fmt.Errorf("job %s has no source address bind: %w", sessionID, err)
	}
	sources := strings.Fields(string(addrRaw))
	if len(sources) == 0 {
		s.clear(cacheKey(sessionID, paths.Proto))
		return fmt.Errorf("job %s has an empty source address bind", sessionID)
	}

	entry := &Entry{
		Username:    sessionID,
		Home:        dir,
		LastRefresh: s.now(),
		Creds:       s.readKeys(sessionID, filepath.Join(dir, "authorized_keys"), sources),
	}
	if len(entry.Creds) == 0 {
		s.clear(cacheKey(sessionID, paths.Proto))
		return fmt.Errorf("job %s has no usable key", sessionID)
	}

	s.mu.Lock()
	s.entries[cacheKey(sessionID, paths.Proto)] = entry
	s.mu.Unlock()
	return nil
}

func (s *Store) clear(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *Store) latestMtime(home string, paths ProtocolAuthPaths) time.Time {
	var latest time.Time
	for _, name := range []string{paths.Keys, paths.Passwords, paths.Digests} {
		if fi, err := os.Stat(filepath.Join(home, name)); err == nil {
			if fi.ModTime().After(latest) {
				latest = fi.ModTime()
			}
		}
	}
	return latest
}

// readPasswords loads the single-hash password file, if present.
func (s *Store) readPasswords(username, home, name string) []Credential {
	raw, err := os.ReadFile(filepath.Join(home, name))
	if err != nil {
		return nil
	}
	hash := strings.TrimSpace(string(raw))
	if hash == "" {
		return nil
	}
	return []Credential{{Username: username, Kind: KindPassword, PasswordHash: hash}}
}

// readDigests loads digest records, one per line.
func (s *Store) readDigests(username, home, name string) []Credential {
	raw, err := os.ReadFile(filepath.Join(home, name))
	if err != nil {
		return nil
	}
	var out []Credential
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "DIGEST$") {
			continue
		}
		out = append(out, Credential{Username: username, Kind: KindDigest, DigestRecord: line})
	}
	return out
}

// readKeys parses an authorized_keys style file. Undersized files are
// ignored outright and unparseable lines are skipped.
func (s *Store) readKeys(username, path string, sources []string) []Credential {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if fi.Size() < MinKeyFileBytes {
		s.log.Warn("ignoring undersized key file", "user", username, "path", path, "size", fi.Size())
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []Credential
	rest := raw
	for len(rest) > 0 {
		pub, _, _, remaining, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		rest = remaining
		out = append(out, Credential{
			Username: username, Kind: KindPublicKey,
			PublicKey: pub, SourceAddresses: sources,
		})
	}
	return out
}

// AllowedFrom reports whether the credential may be used from addr.
func (c *Credential) AllowedFrom(addr string) bool {
	if len(c.SourceAddresses) == 0 {
		return true
	}
	for _, a := range c.SourceAddresses {
		if a == addr {
			return true
		}
	}
	return false
}
