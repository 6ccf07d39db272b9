// Package creds tests cover file refresh, aliases, db fallback, shares,
// and job mounts.
package creds

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"gridgate/internal/userdb"
)

func authorizedKeysLine(t *testing.T) []byte {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub)
}

// keyFileBytes builds an authorized_keys fixture that clears the
// minimum key file size regardless of the generated key's encoding.
func keyFileBytes(t *testing.T) []byte {
	t.Helper()
	comment := "# provisioned key file; comment sized to clear the undersized-file guard\n"
	buf := append([]byte(comment), authorizedKeysLine(t)...)
	if len(buf) < MinKeyFileBytes {
		t.Fatalf("fixture %d bytes, below the %d byte floor", len(buf), MinKeyFileBytes)
	}
	return buf
}

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	userHome := t.TempDir()
	s := NewStore(Options{
		UserHome:      userHome,
		SharelinkHome: t.TempDir(),
		JobMountHome:  t.TempDir(),
	})
	return s, userHome
}

// TestRefreshUserFromAuthFiles loads password, digest, and key records.
func TestRefreshUserFromAuthFiles(t *testing.T) {
	s, userHome := testStore(t)
	paths := AuthPathsFor("sftp")
	home := filepath.Join(userHome, "alice@example.org")
	if err := os.MkdirAll(home, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, paths.Passwords), []byte("$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA\n"), 0o600); err != nil {
		t.Fatalf("write passwords: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, paths.Digests), []byte("DIGEST$custom$CONFSALT$abcdef\n"), 0o600); err != nil {
		t.Fatalf("write digests: %v", err)
	}
	keys := keyFileBytes(t)
	if err := os.WriteFile(filepath.Join(home, paths.Keys), keys, 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	if err := s.RefreshUser(context.Background(), "alice@example.org", paths); err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	e, ok := s.Lookup("alice@example.org", "sftp")
	if !ok {
		t.Fatalf("expected entry after refresh")
	}
	if e.Home != home {
		t.Fatalf("unexpected home %s", e.Home)
	}
	kinds := map[string]int{}
	for _, c := range e.Creds {
		kinds[c.Kind]++
	}
	if kinds[KindPassword] != 1 || kinds[KindDigest] != 1 || kinds[KindPublicKey] != 1 {
		t.Fatalf("unexpected credential kinds: %v", kinds)
	}
	if !e.Accessible(time.Now()) {
		t.Fatalf("expected file-based account accessible")
	}
}

// TestRefreshUserIgnoresUndersizedKeyFile drops key files below the
// minimum size.
func TestRefreshUserIgnoresUndersizedKeyFile(t *testing.T) {
	s, userHome := testStore(t)
	paths := AuthPathsFor("sftp")
	home := filepath.Join(userHome, "bob@example.org")
	if err := os.MkdirAll(home, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, paths.Keys), []byte("tiny"), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	if err := s.RefreshUser(context.Background(), "bob@example.org", paths); err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	if _, ok := s.Lookup("bob@example.org", "sftp"); ok {
		t.Fatalf("expected no entry from undersized key file")
	}
}

// TestRefreshUserAliasHome follows symlinked alias homes.
func TestRefreshUserAliasHome(t *testing.T) {
	s, userHome := testStore(t)
	paths := AuthPathsFor("davs")
	home := filepath.Join(userHome, "alice@example.org")
	if err := os.MkdirAll(home, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, paths.Passwords), []byte("hash\n"), 0o600); err != nil {
		t.Fatalf("write passwords: %v", err)
	}
	if err := os.Symlink(home, filepath.Join(userHome, "alice")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if err := s.RefreshUser(context.Background(), "alice", paths); err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	e, ok := s.Lookup("alice", "davs")
	if !ok {
		t.Fatalf("expected alias entry")
	}
	if e.Home != home {
		t.Fatalf("expected alias to resolve to %s, got %s", home, e.Home)
	}
}

// TestRefreshUserDBFallback consults the account database when no auth
// files exist.
func TestRefreshUserDBFallback(t *testing.T) {
	db, err := userdb.Open(context.Background(), filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("userdb.Open: %v", err)
	}
	defer db.Close()
	if err := db.UpsertUser(context.Background(), &userdb.User{
		Username:     "carol@example.org",
		PasswordHash: "hash",
		Disabled:     true,
	}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	s := NewStore(Options{UserHome: t.TempDir(), DB: db})
	paths := AuthPathsFor("sftp")
	if err := s.RefreshUser(context.Background(), "carol@example.org", paths); err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	e, ok := s.Lookup("carol@example.org", "sftp")
	if !ok {
		t.Fatalf("expected db-backed entry")
	}
	if e.Accessible(time.Now()) {
		t.Fatalf("expected disabled db account inaccessible")
	}
	if len(e.Creds) != 1 || e.Creds[0].Kind != KindPassword {
		t.Fatalf("unexpected creds: %+v", e.Creds)
	}
}

// TestRefreshShare resolves the sharelink symlink and sets a password.
func TestRefreshShare(t *testing.T) {
	s, userHome := testStore(t)
	paths := AuthPathsFor("davs")
	shared := filepath.Join(userHome, "alice@example.org", "shared")
	if err := os.MkdirAll(shared, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	linkDir := filepath.Join(s.sharelinkHome, "read-write")
	if err := os.MkdirAll(linkDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(shared, filepath.Join(linkDir, "AbCdEf0123")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	if err := s.RefreshShare("AbCdEf0123", paths); err != nil {
		t.Fatalf("RefreshShare: %v", err)
	}
	e, ok := s.Lookup("AbCdEf0123", "davs")
	if !ok {
		t.Fatalf("expected share entry")
	}
	if e.Home != shared {
		t.Fatalf("unexpected share home %s", e.Home)
	}
	if len(e.Creds) == 0 || e.Creds[0].Kind != KindPassword {
		t.Fatalf("expected share password credential")
	}

	if err := s.RefreshShare("NoSuchShar", paths); err == nil {
		t.Fatalf("expected missing share to fail")
	}
}

// TestRefreshJob demands a source address bind and a usable key.
func TestRefreshJob(t *testing.T) {
	s, _ := testStore(t)
	paths := AuthPathsFor("sftp")
	jobID := "cafebabe00"
	dir := filepath.Join(s.jobMountHome, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	keys := keyFileBytes(t)
	if err := os.WriteFile(filepath.Join(dir, "authorized_keys"), keys, 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	// No source address bind yet.
	if err := s.RefreshJob(jobID, paths); err == nil {
		t.Fatalf("expected job without source address to fail")
	}

	if err := os.WriteFile(filepath.Join(dir, "source_address"), []byte("10.1.2.3\n"), 0o600); err != nil {
		t.Fatalf("write source_address: %v", err)
	}
	if err := s.RefreshJob(jobID, paths); err != nil {
		t.Fatalf("RefreshJob: %v", err)
	}
	e, ok := s.Lookup(jobID, "sftp")
	if !ok {
		t.Fatalf("expected job entry")
	}
	c := e.Creds[0]
	if !c.AllowedFrom("10.1.2.3") || c.AllowedFrom("10.9.9.9") {
		t.Fatalf("source address bind not enforced")
	}
}
