// Package config tests validate config loading behavior.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `user_home: /srv/grid/home
sftp:
  enable: true
  host_key_path: /srv/grid/keys/host_rsa
`

// TestLoadAppliesDefaults confirms defaults are applied on load.
func TestLoadAppliesDefaults(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "gridgate.yaml")
	if err := os.WriteFile(p, []byte(minimalYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SFTP.Port != 2222 {
		t.Fatalf("expected default sftp.port 2222, got %d", c.SFTP.Port)
	}
	if c.AuthLimits.MaxUserHits != 5 {
		t.Fatalf("expected default max_user_hits 5, got %d", c.AuthLimits.MaxUserHits)
	}
	if c.SessionTimeout[ProtoDAVS] != 600 {
		t.Fatalf("expected default davs session timeout, got %d", c.SessionTimeout[ProtoDAVS])
	}
	if got := c.AuthMethodsFor(ProtoSFTP); len(got) != 2 {
		t.Fatalf("expected default sftp auth methods, got %v", got)
	}
}

// TestLoadRejectsRelativeUserHome requires an absolute storage root.
func TestLoadRejectsRelativeUserHome(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "gridgate.yaml")
	if err := os.WriteFile(p, []byte("user_home: relative/home\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected relative user_home to be rejected")
	}
}

// TestValidateRequiresTLSForFTPS ensures FTPS cannot start without certs.
func TestValidateRequiresTLSForFTPS(t *testing.T) {
	c := Config{
		UserHome:         "/srv/grid/home",
		StorageProtocols: []string{ProtoFTPS},
		FTPS:             FTPSConfig{Enable: true},
	}
	ApplyDefaults(&c)
	if err := Validate(&c); err == nil {
		t.Fatalf("expected missing tls config to be rejected")
	}
}

// TestChrootExceptionRoots collects vgrid, sharelink, and extra roots.
func TestChrootExceptionRoots(t *testing.T) {
	c := Config{
		UserHome:         "/srv/grid/home",
		VGridFilesHome:   "/srv/grid/vgrid_files",
		SharelinkHome:    "/srv/grid/sharelinks",
		ChrootExceptions: []string{"/srv/grid/seafile"},
	}
	roots := c.ChrootExceptionRoots()
	if len(roots) != 3 {
		t.Fatalf("expected 3 exception roots, got %v", roots)
	}
}
