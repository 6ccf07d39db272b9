// Package twofactor gates storage protocol logins on a valid web
// two factor session. The daemon never handles TOTP codes itself; the
// web frontend writes a session file after a successful code check and
// the gate only verifies that such a session exists for the client.
package twofactor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gridgate/internal/config"
)

// Settings is the per-user two factor preference file written by the web
// frontend. Each toggle demands a valid session for the matching
// protocol and auth method combination.
type Settings struct {
	SFTPPassword bool `yaml:"sftp_password"`
	SFTPKey      bool `yaml:"sftp_key"`
	WebDAVS      bool `yaml:"webdavs"`
	FTPS         bool `yaml:"ftps"`
}

// session is one file in the sessions dir, keyed by its filename.
type session struct {
	Username string    `yaml:"username"`
	Address  string    `yaml:"address"`
	Expires  time.Time `yaml:"expires"`
}

// Gate holds the site two factor policy. The zero value disables the
// gate entirely.
type Gate struct {
	Enabled       bool
	StrictAddress bool
	GDP           bool
	SettingsDir   string
	SessionsDir   string

	log *slog.Logger
	now func() time.Time
}

// New builds the gate from the site configuration.
func New(cfg config.TwoFactorConfig, gdp bool, lg *slog.Logger) *Gate {
	if lg == nil {
		lg = slog.Default()
	}
	return &Gate{
		Enabled:       cfg.Enable,
		StrictAddress: cfg.StrictAddress,
		GDP:           gdp,
		SettingsDir:   cfg.SettingsDir,
		SessionsDir:   cfg.SessionsDir,
		log:           lg,
		now:           time.Now,
	}
}

// Required reports whether a login for username over proto with authtype
// must present a valid two factor session. Under data protection mode
// every protocol requires one and a missing or unreadable preference
// file counts as requiring it, so misconfiguration fails closed.
func (g *Gate) Required(proto, authtype, username string) bool {
	if !g.Enabled {
		return false
	}
	if g.GDP {
		return true
	}
	st, err := g.loadSettings(username)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.log.Warn("unreadable two factor settings",
				"user", username, "err", err)
			return true
		}
		return false
	}
	switch {
	case proto == config.ProtoSFTP && authtype == config.AuthPublicKey:
		return st.SFTPKey
	case proto == config.ProtoSFTP:
		return st.SFTPPassword
	case proto == config.ProtoDAVS:
		return st.WebDAVS
	case proto == config.ProtoFTPS:
		return st.FTPS
	}
	return false
}

// HasValidSession reports whether username holds an unexpired two factor
// session, optionally pinned to the client address.
func (g *Gate) HasValidSession(username, addr string) bool {
	entries, err := os.ReadDir(g.SessionsDir)
	if err != nil {
		g.log.Warn("unreadable two factor sessions dir",
			"dir", g.SessionsDir, "err", err)
		return false
	}
	now := g.now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		s, err := g.loadSession(filepath.Join(g.SessionsDir, e.Name()))
		if err != nil {
			continue
		}
		if s.Username != username || now.After(s.Expires) {
			continue
		}
		if g.StrictAddress && s.Address != addr {
			g.log.Warn("two factor session from different address",
				"user", username, "addr", addr, "session_addr", s.Address)
			continue
		}
		return true
	}
	return false
}

// WriteSession stores a session file the way the web frontend does. Used
// by tests and provisioning tooling.
func WriteSession(dir, key, username, addr string, expires time.Time) error {
	raw, err := yaml.Marshal(session{Username: username, Address: addr, Expires: expires})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, key), raw, 0o600)
}

// WriteSettings stores a per-user preference file.
func WriteSettings(dir, username string, st Settings) error {
	raw, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, username+".yaml"), raw, 0o600)
}

func (g *Gate) loadSettings(username string) (Settings, error) {
	var st Settings
	raw, err := os.ReadFile(filepath.Join(g.SettingsDir, username+".yaml"))
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("parse two factor settings for %s: %w", username, err)
	}
	return st, nil
}

func (g *Gate) loadSession(path string) (session, error) {
	var s session
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, err
	}
	return s, nil
}
