// Package config loads and validates gridgate YAML configuration.
// It applies defaults so the daemon can rely on fully populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported storage protocol names.
const (
	ProtoSFTP = "sftp"
	ProtoDAVS = "davs"
	ProtoFTPS = "ftps"
)

// Supported authentication methods per protocol.
const (
	AuthPassword  = "password"
	AuthDigest    = "digest"
	AuthPublicKey = "publickey"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	AuthLog   string `yaml:"auth_log"`
	JSON      bool   `yaml:"json"`
	AddSource bool   `yaml:"add_source"`
}

// TLSConfig holds TLS certificate paths shared by WebDAV and FTPS.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// SFTPConfig holds the SFTP listener settings.
type SFTPConfig struct {
	Enable      bool     `yaml:"enable"`
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	HostKeyPath string   `yaml:"host_key_path"`
	AuthMethods []string `yaml:"auth_methods"`
	MaxSessions int      `yaml:"max_sessions"`
}

// DAVSConfig holds the WebDAV-over-TLS listener settings.
type DAVSConfig struct {
	Enable      bool     `yaml:"enable"`
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	Prefix      string   `yaml:"prefix"`
	AuthMethods []string `yaml:"auth_methods"`
	MaxSessions int      `yaml:"max_sessions"`
}

// FTPSConfig holds the FTPS listener settings.
type FTPSConfig struct {
	Enable       bool     `yaml:"enable"`
	Bind         string   `yaml:"bind"`
	Port         int      `yaml:"port"`
	PassivePorts string   `yaml:"passive_ports"`
	PublicHost   string   `yaml:"public_host"`
	AuthMethods  []string `yaml:"auth_methods"`
	MaxSessions  int      `yaml:"max_sessions"`
}

// AuthLimits bundles the rate limit and abuse thresholds.
type AuthLimits struct {
	MaxUserHits    int `yaml:"max_user_hits"`
	UserAbuseHits  int `yaml:"user_abuse_hits"`
	ProtoAbuseHits int `yaml:"proto_abuse_hits"`
	MaxSecretHits  int `yaml:"max_secret_hits"`
	FailCacheSecs  int `yaml:"fail_cache_secs"`
}

// TwoFactorConfig holds the site two-factor settings.
type TwoFactorConfig struct {
	Enable        bool   `yaml:"enable"`
	StrictAddress bool   `yaml:"strict_address"`
	SessionsDir   string `yaml:"sessions_dir"`
	SettingsDir   string `yaml:"settings_dir"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enable bool   `yaml:"enable"`
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
}

// Config mirrors the gridgate.yaml schema and doubles as the typed
// configuration value the core subsystems consume.
type Config struct {
	Log LogConfig `yaml:"log"`

	UserHome       string `yaml:"user_home"`
	VGridFilesHome string `yaml:"vgrid_files_home"`
	SharelinkHome  string `yaml:"sharelink_home"`
	JobMountHome   string `yaml:"job_mount_home"`
	GDPDataLogDir  string `yaml:"gdp_data_log_dir"`
	UserDBPath     string `yaml:"user_db_path"`

	// Extra absolute roots a non-strict-chroot user may traverse, in
	// addition to vgrid_files_home and sharelink_home.
	ChrootExceptions []string `yaml:"chroot_exceptions"`

	StorageProtocols []string `yaml:"storage_protocols"`

	SFTP SFTPConfig `yaml:"sftp"`
	DAVS DAVSConfig `yaml:"davs"`
	FTPS FTPSConfig `yaml:"ftps"`

	TLS TLSConfig `yaml:"tls"`

	DigestSalt     string `yaml:"site_digest_salt"`
	PasswordPolicy string `yaml:"site_password_policy"`

	EnableGDP bool            `yaml:"site_enable_gdp"`
	TwoFactor TwoFactorConfig `yaml:"site_twofactor"`

	// Seconds per protocol; protocols without an entry use the default.
	SessionTimeout map[string]int `yaml:"session_timeout"`

	AuthLimits AuthLimits `yaml:"auth_limits"`

	// Addresses whose failed logins are flagged as scanner traffic.
	SecurityScanners []string `yaml:"site_security_scanners"`

	// Accept an extra curated accented-character set in path names.
	ExtendedPathChars bool `yaml:"extended_path_chars"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// Load reads a YAML config file, applies defaults, and validates it.
// It returns a fully populated Config or a descriptive error.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	ApplyDefaults(&c)
	if err := Validate(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults populates zero-values with sane defaults.
func ApplyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.StorageProtocols) == 0 {
		c.StorageProtocols = []string{ProtoSFTP, ProtoDAVS, ProtoFTPS}
	}
	if c.SFTP.Bind == "" {
		c.SFTP.Bind = "0.0.0.0"
	}
	if c.SFTP.Port == 0 {
		c.SFTP.Port = 2222
	}
	if len(c.SFTP.AuthMethods) == 0 {
		c.SFTP.AuthMethods = []string{AuthPublicKey, AuthPassword}
	}
	if c.DAVS.Bind == "" {
		c.DAVS.Bind = "0.0.0.0"
	}
	if c.DAVS.Port == 0 {
		c.DAVS.Port = 4443
	}
	if c.DAVS.Prefix == "" {
		c.DAVS.Prefix = "/"
	}
	if len(c.DAVS.AuthMethods) == 0 {
		c.DAVS.AuthMethods = []string{AuthPassword, AuthDigest}
	}
	if c.FTPS.Bind == "" {
		c.FTPS.Bind = "0.0.0.0"
	}
	if c.FTPS.Port == 0 {
		c.FTPS.Port = 2121
	}
	if c.FTPS.PassivePorts == "" {
		c.FTPS.PassivePorts = "50000-50100"
	}
	if len(c.FTPS.AuthMethods) == 0 {
		c.FTPS.AuthMethods = []string{AuthPassword}
	}
	if c.PasswordPolicy == "" {
		c.PasswordPolicy = "medium"
	}
	if c.SessionTimeout == nil {
		c.SessionTimeout = map[string]int{}
	}
	for _, proto := range []string{ProtoSFTP, ProtoDAVS, ProtoFTPS} {
		if c.SessionTimeout[proto] == 0 {
			c.SessionTimeout[proto] = defaultSessionTimeout(proto)
		}
	}
	if c.AuthLimits.MaxUserHits == 0 {
		c.AuthLimits.MaxUserHits = 5
	}
	if c.AuthLimits.UserAbuseHits == 0 {
		c.AuthLimits.UserAbuseHits = 25
	}
	if c.AuthLimits.ProtoAbuseHits == 0 {
		c.AuthLimits.ProtoAbuseHits = 25
	}
	if c.AuthLimits.MaxSecretHits == 0 {
		c.AuthLimits.MaxSecretHits = 10
	}
	if c.AuthLimits.FailCacheSecs == 0 {
		c.AuthLimits.FailCacheSecs = 120
	}
	if c.Metrics.Bind == "" {
		c.Metrics.Bind = "127.0.0.1"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9101
	}
}

func defaultSessionTimeout(proto string) int {
	switch proto {
	case ProtoSFTP:
		return 900
	case ProtoDAVS:
		return 600
	case ProtoFTPS:
		return 600
	}
	return 600
}

// Validate performs sanity checks for required fields and ranges.
// It does not mutate the config.
func Validate(c *Config) error {
	if strings.TrimSpace(c.UserHome) == "" {
		return errors.New("user_home is required")
	}
	if !filepath.IsAbs(c.UserHome) {
		return errors.New("user_home must be absolute")
	}
	for _, p := range c.ChrootExceptions {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("chroot exception %q must be absolute", p)
		}
	}
	for _, proto := range c.StorageProtocols {
		switch proto {
		case ProtoSFTP, ProtoDAVS, ProtoFTPS:
		default:
			return fmt.Errorf("unknown storage protocol %q", proto)
		}
	}
	for proto, methods := range map[string][]string{
		ProtoSFTP: c.SFTP.AuthMethods,
		ProtoDAVS: c.DAVS.AuthMethods,
		ProtoFTPS: c.FTPS.AuthMethods,
	} {
		for _, m := range methods {
			switch m {
			case AuthPassword, AuthDigest, AuthPublicKey:
			default:
				return fmt.Errorf("unknown auth method %q for %s", m, proto)
			}
		}
	}
	for _, port := range []int{c.SFTP.Port, c.DAVS.Port, c.FTPS.Port} {
		if port <= 0 || port > 65535 {
			return errors.New("listener port out of range")
		}
	}
	if c.ProtocolEnabled(ProtoDAVS) || c.ProtocolEnabled(ProtoFTPS) {
		if strings.TrimSpace(c.TLS.CertPath) == "" ||
			strings.TrimSpace(c.TLS.KeyPath) == "" {
			return errors.New("tls.cert_path and tls.key_path are required for davs/ftps")
		}
	}
	if c.ProtocolEnabled(ProtoSFTP) && strings.TrimSpace(c.SFTP.HostKeyPath) == "" {
		return errors.New("sftp.host_key_path is required")
	}
	if hasMethod(c.DAVS.AuthMethods, AuthDigest) && c.DigestSalt == "" {
		return errors.New("site_digest_salt is required for digest auth")
	}
	if c.EnableGDP && strings.TrimSpace(c.GDPDataLogDir) == "" {
		return errors.New("gdp_data_log_dir is required in GDP mode")
	}
	return nil
}

// ProtocolEnabled reports whether proto is listed in storage_protocols
// and its listener section is enabled.
func (c *Config) ProtocolEnabled(proto string) bool {
	listed := false
	for _, p := range c.StorageProtocols {
		if p == proto {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	switch proto {
	case ProtoSFTP:
		return c.SFTP.Enable
	case ProtoDAVS:
		return c.DAVS.Enable
	case ProtoFTPS:
		return c.FTPS.Enable
	}
	return false
}

// AuthMethodsFor returns the configured auth methods for proto.
func (c *Config) AuthMethodsFor(proto string) []string {
	switch proto {
	case ProtoSFTP:
		return c.SFTP.AuthMethods
	case ProtoDAVS:
		return c.DAVS.AuthMethods
	case ProtoFTPS:
		return c.FTPS.AuthMethods
	}
	return nil
}

// MaxSessionsFor returns the concurrent session cap for proto; zero
// means unlimited.
func (c *Config) MaxSessionsFor(proto string) int {
	switch proto {
	case ProtoSFTP:
		return c.SFTP.MaxSessions
	case ProtoDAVS:
		return c.DAVS.MaxSessions
	case ProtoFTPS:
		return c.FTPS.MaxSessions
	}
	return 0
}

// SessionTimeoutFor returns the idle session timeout for proto.
func (c *Config) SessionTimeoutFor(proto string) time.Duration {
	secs := c.SessionTimeout[proto]
	if secs <= 0 {
		secs = defaultSessionTimeout(proto)
	}
	return time.Duration(secs) * time.Second
}

// ChrootExceptionRoots returns the full list of allow-listed roots a
// non-strict-chroot user may reach outside the home chroot.
func (c *Config) ChrootExceptionRoots() []string {
	var roots []string
	if c.VGridFilesHome != "" {
		roots = append(roots, filepath.Clean(c.VGridFilesHome))
	}
	if c.SharelinkHome != "" {
		roots = append(roots, filepath.Clean(c.SharelinkHome))
	}
	for _, p := range c.ChrootExceptions {
		roots = append(roots, filepath.Clean(p))
	}
	return roots
}

func hasMethod(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
