// Package daemon is the composition root: it builds the shared
// subsystems, starts the enabled protocol listeners, and runs the
// background expirers until the context ends.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	ftp "github.com/fclairamb/ftpserverlib"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/net/webdav"

	"gridgate/internal/auditlog"
	"gridgate/internal/authz"
	"gridgate/internal/config"
	"gridgate/internal/creds"
	"gridgate/internal/davserver"
	"gridgate/internal/ftpserver"
	"gridgate/internal/gdp"
	"gridgate/internal/logging"
	"gridgate/internal/metrics"
	"gridgate/internal/pathguard"
	"gridgate/internal/ratelimit"
	"gridgate/internal/sessions"
	"gridgate/internal/sftpserver"
	"gridgate/internal/twofactor"
	"gridgate/internal/userdb"
	"gridgate/internal/vfs"
)

// expireInterval paces the rate limit and session sweeps.
const expireInterval = time.Minute

// Options configures a daemon run.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
}

// Run starts all enabled services and blocks until ctx is done or a
// listener fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Config
	if cfg == nil {
		return errors.New("config is required")
	}
	lg := opt.Logger
	if lg == nil {
		lg = slog.Default()
	}

	enabled := 0
	for _, proto := range []string{config.ProtoSFTP, config.ProtoDAVS, config.ProtoFTPS} {
		if cfg.ProtocolEnabled(proto) {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("no storage protocol enabled")
	}

	audit, err := openAuditLog(cfg, lg)
	if err != nil {
		return err
	}

	var db *userdb.DB
	if cfg.UserDBPath != "" {
		db, err = userdb.Open(ctx, cfg.UserDBPath)
		if err != nil {
			return fmt.Errorf("open user database: %w", err)
		}
		defer db.Close()
	}

	var dataLog *gdp.DataLogger
	if cfg.EnableGDP {
		dataLog, err = gdp.NewDataLogger(cfg.GDPDataLogDir, lg)
		if err != nil {
			return err
		}
	}

	guard := pathguard.New(cfg.VGridFilesHome, cfg.ExtendedPathChars)
	store := creds.NewStore(creds.Options{
		UserHome:      cfg.UserHome,
		SharelinkHome: cfg.SharelinkHome,
		JobMountHome:  cfg.JobMountHome,
		DB:            db,
		Log:           lg,
	})
	limits := ratelimit.New(lg)
	tracker := sessions.New(lg)
	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		m = metrics.New()
	}

	pipe := authz.New(authz.Options{
		Config:   cfg,
		Store:    store,
		Limits:   limits,
		Sessions: tracker,
		Gate:     twofactor.New(cfg.TwoFactor, cfg.EnableGDP, lg),
		Projects: gdp.NewProjects(lg),
		Audit:    audit,
		Metrics:  m,
		Log:      lg,
	})

	newView := func(username, home, project string) *vfs.View {
		user := username
		if project != "" {
			if base, _, err := gdp.SplitUsername(username); err == nil {
				user = base
			}
		}
		return vfs.New(vfs.Options{
			Root:           home,
			ExceptionRoots: cfg.ChrootExceptionRoots(),
			Guard:          guard,
			DataLog:        dataLog,
			User:           user,
			Project:        project,
			Metrics:        m,
			Log:            lg,
		})
	}

	var tlsConf *tls.Config
	if cfg.ProtocolEnabled(config.ProtoDAVS) || cfg.ProtocolEnabled(config.ProtoFTPS) {
		pair, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return fmt.Errorf("load tls keypair: %w", err)
		}
		tlsConf = &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 4)

	if cfg.ProtocolEnabled(config.ProtoSFTP) {
		addr := net.JoinHostPort(cfg.SFTP.Bind, strconv.Itoa(cfg.SFTP.Port))
		go func() {
			errCh <- sftpserver.ListenAndServe(ctx, sftpserver.Options{
				Addr:        addr,
				HostKeyPath: cfg.SFTP.HostKeyPath,
				Pipeline:    pipe,
				Views: func(username, home, project string) sftp.Handlers {
					return vfs.NewHandlers(newView(username, home, project))
				},
				Logger: lg,
			})
		}()
	}
	if cfg.ProtocolEnabled(config.ProtoDAVS) {
		addr := net.JoinHostPort(cfg.DAVS.Bind, strconv.Itoa(cfg.DAVS.Port))
		go func() {
			errCh <- davserver.ListenAndServe(ctx, davserver.Options{
				Addr:      addr,
				Prefix:    cfg.DAVS.Prefix,
				TLSConfig: tlsConf,
				Methods:   cfg.DAVS.AuthMethods,
				Pipeline:  pipe,
				Views: func(username, home, project string) webdav.FileSystem {
					return vfs.NewDavFS(newView(username, home, project))
				},
				Logger: lg,
			})
		}()
	}
	if cfg.ProtocolEnabled(config.ProtoFTPS) {
		passive, err := parsePortRange(cfg.FTPS.PassivePorts)
		if err != nil {
			return err
		}
		addr := net.JoinHostPort(cfg.FTPS.Bind, strconv.Itoa(cfg.FTPS.Port))
		go func() {
			errCh <- ftpserver.ListenAndServe(ctx, ftpserver.Options{
				Addr:         addr,
				TLSConfig:    tlsConf,
				PassivePorts: passive,
				PublicHost:   cfg.FTPS.PublicHost,
				Pipeline:     pipe,
				Views: func(username, home, project string) afero.Fs {
					return newView(username, home, project)
				},
				Logger: lg,
			})
		}()
	}
	if m != nil {
		addr := net.JoinHostPort(cfg.Metrics.Bind, strconv.Itoa(cfg.Metrics.Port))
		go func() {
			errCh <- m.Serve(ctx, addr, lg)
		}()
	}

	go expireLoop(ctx, cfg, limits, tracker, lg)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// expireLoop sweeps stale rate limit entries and idle sessions.
func expireLoop(ctx context.Context, cfg *config.Config, limits *ratelimit.Limits, tracker *sessions.Tracker, lg *slog.Logger) {
	failCache := time.Duration(cfg.AuthLimits.FailCacheSecs) * time.Second
	t := time.NewTicker(expireInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			limits.Expire("*", failCache)
			for _, proto := range []string{config.ProtoSFTP, config.ProtoDAVS, config.ProtoFTPS} {
				if !cfg.ProtocolEnabled(proto) {
					continue
				}
				tracker.CloseExpired(proto, "", cfg.SessionTimeoutFor(proto))
			}
		}
	}
}

// openAuditLog builds the audit sink, writing to its own file when
// configured and falling back to the daemon logger otherwise.
func openAuditLog(cfg *config.Config, lg *slog.Logger) (*auditlog.Log, error) {
	if strings.TrimSpace(cfg.Log.AuthLog) == "" {
		return auditlog.New(lg), nil
	}
	f, err := os.OpenFile(cfg.Log.AuthLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open auth log: %w", err)
	}
	auditLogger, _, err := logging.New(logging.Options{
		Level:       "info",
		JSON:        cfg.Log.JSON,
		Writer:      f,
		ReplaceAttr: auditlog.ReplaceLevelName,
	})
	if err != nil {
		return nil, err
	}
	return auditlog.New(auditLogger), nil
}

func parsePortRange(s string) (*ftp.PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return nil, errors.New("invalid passive_ports")
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, errors.New("invalid passive_ports")
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, errors.New("invalid passive_ports")
	}
	if start <= 0 || end <= 0 || end < start {
		return nil, errors.New("invalid passive_ports")
	}
	return &ftp.PortRange{Start: start, End: end}, nil
}
