// Package ftpserver serves FTPS through ftpserverlib, with logins
// running through the authorization pipeline and file access through
// the chrooted view.
package ftpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"

	ftp "github.com/fclairamb/ftpserverlib"
	ftplog "github.com/fclairamb/go-log/slog"
	"github.com/spf13/afero"

	"gridgate/internal/authz"
	"gridgate/internal/config"
)

var errAccessDenied = errors.New("access denied")

// ViewFactory builds the filesystem for one accepted login.
type ViewFactory func(username, home, project string) afero.Fs

// Options configures the FTPS listener.
type Options struct {
	Addr         string
	TLSConfig    *tls.Config
	PassivePorts *ftp.PortRange
	PublicHost   string
	Pipeline     *authz.Pipeline
	Views        ViewFactory
	Logger       *slog.Logger
}

// ListenAndServe runs the FTPS server until ctx is done.
func ListenAndServe(ctx context.Context, opt Options) error {
	if opt.Pipeline == nil || opt.Views == nil {
		return errors.New("pipeline and view factory are required")
	}
	if opt.Addr == "" {
		return errors.New("addr is required")
	}
	if opt.TLSConfig == nil {
		return errors.New("tls config is required")
	}

	ln, err := net.Listen("tcp", opt.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	drv := &mainDriver{
		ctx:        ctx,
		pipeline:   opt.Pipeline,
		views:      opt.Views,
		tlsConfig:  opt.TLSConfig,
		passive:    opt.PassivePorts,
		publicHost: opt.PublicHost,
		listener:   ln,
		logins:     map[uint32]clientLogin{},
	}
	srv := ftp.NewFtpServer(drv)
	if opt.Logger != nil {
		srv.Logger = ftplog.NewWrap(opt.Logger)
	}

	lg := opt.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("ftps listening", "addr", opt.Addr)
	return srv.ListenAndServe()
}

type clientLogin struct {
	username string
	addr     string
	port     int
}

// mainDriver connects ftpserverlib callbacks to the pipeline.
type mainDriver struct {
	ctx        context.Context
	pipeline   *authz.Pipeline
	views      ViewFactory
	tlsConfig  *tls.Config
	passive    *ftp.PortRange
	publicHost string
	listener   net.Listener

	mu     sync.Mutex
	logins map[uint32]clientLogin
}

// GetSettings returns server settings for ftpserverlib.
func (d *mainDriver) GetSettings() (*ftp.Settings, error) {
	return &ftp.Settings{
		Listener:                 d.listener,
		Banner:                   "gridgate storage",
		PassiveTransferPortRange: d.passive,
		PublicHost:               d.publicHost,
		IdleTimeout:              300,
		ConnectionTimeout:        15,
		DisableActiveMode:        true,
		TLSRequired:              ftp.MandatoryEncryption,
		ActiveConnectionsCheck:   ftp.IPMatchRequired,
		PasvConnectionsCheck:     ftp.IPMatchRequired,
	}, nil
}

// ClientConnected greets new control connections.
func (d *mainDriver) ClientConnected(cc ftp.ClientContext) (string, error) {
	return "gridgate storage ready", nil
}

// ClientDisconnected closes the tracked session, if any.
func (d *mainDriver) ClientDisconnected(cc ftp.ClientContext) {
	d.mu.Lock()
	login, ok := d.logins[cc.ID()]
	delete(d.logins, cc.ID())
	d.mu.Unlock()
	if ok {
		d.pipeline.CloseSession(login.username, config.ProtoFTPS, login.addr, login.port, "")
	}
}

// AuthUser runs the pipeline for a USER/PASS login.
func (d *mainDriver) AuthUser(cc ftp.ClientContext, user, pass string) (ftp.ClientDriver, error) {
	addr, port := splitAddr(cc.RemoteAddr())
	out := d.pipeline.ValidateAttempt(d.ctx, authz.Attempt{
		Proto:    config.ProtoFTPS,
		AuthType: config.AuthPassword,
		Username: user,
		Address:  addr,
		Port:     port,
		Password: pass,
	})
	if !out.Authorized {
		return nil, errAccessDenied
	}

	d.mu.Lock()
	d.logins[cc.ID()] = clientLogin{username: user, addr: addr, port: port}
	d.mu.Unlock()

	cc.SetPath("/")
	return d.views(user, out.Home, out.Project), nil
}

// GetTLSConfig provides the shared TLS settings for control and data
// connections.
func (d *mainDriver) GetTLSConfig() (*tls.Config, error) {
	return d.tlsConfig, nil
}

// PreAuthUser always succeeds so usernames cannot be enumerated before
// PASS; the real decision happens in AuthUser.
func (d *mainDriver) PreAuthUser(cc ftp.ClientContext, user string) error {
	_ = cc.SetTLSRequirement(ftp.MandatoryEncryption)
	return nil
}

func splitAddr(a net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

var _ ftp.MainDriver = (*mainDriver)(nil)
var _ ftp.MainDriverExtensionUserVerifier = (*mainDriver)(nil)
