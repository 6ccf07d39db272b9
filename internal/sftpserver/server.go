// Package sftpserver serves SFTP over SSH, delegating every login to
// the authorization pipeline and every file operation to a per-user
// chrooted view.
package sftpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"gridgate/internal/authz"
	"gridgate/internal/config"
)

// ViewFactory builds the request handlers for one accepted login.
type ViewFactory func(username, home, project string) sftp.Handlers

// Options configures the SFTP listener.
type Options struct {
	Addr        string
	HostKeyPath string
	Pipeline    *authz.Pipeline
	Views       ViewFactory
	Logger      *slog.Logger
}

// ListenAndServe accepts SSH connections until ctx is done.
func ListenAndServe(ctx context.Context, opt Options) error {
	if opt.Pipeline == nil || opt.Views == nil {
		return errors.New("pipeline and view factory are required")
	}
	if opt.Addr == "" {
		return errors.New("addr is required")
	}
	lg := opt.Logger
	if lg == nil {
		lg = slog.Default()
	}

	hostSigner, err := loadSigner(opt.HostKeyPath)
	if err != nil {
		return err
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return authenticate(ctx, opt.Pipeline, c, authz.Attempt{
				AuthType: config.AuthPassword,
				Password: string(pass),
			})
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return authenticate(ctx, opt.Pipeline, c, authz.Attempt{
				AuthType:  config.AuthPublicKey,
				PublicKey: key,
			})
		},
	}
	conf.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", opt.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	lg.Info("sftp listening", "addr", opt.Addr)
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go handleConn(opt, conf, c, lg)
	}
}

// authenticate runs the pipeline for one SSH auth attempt and stores
// the outcome in the connection permissions.
func authenticate(ctx context.Context, pipe *authz.Pipeline, c ssh.ConnMetadata, a authz.Attempt) (*ssh.Permissions, error) {
	addr, port := splitAddr(c.RemoteAddr())
	a.Proto = config.ProtoSFTP
	a.Username = c.User()
	a.Address = addr
	a.Port = port

	out := pipe.ValidateAttempt(ctx, a)
	if !out.Authorized {
		return nil, errors.New("access denied")
	}
	return &ssh.Permissions{Extensions: map[string]string{
		"home":    out.Home,
		"project": out.Project,
	}}, nil
}

func handleConn(opt Options, conf *ssh.ServerConfig, netConn net.Conn, lg *slog.Logger) {
	defer netConn.Close()
	_ = netConn.SetDeadline(time.Now().Add(30 * time.Second))
	serverConn, chans, reqs, err := ssh.NewServerConn(netConn, conf)
	if err != nil {
		return
	}
	defer serverConn.Close()
	_ = netConn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	username := serverConn.User()
	home := serverConn.Permissions.Extensions["home"]
	project := serverConn.Permissions.Extensions["project"]
	addr, port := splitAddr(serverConn.RemoteAddr())
	defer opt.Pipeline.CloseSession(username, config.ProtoSFTP, addr, port, "")

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type == "subsystem" && len(req.Payload) >= 4 && string(req.Payload[4:]) == "sftp" {
					_ = req.Reply(true, nil)
					s := sftp.NewRequestServer(ch, opt.Views(username, home, project))
					if err := s.Serve(); err != nil && err != io.EOF {
						lg.Debug("sftp session ended", "user", username, "err", err)
					}
					return
				}
				_ = req.Reply(false, nil)
			}
		}()
	}
}

func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

func splitAddr(a net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
