// Package davserver serves WebDAV over TLS. Basic and HTTP Digest
// logins run through the authorization pipeline once per session;
// follow-up requests on the same TLS session ride the pre-authorized
// fast path.
package davserver

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"gridgate/internal/authz"
	"gridgate/internal/config"
)

// realm is the fixed digest realm shared with the credential records.
const realm = "storage"

// ViewFactory builds the WebDAV filesystem for one accepted login.
type ViewFactory func(username, home, project string) webdav.FileSystem

// Options configures the WebDAV listener.
type Options struct {
	Addr      string
	Prefix    string
	TLSConfig *tls.Config
	Methods   []string
	Pipeline  *authz.Pipeline
	Views     ViewFactory
	Logger    *slog.Logger
}

// Handler authenticates and dispatches WebDAV requests.
type Handler struct {
	prefix   string
	methods  []string
	pipeline *authz.Pipeline
	views    ViewFactory
	log      *slog.Logger
	nonces   *nonceStore

	once sync.Once
	ls   webdav.LockSystem
}

// NewHandler builds the WebDAV HTTP handler.
func NewHandler(opt Options) *Handler {
	lg := opt.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		prefix:   strings.TrimSuffix(opt.Prefix, "/"),
		methods:  opt.Methods,
		pipeline: opt.Pipeline,
		views:    opt.Views,
		log:      lg,
		nonces:   newNonceStore(),
	}
}

// ListenAndServe runs the TLS listener until ctx is done.
func ListenAndServe(ctx context.Context, opt Options) error {
	if opt.Pipeline == nil || opt.Views == nil {
		return errors.New("pipeline and view factory are required")
	}
	if opt.TLSConfig == nil {
		return errors.New("tls config is required")
	}

	srv := &http.Server{
		Addr:              opt.Addr,
		Handler:           NewHandler(opt),
		TLSConfig:         opt.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	lg := opt.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("davs listening", "addr", opt.Addr)
	err := srv.ListenAndServeTLS("", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *Handler) lockSystem() webdav.LockSystem {
	h.once.Do(func() { h.ls = webdav.NewMemLS() })
	return h.ls
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr, port := splitAddr(r.RemoteAddr)
	sessionID := tlsSessionID(r, addr, port)

	out, username := h.authenticate(r, addr, port, sessionID)
	if !out.Authorized {
		h.unauthorized(w)
		return
	}

	dav := &webdav.Handler{
		Prefix:     h.prefix,
		FileSystem: h.views(username, out.Home, out.Project),
		LockSystem: h.lockSystem(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				h.log.Warn("webdav request error",
					"method", r.Method, "path", r.URL.Path, "err", err.Error())
			}
		},
	}
	dav.ServeHTTP(w, r)
}

// authenticate maps the request's Authorization header to one pipeline
// attempt. Pre-authorized sessions short-circuit inside the pipeline.
func (h *Handler) authenticate(r *http.Request, addr string, port int, sessionID string) (authz.Outcome, string) {
	if username, password, ok := r.BasicAuth(); ok && h.methodEnabled(config.AuthPassword) {
		out := h.pipeline.ValidateAttempt(r.Context(), authz.Attempt{
			Proto:     config.ProtoDAVS,
			AuthType:  config.AuthPassword,
			Username:  username,
			Address:   addr,
			Port:      port,
			SessionID: sessionID,
			Password:  password,
		})
		return out, username
	}

	if h.methodEnabled(config.AuthDigest) {
		if d, ok := parseDigest(r.Header.Get("Authorization")); ok && h.nonces.valid(d.Nonce) {
			a1, found := h.pipeline.DigestA1(r.Context(), d.Username, config.ProtoDAVS)
			verified := found && d.Realm == realm &&
				expectedResponse(a1, r.Method, d) == d.Response
			out := h.pipeline.ValidateAttempt(r.Context(), authz.Attempt{
				Proto:       config.ProtoDAVS,
				AuthType:    config.AuthDigest,
				Username:    d.Username,
				Address:     addr,
				Port:        port,
				SessionID:   sessionID,
				PreVerified: verified,
				Secret:      d.Response,
			})
			return out, d.Username
		}
	}

	return authz.Outcome{}, ""
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	if h.methodEnabled(config.AuthPassword) {
		w.Header().Add("WWW-Authenticate", `Basic realm="`+realm+`"`)
	}
	if h.methodEnabled(config.AuthDigest) {
		w.Header().Add("WWW-Authenticate", challenge(realm, h.nonces.fresh()))
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (h *Handler) methodEnabled(method string) bool {
	for _, m := range h.methods {
		if m == method {
			return true
		}
	}
	return false
}

// tlsSessionID derives a stable session key from the TLS channel
// binding so requests on one TLS session share pipeline state. TLS 1.3
// has no tls-unique; those sessions fall back to address:port.
func tlsSessionID(r *http.Request, addr string, port int) string {
	if r.TLS != nil && len(r.TLS.TLSUnique) > 0 {
		return hex.EncodeToString(r.TLS.TLSUnique)
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

func splitAddr(remote string) (string, int) {
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		return remote, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
