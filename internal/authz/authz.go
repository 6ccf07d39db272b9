// Package authz sequences every login decision. One ValidateAttempt
// call covers rate limiting, session caps, username vetting, credential
// verification, the two factor gate, and session bookkeeping, and it
// emits exactly one audit line stating the decision. Front-ends stay
// thin: they hand over whatever the protocol collected and act on the
// outcome.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"gridgate/internal/auditlog"
	"gridgate/internal/auth"
	"gridgate/internal/config"
	"gridgate/internal/creds"
	"gridgate/internal/gateerr"
	"gridgate/internal/gdp"
	"gridgate/internal/metrics"
	"gridgate/internal/ratelimit"
	"gridgate/internal/sessions"
	"gridgate/internal/twofactor"
	"gridgate/internal/validate"
)

// Attempt is one protocol login handed to the pipeline.
type Attempt struct {
	Proto    string
	AuthType string
	Username string
	Address  string
	Port     int

	// SessionID is the protocol's native session key, when it has one.
	// Empty means address:port.
	SessionID string

	// Password carries the plaintext password or share id for password
	// and digest logins. PublicKey carries the offered key.
	Password  string
	PublicKey ssh.PublicKey

	// PreVerified is set by front-ends that already proved the
	// credential cryptographically, such as HTTP digest responses.
	// Secret must then carry a stable identifier of that credential.
	PreVerified bool
	Secret      string
}

// Outcome is the pipeline's decision.
type Outcome struct {
	Authorized bool
	// Disconnect tells the front-end to drop the transport. A failed
	// credential with Disconnect unset lets protocols that support
	// retries keep the connection.
	Disconnect bool

	// Home is the chroot for the accepted login.
	Home string
	// DigestA1 is the md5 A1 hexdigest when the account carries digest
	// credentials, for HTTP Digest continuation.
	DigestA1 string
	// Project is set for data protection mode logins.
	Project string
	// Scanner flags logins from configured security scanner addresses.
	Scanner bool

	Err error
}

// Pipeline wires the authentication subsystems together.
type Pipeline struct {
	cfg      *config.Config
	store    *creds.Store
	limits   *ratelimit.Limits
	sessions *sessions.Tracker
	gate     *twofactor.Gate
	projects *gdp.Projects
	audit    *auditlog.Log
	metrics  *metrics.Metrics
	policy   auth.Policy
	log      *slog.Logger
	now      func() time.Time
}

// Options collects the pipeline dependencies.
type Options struct {
	Config   *config.Config
	Store    *creds.Store
	Limits   *ratelimit.Limits
	Sessions *sessions.Tracker
	Gate     *twofactor.Gate
	Projects *gdp.Projects
	Audit    *auditlog.Log
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// New builds the pipeline. An unparseable site password policy falls
// back to the medium level.
func New(opt Options) *Pipeline {
	lg := opt.Log
	if lg == nil {
		lg = slog.Default()
	}
	policy, err := auth.ParsePolicy(opt.Config.PasswordPolicy)
	if err != nil {
		lg.Warn("invalid site password policy, using medium",
			"policy", opt.Config.PasswordPolicy, "err", err)
		policy, _ = auth.ParsePolicy("medium")
	}
	return &Pipeline{
		policy:   policy,
		cfg:      opt.Config,
		store:    opt.Store,
		limits:   opt.Limits,
		sessions: opt.Sessions,
		gate:     opt.Gate,
		projects: opt.Projects,
		audit:    opt.Audit,
		metrics:  opt.Metrics,
		log:      lg,
		now:      time.Now,
	}
}

// login classes decided from the username shape.
const (
	classUser  = "user"
	classShare = "share"
	classJob   = "job"
)

// ValidateAttempt runs the full decision sequence for one login.
func (p *Pipeline) ValidateAttempt(ctx context.Context, a Attempt) Outcome {
	if a.SessionID == "" {
		a.SessionID = sessions.SessionID(a.Address, a.Port)
	}
	ev := auditlog.Event{
		Protocol: a.Proto,
		AuthType: a.AuthType,
		Username: a.Username,
		Address:  a.Address,
	}
	scanner := p.isScanner(a.Address)

	// Requests on an already pre-authorized session skip the whole
	// sequence, including the rate limit update.
	if p.sessions.Authorized(a.Username, a.Proto, a.SessionID) {
		s, _ := p.sessions.Lookup(a.Username, a.Proto, a.SessionID)
		entry, ok := p.store.Lookup(a.Username, a.Proto)
		home := ""
		if ok {
			home = entry.Home
		}
		p.log.Debug("pre-authorized session request",
			"proto", a.Proto, "user", a.Username, "addr", a.Address, "session", a.SessionID)
		return Outcome{Authorized: true, Home: home, DigestA1: s.DigestA1, Scanner: scanner}
	}

	limits := p.cfg.AuthLimits
	secret := p.attemptSecret(a)

	// 1. Rate limit filter.
	if p.limits.ShouldRefuse(a.Proto, a.Address, a.Username, limits.MaxUserHits) {
		ev.Message = "Exceeded rate limit"
		p.audit.Warn(ev)
		hits := p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.recordAbuse(a, hits)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultRateLimited)
		p.limits.Penalize(ctx, a.Proto, a.Address, a.Username, hits.User, limits.MaxUserHits)
		return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrRateLimited}
	}

	// 2. Session cap, after reaping anything already expired.
	if max := p.cfg.MaxSessionsFor(a.Proto); max > 0 {
		if timeout := p.cfg.SessionTimeoutFor(a.Proto); timeout > 0 {
			p.sessions.CloseExpired(a.Proto, a.Username, timeout)
		}
		if p.sessions.Count(a.Username, a.Proto) >= max {
			ev.Message = "Too many open sessions"
			p.audit.Warn(ev)
			p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
			p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultMaxSessions)
			return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrSessionOpenFailed}
		}
	}

	// 3. Username vetting.
	class, baseUser, project, err := p.classify(a.Username)
	if err != nil {
		if validate.CrackUsername(a.Username) {
			ev.Message = "Invalid username (looks like a crack attempt)"
			p.audit.Critical(ev)
			p.metrics.ObserveAbuse(a.Proto, "crack_username")
		} else {
			ev.Message = "Invalid username"
			p.audit.Error(ev)
		}
		p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultInvalidUser)
		return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrAuthFailed}
	}

	// 4. Credential lookup.
	entry, ok := p.refreshAndLookup(ctx, a, class)
	if !ok {
		ev.Message = "Invalid user"
		p.audit.Error(ev)
		// Burn comparable time so probing cannot distinguish unknown
		// users from wrong passwords.
		if a.Password != "" {
			auth.DummyVerify(a.Password)
		}
		p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultInvalidUser)
		return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrAuthFailed}
	}

	// 5. Account state.
	if !entry.Accessible(p.now()) {
		ev.Message = "Account disabled or expired"
		p.audit.Error(ev)
		p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultInvalidUser)
		return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrAuthFailed}
	}

	// 6. Auth method enabled for the protocol.
	if !authTypeEnabled(p.cfg.AuthMethodsFor(a.Proto), a.AuthType) {
		ev.Message = fmt.Sprintf("%s auth disabled", a.AuthType)
		p.audit.Error(ev)
		p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultFailed)
		return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrAuthFailed}
	}

	// 7. Credential verification.
	valid, digestA1 := p.verify(a, entry)
	if !valid {
		ev.Message = fmt.Sprintf("Failed %s login", a.AuthType)
		p.audit.Error(ev)
		hits := p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.resecretOnFlood(a, secret, hits)
		p.recordAbuse(a, hits)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultFailed)
		// Protocols with in-band retries keep the transport.
		return Outcome{Scanner: scanner, Err: gateerr.ErrAuthFailed}
	}

	// 8. Two factor gate. Valid credentials without a web two factor
	// session still count as a failed attempt.
	if p.gate.Required(a.Proto, a.AuthType, baseUser) && !p.gate.HasValidSession(baseUser, a.Address) {
		ev.Message = "No valid two factor session"
		p.audit.Warn(ev)
		p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
		p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultTwoFactor)
		return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrTwoFactorRequired}
	}

	// 9. Session and project open.
	home := entry.Home
	if project != "" {
		if err := p.projects.Open(baseUser, project); err != nil {
			ev.Message = "Failed to open project session"
			p.audit.Error(ev)
			p.limits.Record(a.Proto, a.Address, a.Username, false, secret)
			p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultError)
			return Outcome{Disconnect: true, Scanner: scanner, Err: gateerr.ErrSessionOpenFailed}
		}
		home = gdp.ProjectHome(entry.Home, project)
	}
	p.sessions.Open(a.Username, a.Proto, a.Address, a.Port, a.SessionID, true)
	if digestA1 != "" {
		p.sessions.SetDigestA1(a.Username, a.Proto, a.SessionID, digestA1)
	}
	p.metrics.SessionDelta(a.Proto, 1)

	ev.Message = fmt.Sprintf("Accepted %s login", a.AuthType)
	p.audit.Info(ev)
	p.limits.Record(a.Proto, a.Address, a.Username, true, secret)
	p.metrics.ObserveAuth(a.Proto, a.AuthType, metrics.ResultAccepted)
	return Outcome{
		Authorized: true,
		Home:       home,
		DigestA1:   digestA1,
		Project:    project,
		Scanner:    scanner,
	}
}

// CloseSession tears down pipeline state when a transport ends.
func (p *Pipeline) CloseSession(username, proto, addr string, port int, sessionID string) {
	if sessionID == "" {
		sessionID = sessions.SessionID(addr, port)
	}
	if p.sessions.Close(username, proto, sessionID) {
		p.metrics.SessionDelta(proto, -1)
	}
	if p.cfg.EnableGDP && p.sessions.Count(username, proto) == 0 {
		if baseUser, _, err := gdp.SplitUsername(username); err == nil {
			if p.countAllProtocols(username) == 0 {
				p.projects.Close(baseUser)
			}
		}
	}
}

// DigestA1 returns the stored A1 for an account so the DAV layer can
// issue HTTP Digest challenges before any full attempt runs.
func (p *Pipeline) DigestA1(ctx context.Context, username, proto string) (string, bool) {
	paths := creds.AuthPathsFor(proto)
	_ = p.store.RefreshUser(ctx, username, paths)
	entry, ok := p.store.Lookup(username, proto)
	if !ok {
		return "", false
	}
	for _, c := range entry.Creds {
		if c.Kind != creds.KindDigest {
			continue
		}
		a1, err := auth.DigestA1(c.DigestRecord, p.cfg.DigestSalt)
		if err != nil {
			continue
		}
		return a1, true
	}
	return "", false
}

func (p *Pipeline) countAllProtocols(username string) int {
	n := 0
	for _, proto := range []string{config.ProtoSFTP, config.ProtoDAVS, config.ProtoFTPS} {
		n += p.sessions.Count(username, proto)
	}
	return n
}

// classify maps the username shape to a login class and, in data
// protection mode, splits off the project.
func (p *Pipeline) classify(username string) (class, baseUser, project string, err error) {
	if validate.PossibleJobID(username) {
		return classJob, username, "", nil
	}
	if validate.PossibleShareID(username) {
		return classShare, username, "", nil
	}
	if p.cfg.EnableGDP {
		baseUser, project, err = gdp.SplitUsername(username)
		if err != nil {
			return "", "", "", err
		}
		if err := validate.Username(baseUser); err != nil {
			return "", "", "", err
		}
		return classUser, baseUser, project, nil
	}
	if err := validate.Username(username); err != nil {
		return "", "", "", err
	}
	return classUser, username, "", nil
}

func (p *Pipeline) refreshAndLookup(ctx context.Context, a Attempt, class string) (creds.Entry, bool) {
	paths := creds.AuthPathsFor(a.Proto)
	var err error
	switch class {
	case classShare:
		err = p.store.RefreshShare(a.Username, paths)
	case classJob:
		err = p.store.RefreshJob(a.Username, paths)
	default:
		err = p.store.RefreshUser(ctx, a.Username, paths)
	}
	if err != nil {
		p.log.Info("credential refresh failed",
			"proto", a.Proto, "user", a.Username, "err", err)
	}
	return p.store.Lookup(a.Username, a.Proto)
}

// verify checks the offered credential against the cached records.
func (p *Pipeline) verify(a Attempt, entry creds.Entry) (bool, string) {
	if a.PreVerified {
		return true, ""
	}
	switch a.AuthType {
	case config.AuthPassword:
		matched := false
		for _, c := range entry.Creds {
			if c.Kind != creds.KindPassword || !c.AllowedFrom(a.Address) {
				continue
			}
			ok, err := auth.VerifyPassword(a.Password, c.PasswordHash)
			if err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			auth.DummyVerify(a.Password)
		}
		return matched, ""
	case config.AuthDigest:
		for _, c := range entry.Creds {
			if c.Kind != creds.KindDigest || !c.AllowedFrom(a.Address) {
				continue
			}
			ok, err := auth.CheckDigest("storage", a.Username, a.Password,
				c.DigestRecord, p.cfg.DigestSalt, p.policy)
			if err != nil || !ok {
				continue
			}
			a1, err := auth.DigestA1(c.DigestRecord, p.cfg.DigestSalt)
			if err != nil {
				return true, ""
			}
			return true, a1
		}
		return false, ""
	case config.AuthPublicKey:
		if a.PublicKey == nil {
			return false, ""
		}
		offered := a.PublicKey.Marshal()
		for _, c := range entry.Creds {
			if c.Kind != creds.KindPublicKey || !c.AllowedFrom(a.Address) {
				continue
			}
			if string(c.PublicKey.Marshal()) == string(offered) {
				return true, ""
			}
		}
		return false, ""
	}
	return false, ""
}

// attemptSecret derives the rate limit secret from the offered
// credential so repeated attempts with the same credential coalesce.
func (p *Pipeline) attemptSecret(a Attempt) string {
	if a.Secret != "" {
		return auth.SecretHash(a.Secret)
	}
	if a.PublicKey != nil {
		return auth.SecretHash(string(a.PublicKey.Marshal()))
	}
	if a.Password != "" {
		return auth.SecretHash(a.Password)
	}
	return ""
}

// resecretOnFlood re-records a flooding secret under a unique synthetic
// name once it passes the per-secret cap, so the coalescing stops
// shielding it from the user-level limit.
func (p *Pipeline) resecretOnFlood(a Attempt, secret string, hits ratelimit.Hits) {
	max := p.cfg.AuthLimits.MaxSecretHits
	if max <= 0 || hits.Secret < max {
		return
	}
	synthetic := fmt.Sprintf("%f_max_secret_hits_%s",
		float64(p.now().UnixNano())/1e9, secret)
	p.limits.Record(a.Proto, a.Address, a.Username, false, synthetic)
	p.log.Warn("secret passed max hits, recording synthetic secret",
		"proto", a.Proto, "user", a.Username, "addr", a.Address)
}

// recordAbuse raises CRITICAL audit events when hit counts pass the
// abuse thresholds.
func (p *Pipeline) recordAbuse(a Attempt, hits ratelimit.Hits) {
	limits := p.cfg.AuthLimits
	ev := auditlog.Event{
		Protocol: a.Proto,
		AuthType: a.AuthType,
		Username: a.Username,
		Address:  a.Address,
	}
	if limits.UserAbuseHits > 0 && hits.User > limits.UserAbuseHits {
		ev.Message = "Abuse limit reached for user"
		p.audit.Critical(ev)
		p.metrics.ObserveAbuse(a.Proto, "user")
	}
	if limits.ProtoAbuseHits > 0 && hits.Proto > limits.ProtoAbuseHits {
		ev.Message = "Abuse limit reached for protocol"
		p.audit.Critical(ev)
		p.metrics.ObserveAbuse(a.Proto, "proto")
	}
}

func (p *Pipeline) isScanner(addr string) bool {
	for _, s := range p.cfg.SecurityScanners {
		if s == addr {
			return true
		}
	}
	return false
}

func authTypeEnabled(enabled []string, authtype string) bool {
	for _, m := range enabled {
		if m == authtype {
			return true
		}
	}
	return false
}
