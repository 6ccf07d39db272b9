// Package ratelimit tracks failed login attempts per
// (address, protocol, username, secret) with expiry.
//
// The secret axis coalesces a client retrying the same wrong credential
// into one logical failure at the outer counters, so an auto-reconnecting
// mount cannot lock its owner out, while distinct guessed credentials from
// the same gateway address still drive the counters up. Aggregate hit
// counts propagate upward: an address-level hit count is the sum of its
// protocol-level hit counts, and so on down to the distinct-secret leaves.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"
)

// Defaults matching the site auth_limits when unset.
const (
	DefaultMaxUserHits    = 5
	DefaultUserAbuseHits  = 25
	DefaultProtoAbuseHits = 25
	DefaultMaxSecretHits  = 10
	DefaultFailCache      = 120 * time.Second
)

// Hits carries the per-level hit counts after a Record call.
type Hits struct {
	Address int
	Proto   int
	User    int
	Secret  int
}

type leafKey struct {
	addr   string
	proto  string
	user   string
	secret string
}

type userKey struct {
	addr  string
	proto string
	user  string
}

type protoKey struct {
	addr  string
	proto string
}

type leaf struct {
	hits    int
	updated time.Time
}

type counter struct {
	hits  int
	fails int
}

// Limits is the process-wide rate limit table. The zero value is not
// usable; construct with New.
type Limits struct {
	mu     sync.Mutex
	leaves map[leafKey]*leaf
	users  map[userKey]*counter
	protos map[protoKey]*counter
	addrs  map[string]*counter

	log *slog.Logger
	now func() time.Time
}

// New returns an empty rate limit table logging through lg.
func New(lg *slog.Logger) *Limits {
	if lg == nil {
		lg = slog.Default()
	}
	return &Limits{
		leaves: map[leafKey]*leaf{},
		users:  map[userKey]*counter{},
		protos: map[protoKey]*counter{},
		addrs:  map[string]*counter{},
		log:    lg,
		now:    time.Now,
	}
}

// ShouldRefuse reports whether a proto login for username from addr must
// be filtered because the user-level hit count already reached
// maxUserHits. Up to maxUserHits distinct failures are always allowed so
// that impersonating logins from a shared gateway address cannot easily
// lock out another user.
func (l *Limits) ShouldRefuse(proto, addr, username string, maxUserHits int) bool {
	l.mu.Lock()
	userHits := 0
	protoHits := 0
	if c := l.users[userKey{addr, proto, username}]; c != nil {
		userHits = c.hits
	}
	if c := l.protos[protoKey{addr, proto}]; c != nil {
		protoHits = c.hits
	}
	l.mu.Unlock()

	if userHits < maxUserHits {
		return false
	}
	l.log.Warn("hit rate limit reached",
		"proto", proto, "user", username, "addr", addr,
		"user_hits", userHits, "proto_hits", protoHits, "max", maxUserHits)
	return true
}

// Record updates the table after a login attempt and returns the
// resulting per-level hit counts.
//
// On success the user's failure entries are removed and their counts
// subtracted from the protocol and address aggregates. On failure only
// the first occurrence of a given secret increments the outer hit
// counters, while fail counts and the leaf timestamp always advance.
// An empty secret never coalesces: a unique one is substituted.
func (l *Limits) Record(proto, addr, username string, success bool, secret string) Hits {
	now := l.now()
	if secret == "" {
		secret = fmt.Sprintf("%d", now.UnixNano())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	uk := userKey{addr, proto, username}
	pk := protoKey{addr, proto}

	if success {
		uc := l.users[uk]
		if uc != nil {
			if pc := l.protos[pk]; pc != nil {
				pc.hits -= uc.hits
				pc.fails -= uc.fails
			}
			if ac := l.addrs[addr]; ac != nil {
				ac.hits -= uc.hits
				ac.fails -= uc.fails
			}
			delete(l.users, uk)
			for k := range l.leaves {
				if k.addr == addr && k.proto == proto && k.user == username {
					delete(l.leaves, k)
				}
			}
			l.log.Info("rate limit cleared on success",
				"proto", proto, "user", username, "addr", addr)
		}
		return l.hitsLocked(addr, pk, uk, 0)
	}

	lk := leafKey{addr, proto, username, secret}
	lf := l.leaves[lk]
	firstSecret := lf == nil
	if lf == nil {
		lf = &leaf{}
		l.leaves[lk] = lf
	}
	lf.hits++
	lf.updated = now

	uc := l.users[uk]
	if uc == nil {
		uc = &counter{}
		l.users[uk] = uc
	}
	pc := l.protos[pk]
	if pc == nil {
		pc = &counter{}
		l.protos[pk] = pc
	}
	ac := l.addrs[addr]
	if ac == nil {
		ac = &counter{}
		l.addrs[addr] = ac
	}
	if firstSecret {
		uc.hits++
		pc.hits++
		ac.hits++
		l.log.Info("rate limit updated",
			"proto", proto, "user", username, "addr", addr, "user_hits", uc.hits)
	}
	uc.fails++
	pc.fails++
	ac.fails++

	return l.hitsLocked(addr, pk, uk, lf.hits)
}

func (l *Limits) hitsLocked(addr string, pk protoKey, uk userKey, secretHits int) Hits {
	h := Hits{Secret: secretHits}
	if c := l.addrs[addr]; c != nil {
		h.Address = c.hits
	}
	if c := l.protos[pk]; c != nil {
		h.Proto = c.hits
	}
	if c := l.users[uk]; c != nil {
		h.User = c.hits
	}
	return h
}

// Expire removes leaves last updated more than maxAge ago for protocols
// matching protoGlob, subtracting their counts from the aggregates and
// pruning users, protocols, and addresses whose fail counts reach zero.
// It returns the number of expired leaves.
func (l *Limits) Expire(protoGlob string, maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	expired := 0

	l.mu.Lock()
	for k, lf := range l.leaves {
		if ok, err := path.Match(protoGlob, k.proto); err != nil || !ok {
			continue
		}
		if lf.updated.After(cutoff) {
			continue
		}
		if c := l.users[userKey{k.addr, k.proto, k.user}]; c != nil {
			c.hits--
			c.fails -= lf.hits
		}
		if c := l.protos[protoKey{k.addr, k.proto}]; c != nil {
			c.hits--
			c.fails -= lf.hits
		}
		if c := l.addrs[k.addr]; c != nil {
			c.hits--
			c.fails -= lf.hits
		}
		delete(l.leaves, k)
		expired++
	}
	for k, c := range l.users {
		if c.fails <= 0 {
			delete(l.users, k)
		}
	}
	for k, c := range l.protos {
		if c.fails <= 0 {
			delete(l.protos, k)
		}
	}
	for k, c := range l.addrs {
		if c.fails <= 0 {
			delete(l.addrs, k)
		}
	}
	l.mu.Unlock()

	if expired > 0 {
		l.log.Info("expired rate limit entries", "proto", protoGlob, "count", expired)
	}
	return expired
}

// Penalize stalls the caller for 3 seconds per hit beyond maxUserHits so
// dictionary attackers cannot hammer the daemon with force-failed
// requests. The stall is advisory; callers that prefer to disconnect
// immediately simply skip it. Cancelling ctx cuts the stall short.
func (l *Limits) Penalize(ctx context.Context, proto, addr, username string, userHits, maxUserHits int) time.Duration {
	stall := 3 * time.Duration(userHits-maxUserHits) * time.Second
	if stall <= 0 {
		return 0
	}
	l.log.Info("stalling rate limited user",
		"proto", proto, "user", username, "addr", addr, "stall", stall)
	t := time.NewTimer(stall)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return stall
}
