// Package auditlog emits one structured record per authentication
// decision. The audit trail is separate from the daemon log so intrusion
// detection tooling can follow it without filtering operational noise.
package auditlog

import (
	"context"
	"log/slog"
)

// LevelCritical marks events that suggest systematic abuse: hammering
// past the abuse thresholds or probing with cracking-tool usernames.
const LevelCritical = slog.LevelError + 4

// levelNames renames the custom level in rendered output.
var levelNames = map[slog.Leveler]string{
	LevelCritical: "CRITICAL",
}

// ReplaceLevelName is a slog ReplaceAttr hook that renders LevelCritical
// by name instead of "ERROR+4".
func ReplaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			if name, ok := levelNames[lvl]; ok {
				a.Value = slog.StringValue(name)
			}
		}
	}
	return a
}

// Event is one authentication decision about to be recorded.
type Event struct {
	Protocol string
	AuthType string
	Username string
	Address  string
	Message  string
}

// Log is the audit sink. The zero value is not usable; construct with New.
type Log struct {
	lg *slog.Logger
}

// New wraps lg as the audit sink.
func New(lg *slog.Logger) *Log {
	if lg == nil {
		lg = slog.Default()
	}
	return &Log{lg: lg}
}

// Record writes one audit line at the given severity with the fixed
// field set every decision carries.
func (a *Log) Record(level slog.Level, ev Event) {
	a.lg.Log(context.Background(), level, ev.Message,
		"addr", ev.Address,
		"proto", ev.Protocol,
		"authtype", ev.AuthType,
		"user", ev.Username,
	)
}

// Info records an accepted attempt.
func (a *Log) Info(ev Event) { a.Record(slog.LevelInfo, ev) }

// Warn records a refusal that is expected under normal operation, such
// as rate limiting or a missing two factor session.
func (a *Log) Warn(ev Event) { a.Record(slog.LevelWarn, ev) }

// Error records a failed authentication or an invalid account.
func (a *Log) Error(ev Event) { a.Record(slog.LevelError, ev) }

// Critical records likely systematic abuse.
func (a *Log) Critical(ev Event) { a.Record(LevelCritical, ev) }
