// Package validate contains input validation helpers for login identifiers.
package validate

import (
	"errors"
	"regexp"
)

// Username identifiers are email-style or hex-encoded distinguished names.
const (
	userIDMinLength = 3
	userIDMaxLength = 256
	sessionIDLength = 64
	shareIDLength   = 10
)

var userIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.@_-]{2,255}$`)

// crackRe matches usernames commonly probed by credential-stuffing bots.
// Hits are worth escalating in the auth log for intrusion-prevention tools.
var crackRe = regexp.MustCompile(`^(root|bin|daemon|adm|admin|administrator|superadmin|localadmin|mysqladmin|lp|operator|controller|ftp|irc|nobody|sys|pi|guest|www|www-data|mysql|postgres|oracle|mongodb|sybase|redis|hadoop|zimbra|cpanel|plesk|openhabian|tomcat|exim|postfix|sendmail|mailnull|postmaster|mail|uucp|news|teamspeak|git|svn|cvs|user|ftpuser|ubuntu|ubnt|supervisor|device|deploy|lighthouse|support|info|test[0-9]*|user[0-9]*|[0-9]+|root;[a-z0-9]+)$`)

var sessionIDRe = regexp.MustCompile(`^[0-9a-f]+$`)
var shareIDRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Username validates a login identifier for length and allowed characters.
func Username(s string) error {
	if len(s) < userIDMinLength || len(s) > userIDMaxLength {
		return errors.New("invalid username length")
	}
	if !userIDRe.MatchString(s) {
		return errors.New("invalid username")
	}
	return nil
}

// CrackUsername reports whether s matches the curated probe-account list.
func CrackUsername(s string) bool {
	return crackRe.MatchString(s)
}

// PossibleJobID reports whether s has the shape of a job session ID:
// a fixed-length lowercase hex string.
func PossibleJobID(s string) bool {
	return len(s) == sessionIDLength && sessionIDRe.MatchString(s)
}

// PossibleShareID reports whether s has the shape of a sharelink ID.
func PossibleShareID(s string) bool {
	return len(s) == shareIDLength && shareIDRe.MatchString(s)
}
