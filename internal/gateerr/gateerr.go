// Package gateerr defines the error kinds surfaced by the gateway core.
// Protocol front-ends map these to their wire-level failure responses
// (WebDAV 403, SFTP SSH_FX_FAILURE, FTPS 550 and friends). Everything below
// the authorization pipeline returns these typed errors; the pipeline alone
// converts them into the (authorized, disconnect) pair.
package gateerr

import "errors"

var (
	// ErrInvalidPath flags a character-set violation in a virtual path.
	ErrInvalidPath = errors.New("invalid path")
	// ErrOutOfBounds flags a chroot escape attempt.
	ErrOutOfBounds = errors.New("path outside chroot boundaries")
	// ErrForbidden flags symlink, invisible-path, or share-root operations.
	ErrForbidden = errors.New("operation forbidden")
	// ErrReadOnly flags mutation of a read-only filesystem view.
	ErrReadOnly = errors.New("filesystem view is read-only")
	// ErrRateLimited advises the caller to drop the connection.
	ErrRateLimited = errors.New("rate limit reached")
	// ErrAuthFailed flags a credential mismatch; connection may stay open.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTwoFactorRequired flags a missing or expired 2FA session.
	ErrTwoFactorRequired = errors.New("no valid two factor session")
	// ErrSessionOpenFailed flags a rejected session or project open.
	ErrSessionOpenFailed = errors.New("session open failed")
	// ErrConfig flags a misconfigured protocol or disabled feature.
	ErrConfig = errors.New("configuration error")
)
