// Package userdb is the central account database. It complements the
// per-home auth files: accounts provisioned by the site land here and
// the credential cache falls back to it when a user has no protocol
// auth files of their own.
package userdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// User is one account row. PublicKeys holds authorized_keys lines.
// A zero ExpireAt means the account never expires.
type User struct {
	Username       string
	PasswordHash   string
	PasswordLegacy string
	Digest         string
	PublicKeys     []string
	Email          string
	Disabled       bool
	ExpireAt       time.Time
}

// Accessible reports whether the account may log in at all.
func (u *User) Accessible(now time.Time) bool {
	if u.Disabled {
		return false
	}
	if !u.ExpireAt.IsZero() && now.After(u.ExpireAt) {
		return false
	}
	return true
}

// DB wraps the SQLite handle.
type DB struct {
	sql *sql.DB
}

// Open opens or creates the account database and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("userdb path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path)
	s, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Single connection avoids SQLITE_BUSY between refresh and admin ops.
	s.SetMaxOpenConns(1)
	s.SetMaxIdleConns(1)
	s.SetConnMaxLifetime(0)

	db := &DB{sql: s}
	if err := db.ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := db.setPragmas(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := Migrate(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return d.sql.PingContext(ctx)
}

func (d *DB) setPragmas(ctx context.Context) error {
	// WAL improves read concurrency between refreshes and logins.
	if _, err := d.sql.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return err
	}
	_, err := d.sql.ExecContext(ctx, "PRAGMA foreign_keys = ON;")
	return err
}

func nowUnix() int64 { return time.Now().Unix() }

// GetUser looks up an account by username. The boolean reports whether
// the account exists.
func (d *DB) GetUser(ctx context.Context, username string) (*User, bool, error) {
	var u User
	var keys string
	var disabled int
	var expire int64
	err := d.sql.QueryRowContext(ctx, `
SELECT username, password_hash, password_legacy, digest, public_keys, email, disabled, expire_at
FROM users WHERE username=?
`, username).Scan(&u.Username, &u.PasswordHash, &u.PasswordLegacy, &u.Digest,
		&keys, &u.Email, &disabled, &expire)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	u.Disabled = disabled != 0
	if expire > 0 {
		u.ExpireAt = time.Unix(expire, 0)
	}
	if keys != "" {
		u.PublicKeys = strings.Split(keys, "\n")
	}
	return &u, true, nil
}

// UpsertUser inserts or replaces an account row.
func (d *DB) UpsertUser(ctx context.Context, u *User) error {
	if u.Username == "" {
		return errors.New("username is required")
	}
	var expire int64
	if !u.ExpireAt.IsZero() {
		expire = u.ExpireAt.Unix()
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO users(username, password_hash, password_legacy, digest, public_keys, email, disabled, expire_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(username) DO UPDATE SET
  password_hash=excluded.password_hash,
  password_legacy=excluded.password_legacy,
  digest=excluded.digest,
  public_keys=excluded.public_keys,
  email=excluded.email,
  disabled=excluded.disabled,
  expire_at=excluded.expire_at,
  updated_at=excluded.updated_at
`, u.Username, u.PasswordHash, u.PasswordLegacy, u.Digest,
		strings.Join(u.PublicKeys, "\n"), u.Email, boolToInt(u.Disabled),
		expire, nowUnix(), nowUnix())
	return err
}

// SetDisabled toggles the account lock.
func (d *DB) SetDisabled(ctx context.Context, username string, disabled bool) error {
	if username == "" {
		return errors.New("username is required")
	}
	_, err := d.sql.ExecContext(ctx,
		`UPDATE users SET disabled=?, updated_at=? WHERE username=?`,
		boolToInt(disabled), nowUnix(), username)
	return err
}

// DeleteUser removes an account row.
func (d *DB) DeleteUser(ctx context.Context, username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	_, err := d.sql.ExecContext(ctx, `DELETE FROM users WHERE username=?`, username)
	return err
}

// ListUsernames returns all account names in sorted order.
func (d *DB) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
