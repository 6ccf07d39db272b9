package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Digest records are stored as $-delimited lines where the fourth field is
// a site-salt scrambled realm:user:password triple:
//
//	DIGEST$custom$CONFSALT$<scrambled>
const digestPrefix = "DIGEST$custom$CONFSALT$"

// MakeDigest builds a storable digest record for the credentials.
func MakeDigest(realm, username, password, salt string) (string, error) {
	merged := strings.Join([]string{realm, username, password}, ":")
	scrambled, err := ScrambleDigest(salt, merged)
	if err != nil {
		return "", err
	}
	return digestPrefix + scrambled, nil
}

// ScrambleDigest XORs the base16 form of plain with the hex salt.
func ScrambleDigest(salt, plain string) (string, error) {
	saltInt, ok := new(big.Int).SetString(salt, 16)
	if !ok {
		return "", errors.New("invalid digest salt")
	}
	plainInt, ok := new(big.Int).SetString(strings.ToUpper(hex.EncodeToString([]byte(plain))), 16)
	if !ok {
		return "", errors.New("invalid digest payload")
	}
	return fmt.Sprintf("%X", new(big.Int).Xor(saltInt, plainInt)), nil
}

// UnscrambleDigest recovers the realm:user:password triple from a
// scrambled digest payload.
func UnscrambleDigest(salt, scrambled string) (string, error) {
	saltInt, ok := new(big.Int).SetString(salt, 16)
	if !ok {
		return "", errors.New("invalid digest salt")
	}
	scrambledInt, ok := new(big.Int).SetString(scrambled, 16)
	if !ok {
		return "", errors.New("invalid scrambled digest")
	}
	b16 := fmt.Sprintf("%X", new(big.Int).Xor(saltInt, scrambledInt))
	if len(b16)%2 != 0 {
		b16 = "0" + b16
	}
	raw, err := hex.DecodeString(b16)
	if err != nil {
		return "", errors.New("invalid scrambled digest")
	}
	return string(raw), nil
}

// CheckDigest verifies offered credentials against a stored digest record.
// The embedded password must additionally satisfy the site password policy,
// so stale records with weak passwords stop working once the policy is
// tightened.
func CheckDigest(realm, username, password, record, salt string, policy Policy) (bool, error) {
	if !strings.HasPrefix(record, digestPrefix) {
		return false, errors.New("unsupported digest format")
	}
	triple, err := UnscrambleDigest(salt, strings.TrimPrefix(record, digestPrefix))
	if err != nil {
		return false, err
	}
	parts := strings.SplitN(triple, ":", 3)
	if len(parts) != 3 {
		return false, errors.New("malformed digest record")
	}
	if err := policy.Check(parts[2]); err != nil {
		return false, fmt.Errorf("digest password violates site policy: %w", err)
	}
	offered := strings.Join([]string{realm, username, password}, ":")
	if subtle.ConstantTimeCompare([]byte(offered), []byte(triple)) == 1 {
		return true, nil
	}
	return false, nil
}

// DigestA1 extracts the HTTP Digest A1 hash, md5(realm:user:password),
// from a stored digest record for use in Digest auth continuation.
func DigestA1(record, salt string) (string, error) {
	if !strings.HasPrefix(record, digestPrefix) {
		return "", errors.New("unsupported digest format")
	}
	triple, err := UnscrambleDigest(salt, strings.TrimPrefix(record, digestPrefix))
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(triple))
	return hex.EncodeToString(sum[:]), nil
}
