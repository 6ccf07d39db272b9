package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Policy is the site password policy applied to plaintext passwords
// embedded in digest records. Known levels: disabled, weak, medium,
// strong, or custom:<minlen>:<minclasses>.
type Policy struct {
	MinLength  int
	MinClasses int
}

// ParsePolicy maps a policy level string to its length and character
// class requirements.
func ParsePolicy(level string) (Policy, error) {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "", "disabled":
		return Policy{}, nil
	case "weak":
		return Policy{MinLength: 6, MinClasses: 2}, nil
	case "medium":
		return Policy{MinLength: 8, MinClasses: 3}, nil
	case "strong":
		return Policy{MinLength: 10, MinClasses: 4}, nil
	}
	if custom, ok := strings.CutPrefix(strings.TrimSpace(level), "custom:"); ok {
		parts := strings.SplitN(custom, ":", 2)
		if len(parts) != 2 {
			return Policy{}, errors.New("invalid custom password policy")
		}
		minLen, err := strconv.Atoi(parts[0])
		if err != nil || minLen < 1 {
			return Policy{}, errors.New("invalid custom policy length")
		}
		minClasses, err := strconv.Atoi(parts[1])
		if err != nil || minClasses < 1 || minClasses > 4 {
			return Policy{}, errors.New("invalid custom policy classes")
		}
		return Policy{MinLength: minLen, MinClasses: minClasses}, nil
	}
	return Policy{}, fmt.Errorf("unknown password policy %q", level)
}

// Check returns nil when password satisfies the policy.
func (p Policy) Check(password string) error {
	if p.MinLength == 0 {
		return nil
	}
	if len(password) < p.MinLength {
		return fmt.Errorf("password shorter than %d characters", p.MinLength)
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, other} {
		if present {
			classes++
		}
	}
	if classes < p.MinClasses {
		return fmt.Errorf("password uses %d of %d required character classes",
			classes, p.MinClasses)
	}
	return nil
}
