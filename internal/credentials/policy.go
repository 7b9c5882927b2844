package credentials

import (
	"fmt"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Policy is the password strength rule set.
type Policy struct {
	MinLength int
	MaxLength int
	// StrongLength is the length at which character-class diversity is no
	// longer required (passphrases).
	StrongLength int
	MinClasses   int
}

// DefaultPolicy accepts 10+ characters with three character classes, or any
// passphrase of 16+ characters.
var DefaultPolicy = Policy{
	MinLength:    10,
	MaxLength:    256,
	StrongLength: 16,
	MinClasses:   3,
}

// Check returns ErrWeakPassword with the failing rule attached.
func (p Policy) Check(password string) error {
	n := len([]rune(password))
	if n < p.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, p.MinLength)
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		return fmt.Errorf("%w: must be at most %d bytes", ErrWeakPassword, p.MaxLength)
	}
	if p.StrongLength > 0 && n >= p.StrongLength {
		return nil
	}
	if classes(password) < p.MinClasses {
		return fmt.Errorf("%w: use at least %d of lower, upper, digit and symbol characters", ErrWeakPassword, p.MinClasses)
	}
	return nil
}

func classes(s string) int {
	var lower, upper, digit, other bool
	for _, r := range s {
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
	n := 0
	for _, ok := range []bool{lower, upper, digit, other} {
		if ok {
			n++
		}
	}
	return n
}

// ValidateEmail checks an already normalized address.
func ValidateEmail(email string) error {
	err := validation.Validate(email,
		validation.Required,
		validation.Length(3, 254),
		is.EmailFormat,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return nil
}
