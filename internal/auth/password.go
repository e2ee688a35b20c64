package auth

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	PasswordMinLength = 8
	PasswordMaxLength = 128
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// FieldErrors maps a request field to a machine-readable reason.
type FieldErrors map[string]string

// CheckPasswordPolicy validates a new password and its confirmation. identifier
// is the account's normalized identifier, which the password must not equal.
// The result is nil when the password is acceptable.
func CheckPasswordPolicy(password, confirmation, identifier string) FieldErrors {
	errs := FieldErrors{}
	n := utf8.RuneCountInString(password)
	switch {
	case n == 0:
		errs["new_secret"] = "required"
	case n < PasswordMinLength:
		errs["new_secret"] = "too_short"
	case n > PasswordMaxLength:
		errs["new_secret"] = "too_long"
	default:
		var upper, lower, digit bool
		for _, r := range password {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		if !upper || !lower || !digit {
			errs["new_secret"] = "too_weak"
		} else if identifier != "" && strings.EqualFold(strings.TrimSpace(password), identifier) {
			errs["new_secret"] = "matches_identifier"
		}
	}
	if confirmation != password {
		errs["new_secret_confirmation"] = "mismatch"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
