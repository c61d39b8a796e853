package auth

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/alexedwards/argon2id"
)

// Params are the argon2id cost settings used for new hashes.
var Params = &argon2id.Params{
	Memory:      64 * 1024,
	Iterations:  1,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

// dummyHash is verified against when no account matches, so lookups for
// unknown emails cost the same as a wrong password.
var dummyHash = mustHash("pdfpage-timing-equalizer")

// HashPassword returns an encoded argon2id hash ($argon2id$v=19$m=...).
func HashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, Params)
	if err != nil {
		return "", fmt.Errorf("create argon2id hash: %w", err)
	}
	return hash, nil
}

// CheckPassword validates a password against an encoded hash.
// The comparison is constant time; malformed hashes never match.
func CheckPassword(password, stored string) bool {
	if stored == "" {
		BurnPasswordCheck(password)
		return false
	}
	ok, err := argon2id.ComparePasswordAndHash(password, stored)
	if err != nil {
		return false
	}
	return ok
}

// BurnPasswordCheck spends one hash verification for an unknown account.
func BurnPasswordCheck(password string) {
	_, _ = argon2id.ComparePasswordAndHash(password, dummyHash)
}

var (
	ErrPasswordTooShort     = errors.New("Password must be at least 6 characters long")
	ErrPasswordMissingLower = errors.New("Password must contain at least one lowercase letter")
	ErrPasswordMissingUpper = errors.New("Password must contain at least one uppercase letter")
	ErrPasswordMissingDigit = errors.New("Password must contain at least one number")
)

// ValidatePassword enforces: at least 6 characters, one lowercase letter,
// one uppercase letter and one digit.
func ValidatePassword(password string) error {
	if len([]rune(password)) < 6 {
		return ErrPasswordTooShort
	}
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower {
		return ErrPasswordMissingLower
	}
	if !upper {
		return ErrPasswordMissingUpper
	}
	if !digit {
		return ErrPasswordMissingDigit
	}
	return nil
}

func mustHash(password string) string {
	hash, err := argon2id.CreateHash(password, Params)
	if err != nil {
		panic(err)
	}
	return hash
}
