package app

import "errors"

var (
	// ErrInvalidCredentials is returned for an unknown email and for a wrong
	// password alike, so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("Invalid email or password")

	ErrEmailAlreadyExists = errors.New("User already exists with this email")
	ErrUserNotFound       = errors.New("User not found")

	ErrCurrentPasswordWrong = errors.New("Current password is incorrect")
	ErrPasswordRequired     = errors.New("Current and new password are required")

	ErrShareDisabled = errors.New("cloud upload is not configured")
)
