package storage

import "errors"

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")

	ErrTokenExists   = errors.New("refresh token hash already exists")
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenRevoked is returned by conditional mutations when the record was
	// already revoked, including losing a concurrent rotation race.
	ErrTokenRevoked = errors.New("refresh token already revoked")

	// ErrUnavailable marks transient store failures (timeouts, lost
	// connections) that are safe to retry.
	ErrUnavailable = errors.New("storage unavailable")
)
