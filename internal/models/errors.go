package models

import "errors"

var (
	ErrDuplicateUsername = errors.New("username already taken")
	ErrNotFound          = errors.New("not found")
	ErrBadCredentials    = errors.New("invalid username or password")
	ErrBadCode           = errors.New("verification code does not match")
	ErrExpired           = errors.New("registration expired")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotConnected      = errors.New("device not connected")
	ErrWriteError        = errors.New("write failed")
	ErrSessionExpired    = errors.New("session ended by a login elsewhere")
	// ErrStaleCommand is never surfaced to users; stale commands are dropped
	ErrStaleCommand = errors.New("stale command")
)
