package login

import "errors"

var (
	ErrInvalidCredentials = errors.New("login: invalid credentials")
	ErrRateLimited        = errors.New("login: rate limited")
	ErrSessionNotFound    = errors.New("login: session not found")
	ErrSessionExpired     = errors.New("login: session expired")
	ErrSessionConsumed    = errors.New("login: session already consumed")
	ErrOTPMismatch        = errors.New("login: code mismatch")
	ErrOTPExpired         = errors.New("login: code expired")
	ErrAttemptsExceeded   = errors.New("login: code attempts exceeded")
)
