package runtimeregistry

import "errors"

// Business-validation errors surfaced to the HTTP layer as 400 (or 401 for
// InvalidToken, handled by pkg/token).
var (
	ErrRuntimeNotFound          = errors.New("runtime not found")
	ErrRegistrationTokenInvalid = errors.New("registration token invalid")
	ErrRegistrationTokenExpired = errors.New("registration token expired")
	ErrRegistrationTokenUsed    = errors.New("registration token already used")
	ErrNoEligibleRuntime        = errors.New("no eligible runtime")
)
