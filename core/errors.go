package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrExpired            = errors.New("expired")
	ErrAlreadyUsed        = errors.New("already used")
	ErrMismatchedCeremony = errors.New("mismatched ceremony")
	ErrInvalid            = errors.New("invalid")
	ErrSessionExpired     = errors.New("session expired")
	ErrForbidden          = errors.New("forbidden")
	ErrUpstream           = errors.New("upstream failure")
	ErrCredentialExists   = errors.New("credential already registered")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTokenInvalidated   = errors.New("token has been invalidated")

	// ErrVerificationFailed marks a ceremony response rejected by the
	// WebAuthn library. It is still an ErrInvalid.
	ErrVerificationFailed = fmt.Errorf("verification failed: %w", ErrInvalid)
)

// IsDomain reports whether err carries one of the sentinel errors above.
// Anything else is treated as an infrastructure failure.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrExpired, ErrAlreadyUsed, ErrMismatchedCeremony, ErrInvalid,
		ErrSessionExpired, ErrForbidden, ErrUpstream, ErrCredentialExists,
		ErrUnauthorized, ErrTokenInvalidated,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
