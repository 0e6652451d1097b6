// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEnrolled is returned when verifying a mechanism the profile has
	// never enrolled.
	ErrNotEnrolled = errors.New("credential not enrolled")

	// ErrCredentialMismatch is returned when a proof was attempted and failed.
	ErrCredentialMismatch = errors.New("credential mismatch")

	// ErrPlatformUnavailable is returned when the strong-credential platform
	// cannot be used on this device. The passcode mechanism is unaffected.
	ErrPlatformUnavailable = errors.New("platform authenticator unavailable")

	// ErrInvalidHash is returned when a stored passcode hash cannot be parsed.
	ErrInvalidHash = errors.New("invalid passcode hash")
)

// ValidationError reports malformed or missing input. No proof was attempted,
// so it never produces an audit entry.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
