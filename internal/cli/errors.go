// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/credential/softkey"
	"github.com/jeranaias/profilegate/internal/envelope"
	"github.com/jeranaias/profilegate/internal/gate"
	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/profile"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates any failed operation
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
)

// UsageError is a malformed command line.
type UsageError struct {
	Message string
	Usage   string
}

func (e *UsageError) Error() string {
	return e.Message
}

// CommandError gives an error the command and action that produced it.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// usagef builds a UsageError.
func usagef(usage, format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...), Usage: usage}
}

// GetExitCode maps an error to a process exit status.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ue *UsageError
	if errors.As(err, &ue) {
		return ExitUsageError
	}
	return ExitGeneralError
}

// errorMessage renders err for a person.
func errorMessage(err error) string {
	var v *policy.Violation
	var ve *credential.ValidationError
	switch {
	case errors.As(err, &v):
		return "access denied by policy: " + v.Reason
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, credential.ErrCredentialMismatch):
		return "credential did not match"
	case errors.Is(err, credential.ErrNotEnrolled):
		return "no credential of that kind is enrolled for this profile"
	case errors.Is(err, credential.ErrPlatformUnavailable):
		return "no platform authenticator is available (strong.authenticator)"
	case errors.Is(err, envelope.ErrCryptoFailure):
		return "could not open the bundle: wrong passphrase or damaged file"
	case errors.Is(err, softkey.ErrPresenceFailed):
		return "authenticator code rejected"
	}
	return err.Error()
}

// errorHint suggests a next step for well-known errors.
func errorHint(err error) string {
	var ue *UsageError
	switch {
	case errors.As(err, &ue) && ue.Usage != "":
		return "Usage: " + ue.Usage
	case errors.Is(err, profile.ErrProfileNotFound):
		return "Run 'profilegate profiles' to list profile ids."
	case errors.Is(err, gate.ErrSessionRequired):
		return "Unlock a profile first (profilegate unlock <id>), then retry."
	case errors.Is(err, gate.ErrAlreadyEnrolled):
		return "Use 'profilegate unlock <id> --strong' to verify the existing credential."
	case errors.Is(err, credential.ErrNotEnrolled):
		return "Enroll one with 'profilegate enroll passcode <id>'."
	}
	return ""
}

// DisplayError writes err as a JSON error response or as styled text.
func DisplayError(out, errOut io.Writer, command string, err error, jsonMode bool) {
	if jsonMode {
		_ = NewJSONErrorResponse(command, err).Write(out)
		return
	}
	fmt.Fprintf(errOut, "%s %s\n", ErrorStyle.Render("Error:"), errorMessage(err))
	if hint := errorHint(err); hint != "" {
		fmt.Fprintln(errOut, DimStyle.Render(hint))
	}
}
