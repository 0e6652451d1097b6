// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/profilegate/internal/audit"
	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/profile"
)

// Request is one attempt to enter a profile.
type Request struct {
	ProfileID string

	// Strong selects the platform authenticator; otherwise Passcode is used.
	Strong   bool
	Passcode string

	Policy policy.Policy
}

// Result describes a successful unlock.
type Result struct {
	ProfileID string
	RoleTag   string
	Method    audit.Method
	Session   policy.SessionToken

	// Provisioning is set when this unlock enrolled a strong credential.
	Provisioning string
}

// Unlock runs one attempt. Errors are one of:
//
//   - *credential.ValidationError: nothing attempted, not audited
//   - *policy.Violation: blocked before the verifier, audited only with
//     WithPolicyDenialAudit
//   - credential.ErrPlatformUnavailable or credential.ErrNotEnrolled:
//     nothing attempted, not audited
//   - ErrSessionRequired: strong enrollment on a profile that already has
//     a passcode, without an active session; not audited
//   - credential.ErrCredentialMismatch: audited with success=false
//
// A cancelled ctx abandons the attempt without an audit entry.
func (g *Gate) Unlock(ctx context.Context, req Request) (*Result, error) {
	p, err := g.profiles.Get(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}

	method := audit.MethodVerifyPasscode
	if req.Strong {
		method = audit.MethodVerifyStrong
		if !p.HasStrongCredential() {
			method = audit.MethodEnrollStrong
			if p.HasPasscode() {
				if err := g.requireSession(ctx); err != nil {
					return nil, err
				}
			}
		}
	} else {
		if req.Passcode == "" {
			return nil, &credential.ValidationError{Field: "passcode", Message: "passcode is required"}
		}
		if !p.HasPasscode() {
			return nil, credential.ErrNotEnrolled
		}
	}

	if err := g.admit(ctx, p, method, req.Policy); err != nil {
		return nil, err
	}

	if req.Strong {
		return g.unlockStrong(ctx, p, method)
	}
	return g.unlockPasscode(ctx, p, req.Passcode)
}

// EnrollStrong enrolls a strong credential for a profile that has none.
// Enrollment passes the same policy gates as an unlock and, on success,
// is itself an unlock. A profile with a passcode needs an active session
// first.
func (g *Gate) EnrollStrong(ctx context.Context, profileID string, pol policy.Policy) (*Result, error) {
	p, err := g.profiles.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if p.HasStrongCredential() {
		return nil, ErrAlreadyEnrolled
	}
	return g.Unlock(ctx, Request{ProfileID: profileID, Strong: true, Policy: pol})
}

// EnrollPasscode sets a profile's passcode. Replacing an existing passcode
// requires an active session. Enrollment is audited but grants nothing.
func (g *Gate) EnrollPasscode(ctx context.Context, profileID, secret, confirm string) error {
	p, err := g.profiles.Get(ctx, profileID)
	if err != nil {
		return err
	}
	if err := g.verifier.ValidatePasscode(secret, confirm); err != nil {
		return err
	}
	if p.HasPasscode() {
		if err := g.requireSession(ctx); err != nil {
			return err
		}
	}

	err = g.verifier.EnrollPasscode(ctx, profileID, secret, confirm)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	success := err == nil
	if aerr := g.record(ctx, profileID, audit.MethodEnrollPasscode, success, ""); aerr != nil {
		return aerr
	}
	if err != nil {
		g.logger.Warn("PASSCODE_ENROLL_FAILED", "profile", profileID, "error", err)
		return err
	}

	g.logger.Info("PASSCODE_ENROLLED", "profile", profileID, "scheme", g.passcodeScheme(ctx, profileID))
	return nil
}

// requireSession returns ErrSessionRequired unless a session is active.
func (g *Gate) requireSession(ctx context.Context) error {
	tok, err := g.engine.Current(ctx)
	if err != nil {
		return err
	}
	if !tok.Valid(g.now()) {
		return ErrSessionRequired
	}
	return nil
}

// admit runs the policy gates and the attempt limiter. An attempt allowed
// by an unexpired session is not charged to the limiter.
func (g *Gate) admit(ctx context.Context, p profile.Profile, method audit.Method, pol policy.Policy) error {
	now := g.now()

	decision, err := g.engine.Check(ctx, now, pol)
	if err != nil {
		return err
	}
	if decision.Allowed && !decision.Session && !g.allowAttempt(p.ID, now) {
		decision = policy.Deny(policy.ReasonRateLimited)
	}
	if decision.Allowed {
		return nil
	}

	g.metrics.PolicyDenied(decision.Reason)
	g.logger.Warn("POLICY_DENIED", "profile", p.ID, "method", string(method), "reason", decision.Reason)
	if g.auditDenials {
		if err := g.record(ctx, p.ID, method, false, decision.Reason); err != nil {
			return err
		}
	}
	return decision.Err()
}

func (g *Gate) unlockPasscode(ctx context.Context, p profile.Profile, secret string) (*Result, error) {
	ok, err := g.verifier.VerifyPasscode(ctx, p.ID, secret)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, credential.ErrNotEnrolled) || errors.Is(err, profile.ErrProfileNotFound) {
			return nil, err
		}
		return nil, g.failAttempt(ctx, p.ID, audit.MethodVerifyPasscode, err)
	}
	if !ok {
		return nil, g.failAttempt(ctx, p.ID, audit.MethodVerifyPasscode, credential.ErrCredentialMismatch)
	}
	return g.completeUnlock(ctx, p, audit.MethodVerifyPasscode, "")
}

func (g *Gate) unlockStrong(ctx context.Context, p profile.Profile, method audit.Method) (*Result, error) {
	res, err := g.verifier.AuthenticateStrong(ctx, p.ID)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, credential.ErrPlatformUnavailable) || errors.Is(err, profile.ErrProfileNotFound) {
			return nil, err
		}
		return nil, g.failAttempt(ctx, p.ID, method, err)
	}

	if res.Enrolled {
		g.logger.Info("STRONG_ENROLLED", "profile", p.ID, "credential", res.CredentialID)
	}
	return g.completeUnlock(ctx, p, method, res.Provisioning)
}

// completeUnlock is the single grant path: audit, session, callback.
func (g *Gate) completeUnlock(ctx context.Context, p profile.Profile, method audit.Method, provisioning string) (*Result, error) {
	if err := g.record(ctx, p.ID, method, true, ""); err != nil {
		return nil, err
	}

	tok, err := g.engine.Grant(ctx, g.now())
	if err != nil {
		return nil, fmt.Errorf("grant session: %w", err)
	}
	g.metrics.SessionGranted()
	g.logger.Info("UNLOCK_GRANTED",
		"profile", p.ID,
		"method", string(method),
		"expires", tok.ExpiresAt.Format(time.RFC3339),
	)

	if g.onUnlock != nil {
		g.onUnlock(p.ID, p.RoleTag)
	}

	return &Result{
		ProfileID:    p.ID,
		RoleTag:      p.RoleTag,
		Method:       method,
		Session:      tok,
		Provisioning: provisioning,
	}, nil
}

// failAttempt audits a failed proof and returns cause.
func (g *Gate) failAttempt(ctx context.Context, profileID string, method audit.Method, cause error) error {
	g.logger.Warn("UNLOCK_FAILED", "profile", profileID, "method", string(method), "error", cause)
	if err := g.record(ctx, profileID, method, false, ""); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// record appends one audit entry and counts it.
func (g *Gate) record(ctx context.Context, profileID string, method audit.Method, success bool, reason string) error {
	err := g.audit.Append(ctx, audit.Entry{
		Timestamp: g.now(),
		ProfileID: profileID,
		Method:    method,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		g.logger.Error("AUDIT_WRITE_FAILED", "profile", profileID, "method", string(method), "error", err)
		return fmt.Errorf("append audit entry: %w", err)
	}
	if reason == "" {
		g.metrics.Attempt(string(method), success)
	}
	return nil
}

// passcodeScheme reports the scheme of the stored passcode, for logging.
func (g *Gate) passcodeScheme(ctx context.Context, profileID string) string {
	p, err := g.profiles.Get(ctx, profileID)
	if err != nil {
		return ""
	}
	return credential.Scheme(p.PasscodeHash)
}
