// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/profilegate/internal/profile"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is a profile's position in the strong-credential state machine.
type State int

const (
	StateUnenrolled State = iota
	StateEnrolling
	StateEnrolled
	StateVerifying
	StateUnlocked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnenrolled:
		return "unenrolled"
	case StateEnrolling:
		return "enrolling"
	case StateEnrolled:
		return "enrolled"
	case StateVerifying:
		return "verifying"
	case StateUnlocked:
		return "unlocked"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateUnlocked || s == StateFailed
}

// StrongResult describes a successful strong-credential attempt.
type StrongResult struct {
	// Enrolled is true when this attempt created the credential.
	Enrolled     bool
	CredentialID string

	// Provisioning is the platform's one-time setup data, set only on
	// enrollment.
	Provisioning string
}

// StrongAvailable reports whether the platform can be used.
func (v *Verifier) StrongAvailable(ctx context.Context) bool {
	return v.platform.Available(ctx)
}

// StrongState returns the profile's current state. Between attempts the
// state is derived from the stored profile, except that the outcome of the
// last attempt in this process is reported until Reset.
func (v *Verifier) StrongState(ctx context.Context, profileID string) (State, error) {
	v.mu.Lock()
	st, ok := v.states[profileID]
	v.mu.Unlock()
	if ok {
		return st, nil
	}

	p, err := v.profiles.Get(ctx, profileID)
	if err != nil {
		return StateUnenrolled, err
	}
	if p.HasStrongCredential() {
		return StateEnrolled, nil
	}
	return StateUnenrolled, nil
}

// Reset forgets transient state for every profile.
func (v *Verifier) Reset() {
	v.mu.Lock()
	v.states = make(map[string]State)
	v.mu.Unlock()
}

// AuthenticateStrong runs one strong-credential attempt. An unenrolled
// profile is enrolled; an enrolled one is verified. Both success paths end
// in StateUnlocked.
//
// ErrPlatformUnavailable is returned before anything is attempted. Any
// other failure wraps ErrCredentialMismatch and leaves the profile in
// StateFailed.
func (v *Verifier) AuthenticateStrong(ctx context.Context, profileID string) (*StrongResult, error) {
	if !v.platform.Available(ctx) {
		return nil, ErrPlatformUnavailable
	}

	p, err := v.profiles.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}

	if !p.HasStrongCredential() {
		return v.enrollStrong(ctx, p)
	}
	return v.verifyStrong(ctx, p)
}

func (v *Verifier) enrollStrong(ctx context.Context, p profile.Profile) (*StrongResult, error) {
	v.setState(p.ID, StateEnrolling)

	challenge, err := newChallenge()
	if err != nil {
		return nil, v.fail(p.ID, err)
	}

	att, err := v.platform.Create(ctx, CreationRequest{
		Challenge:    challenge,
		RelyingParty: v.rp,
		UserID:       p.ID,
		DisplayName:  p.DisplayLabel,
	})
	if err != nil {
		return nil, v.fail(p.ID, err)
	}
	if att == nil || att.CredentialID == "" {
		return nil, v.fail(p.ID, fmt.Errorf("platform returned no credential"))
	}

	if err := v.profiles.EnrollStrongCredential(ctx, p.ID, att.CredentialID); err != nil {
		v.setState(p.ID, StateFailed)
		err = fmt.Errorf("store credential: %w", err)
		if r, ok := v.platform.(CredentialRemover); ok {
			if rerr := r.Remove(ctx, att.CredentialID); rerr != nil {
				err = errors.Join(err, fmt.Errorf("discard credential %s: %w", att.CredentialID, rerr))
			}
		}
		return nil, err
	}

	v.setState(p.ID, StateUnlocked)
	return &StrongResult{
		Enrolled:     true,
		CredentialID: att.CredentialID,
		Provisioning: att.Provisioning,
	}, nil
}

func (v *Verifier) verifyStrong(ctx context.Context, p profile.Profile) (*StrongResult, error) {
	v.setState(p.ID, StateVerifying)

	challenge, err := newChallenge()
	if err != nil {
		return nil, v.fail(p.ID, err)
	}

	asn, err := v.platform.Assert(ctx, AssertionRequest{
		Challenge:        challenge,
		RelyingParty:     v.rp,
		AllowCredentials: []string{p.StrongCredentialID},
	})
	if err != nil {
		return nil, v.fail(p.ID, err)
	}
	if asn == nil {
		return nil, v.fail(p.ID, fmt.Errorf("platform returned no assertion"))
	}
	if asn.CredentialID != p.StrongCredentialID {
		return nil, v.fail(p.ID, fmt.Errorf("assertion for unexpected credential"))
	}
	if !bytes.Equal(asn.Challenge, challenge) {
		return nil, v.fail(p.ID, fmt.Errorf("assertion for stale challenge"))
	}
	if av, ok := v.platform.(AssertionVerifier); ok {
		valid, err := av.Verify(ctx, asn)
		if err != nil {
			return nil, v.fail(p.ID, err)
		}
		if !valid {
			return nil, v.fail(p.ID, fmt.Errorf("assertion signature invalid"))
		}
	}

	v.setState(p.ID, StateUnlocked)
	return &StrongResult{CredentialID: asn.CredentialID}, nil
}

func (v *Verifier) setState(profileID string, st State) {
	v.mu.Lock()
	v.states[profileID] = st
	v.mu.Unlock()
}

// fail records StateFailed and wraps cause so that both
// ErrCredentialMismatch and the underlying error (for example
// context.Canceled) match with errors.Is.
func (v *Verifier) fail(profileID string, cause error) error {
	v.setState(profileID, StateFailed)
	return fmt.Errorf("%w: %w", ErrCredentialMismatch, cause)
}
