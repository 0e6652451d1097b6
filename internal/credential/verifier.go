// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credential

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/jeranaias/profilegate/internal/profile"
)

// MinPasscodeLength is the shortest passcode accepted, counted in runes.
const MinPasscodeLength = 4

// ProfileStore is the subset of profile.Store the Verifier reads and writes.
type ProfileStore interface {
	Get(ctx context.Context, id string) (profile.Profile, error)
	EnrollPasscodeHash(ctx context.Context, id, hash string) error
	EnrollStrongCredential(ctx context.Context, id, handle string) error
}

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier performs passcode and strong-credential proofs for profiles.
type Verifier struct {
	profiles ProfileStore
	platform Platform
	rp       RelyingParty

	scheme    string
	argon     ArgonParams
	minLength int

	// states holds the transient strong-credential state per profile.
	mu     sync.Mutex
	states map[string]State
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPlatform sets the strong-credential platform.
func WithPlatform(p Platform) Option {
	return func(v *Verifier) {
		if p != nil {
			v.platform = p
		}
	}
}

// WithRelyingParty sets the origin new credentials are bound to.
func WithRelyingParty(rp RelyingParty) Option {
	return func(v *Verifier) {
		v.rp = rp
	}
}

// WithScheme selects the passcode hashing scheme used for new enrollments.
func WithScheme(scheme string) Option {
	return func(v *Verifier) {
		v.scheme = scheme
	}
}

// WithArgonParams overrides the argon2id cost parameters.
func WithArgonParams(p ArgonParams) Option {
	return func(v *Verifier) {
		v.argon = p
	}
}

// WithMinLength raises the minimum passcode length. Values below
// MinPasscodeLength are ignored.
func WithMinLength(n int) Option {
	return func(v *Verifier) {
		if n > MinPasscodeLength {
			v.minLength = n
		}
	}
}

// NewVerifier creates a Verifier over the given profile store.
func NewVerifier(profiles ProfileStore, opts ...Option) *Verifier {
	v := &Verifier{
		profiles:  profiles,
		platform:  UnsupportedPlatform{},
		rp:        RelyingParty{Origin: "profilegate.local", Name: "profilegate"},
		scheme:    SchemeSHA256,
		argon:     DefaultArgon,
		minLength: MinPasscodeLength,
		states:    make(map[string]State),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// =============================================================================
// PASSCODE
// =============================================================================

// ValidatePasscode checks a secret and its confirmation without touching
// any store.
func (v *Verifier) ValidatePasscode(secret, confirm string) error {
	if secret == "" || confirm == "" {
		return &ValidationError{Field: "passcode", Message: "passcode and confirmation are required"}
	}
	if secret != confirm {
		return &ValidationError{Field: "passcode", Message: "passcodes do not match"}
	}
	if utf8.RuneCountInString(secret) < v.minLength {
		return &ValidationError{
			Field:   "passcode",
			Message: fmt.Sprintf("passcode must be at least %d characters", v.minLength),
		}
	}
	return nil
}

// EnrollPasscode validates the pair and stores its digest on the profile.
func (v *Verifier) EnrollPasscode(ctx context.Context, profileID, secret, confirm string) error {
	if err := v.ValidatePasscode(secret, confirm); err != nil {
		return err
	}
	if _, err := v.profiles.Get(ctx, profileID); err != nil {
		return err
	}

	digest, err := v.hash(secret)
	if err != nil {
		return err
	}
	if err := v.profiles.EnrollPasscodeHash(ctx, profileID, digest); err != nil {
		return fmt.Errorf("store passcode: %w", err)
	}
	return nil
}

// VerifyPasscode reports whether secret matches the profile's enrolled
// passcode. It returns ErrNotEnrolled if none is enrolled.
func (v *Verifier) VerifyPasscode(ctx context.Context, profileID, secret string) (bool, error) {
	p, err := v.profiles.Get(ctx, profileID)
	if err != nil {
		return false, err
	}
	if !p.HasPasscode() {
		return false, ErrNotEnrolled
	}
	return MatchPasscode(secret, p.PasscodeHash)
}

func (v *Verifier) hash(secret string) (string, error) {
	switch strings.ToLower(v.scheme) {
	case SchemeArgon2id:
		return HashArgon2id(v.argon, secret)
	case SchemeSHA256, "":
		return HashPasscode(secret), nil
	default:
		return "", fmt.Errorf("unknown passcode scheme %q", v.scheme)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func newChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return c, nil
}
