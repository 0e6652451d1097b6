// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credential

import (
	"context"
)

// ChallengeSize is the length of every random challenge sent to a Platform.
const ChallengeSize = 32

// RelyingParty identifies the application a credential is bound to.
type RelyingParty struct {
	// Origin is the relying-party id, e.g. "profilegate.local".
	Origin string
	Name   string
}

// CreationRequest asks a Platform to create a new key pair.
type CreationRequest struct {
	Challenge    []byte
	RelyingParty RelyingParty
	UserID       string
	DisplayName  string
}

// Attestation is the result of a successful creation.
type Attestation struct {
	CredentialID string

	// Provisioning is out-of-band setup data to show the user exactly once,
	// for example an otpauth:// URL. It is never persisted by the Verifier.
	Provisioning string
}

// AssertionRequest asks a Platform to sign a challenge with one of the
// allowed credentials.
type AssertionRequest struct {
	Challenge        []byte
	RelyingParty     RelyingParty
	AllowCredentials []string
}

// Assertion is a signed response to an AssertionRequest.
type Assertion struct {
	CredentialID string
	Challenge    []byte
	Signature    []byte
}

// Platform is a device authenticator capable of public-key proofs.
type Platform interface {
	// Available reports whether the platform can be used at all.
	Available(ctx context.Context) bool

	// Create makes a new key pair bound to the request's user and origin.
	Create(ctx context.Context, req CreationRequest) (*Attestation, error)

	// Assert produces an assertion with one of req.AllowCredentials.
	Assert(ctx context.Context, req AssertionRequest) (*Assertion, error)
}

// AssertionVerifier is implemented by platforms that can check an
// assertion's signature against the stored public key. When the Verifier's
// platform implements it, every assertion must pass Verify.
type AssertionVerifier interface {
	Verify(ctx context.Context, asn *Assertion) (bool, error)
}

// CredentialRemover is implemented by platforms that keep key material the
// Verifier may need to discard, for example after a failed enrollment.
type CredentialRemover interface {
	Remove(ctx context.Context, credentialID string) error
}

// UnsupportedPlatform is used when strong credentials are disabled. It is
// never available.
type UnsupportedPlatform struct{}

func (UnsupportedPlatform) Available(context.Context) bool { return false }

func (UnsupportedPlatform) Create(context.Context, CreationRequest) (*Attestation, error) {
	return nil, ErrPlatformUnavailable
}

func (UnsupportedPlatform) Assert(context.Context, AssertionRequest) (*Assertion, error) {
	return nil, ErrPlatformUnavailable
}
