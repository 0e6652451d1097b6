// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package softkey is a software platform authenticator. Each credential is
// an ed25519 key pair kept in the device key-value store under
// "softkey/<credential-id>". User presence is proven with a TOTP code from
// an authenticator app. At creation the otpauth:// URL is shown once and the
// first code from it must be entered before anything is stored.
package softkey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/kvstore"
)

// SlotPrefix prefixes every key-material slot.
const SlotPrefix = "softkey/"

var (
	// ErrUnknownCredential is returned when none of the allowed credentials
	// exist in the store.
	ErrUnknownCredential = errors.New("softkey: unknown credential")

	// ErrOriginMismatch is returned when a credential is asserted for a
	// different relying party than it was created for.
	ErrOriginMismatch = errors.New("softkey: relying party mismatch")

	// ErrPresenceFailed is returned when the presence code is wrong.
	ErrPresenceFailed = errors.New("softkey: presence check failed")
)

// Prompt describes a pending presence check.
type Prompt struct {
	CredentialID string
	UserID       string
	RelyingParty string

	// Provisioning is set only at creation. The user must add it to an
	// authenticator app before a code can be given.
	Provisioning string
}

// PresenceFunc asks the user for the current TOTP code.
type PresenceFunc func(ctx context.Context, p Prompt) (string, error)

// record is the persisted key material for one credential.
type record struct {
	ID           string    `json:"id"`
	RelyingParty string    `json:"rpId"`
	UserID       string    `json:"userId"`
	PublicKey    []byte    `json:"publicKey"`
	Seed         []byte    `json:"seed"`
	TOTPSecret   string    `json:"totpSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Authenticator implements credential.Platform in software.
type Authenticator struct {
	store    kvstore.Store
	presence PresenceFunc
	now      func() time.Time
}

var (
	_ credential.Platform          = (*Authenticator)(nil)
	_ credential.AssertionVerifier = (*Authenticator)(nil)
	_ credential.CredentialRemover = (*Authenticator)(nil)
)

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the clock used for TOTP validation.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Authenticator. presence may be nil, in which case the
// authenticator reports itself unavailable.
func New(store kvstore.Store, presence PresenceFunc, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:    store,
		presence: presence,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Available reports whether both a store and a presence prompt are wired.
func (a *Authenticator) Available(context.Context) bool {
	return a.store != nil && a.presence != nil
}

// Create generates a key pair and presence secret, confirms presence with
// a first code from the new secret and only then persists them.
func (a *Authenticator) Create(ctx context.Context, req credential.CreationRequest) (*credential.Attestation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.presence == nil {
		return nil, credential.ErrPlatformUnavailable
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("softkey: generate key: %w", err)
	}

	account := req.DisplayName
	if account == "" {
		account = req.UserID
	}
	issuer := req.RelyingParty.Name
	if issuer == "" {
		issuer = req.RelyingParty.Origin
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return nil, fmt.Errorf("softkey: generate presence secret: %w", err)
	}

	rec := record{
		ID:           uuid.NewString(),
		RelyingParty: req.RelyingParty.Origin,
		UserID:       req.UserID,
		PublicKey:    pub,
		Seed:         priv.Seed(),
		TOTPSecret:   key.Secret(),
		CreatedAt:    a.now().UTC(),
	}
	if err := a.confirm(ctx, &rec, key.URL()); err != nil {
		return nil, err
	}
	if err := kvstore.PutJSON(ctx, a.store, SlotPrefix+rec.ID, rec); err != nil {
		return nil, fmt.Errorf("softkey: store key: %w", err)
	}

	return &credential.Attestation{
		CredentialID: rec.ID,
		Provisioning: key.URL(),
	}, nil
}

// Assert checks presence and signs the challenge with the first allowed
// credential found in the store.
func (a *Authenticator) Assert(ctx context.Context, req credential.AssertionRequest) (*credential.Assertion, error) {
	rec, err := a.find(ctx, req.AllowCredentials)
	if err != nil {
		return nil, err
	}
	if rec.RelyingParty != req.RelyingParty.Origin {
		return nil, ErrOriginMismatch
	}

	if err := a.confirm(ctx, rec, ""); err != nil {
		return nil, err
	}

	priv := ed25519.NewKeyFromSeed(rec.Seed)
	return &credential.Assertion{
		CredentialID: rec.ID,
		Challenge:    req.Challenge,
		Signature:    ed25519.Sign(priv, req.Challenge),
	}, nil
}

// Verify checks an assertion's signature against the stored public key.
func (a *Authenticator) Verify(ctx context.Context, asn *credential.Assertion) (bool, error) {
	if asn == nil {
		return false, nil
	}
	rec, err := a.find(ctx, []string{asn.CredentialID})
	if err != nil {
		return false, err
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("softkey: corrupt public key for %s", rec.ID)
	}
	return ed25519.Verify(rec.PublicKey, asn.Challenge, asn.Signature), nil
}

// Remove deletes a credential's key material. Removing an unknown
// credential is not an error.
func (a *Authenticator) Remove(ctx context.Context, credentialID string) error {
	if err := a.store.Delete(ctx, SlotPrefix+credentialID); err != nil {
		return fmt.Errorf("softkey: remove %s: %w", credentialID, err)
	}
	return nil
}

// confirm asks for the current code of rec's presence secret.
func (a *Authenticator) confirm(ctx context.Context, rec *record, provisioning string) error {
	code, err := a.presence(ctx, Prompt{
		CredentialID: rec.ID,
		UserID:       rec.UserID,
		RelyingParty: rec.RelyingParty,
		Provisioning: provisioning,
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ok, err := totp.ValidateCustom(strings.TrimSpace(code), rec.TOTPSecret, a.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrPresenceFailed
	}
	return nil
}

func (a *Authenticator) find(ctx context.Context, ids []string) (*record, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		var rec record
		found, err := kvstore.GetJSON(ctx, a.store, SlotPrefix+id, &rec)
		if err != nil {
			return nil, fmt.Errorf("softkey: load %s: %w", id, err)
		}
		if !found {
			continue
		}
		if len(rec.Seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("softkey: corrupt key material for %s", id)
		}
		return &rec, nil
	}
	return nil, ErrUnknownCredential
}
