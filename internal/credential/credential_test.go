// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credential

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/profilegate/internal/kvstore"
	"github.com/jeranaias/profilegate/internal/profile"
)

// fastArgon keeps argon2id tests quick.
var fastArgon = ArgonParams{Memory: 1024, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func newProfiles(t *testing.T) *profile.Store {
	t.Helper()
	store := profile.NewStore(profile.NewKVRepository(kvstore.NewMemory()))
	require.NoError(t, store.Seed(context.Background()))
	return store
}

// fakePlatform is a scripted Platform.
type fakePlatform struct {
	available bool
	createErr error
	assertErr error

	// tamper alters a successful assertion before it is returned.
	tamper func(*Assertion) *Assertion

	creates int
	asserts int
	lastRP  RelyingParty
}

func (f *fakePlatform) Available(context.Context) bool { return f.available }

func (f *fakePlatform) Create(_ context.Context, req CreationRequest) (*Attestation, error) {
	f.creates++
	f.lastRP = req.RelyingParty
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Attestation{CredentialID: "cred-" + req.UserID, Provisioning: "otpauth://totp/test"}, nil
}

func (f *fakePlatform) Assert(_ context.Context, req AssertionRequest) (*Assertion, error) {
	f.asserts++
	if f.assertErr != nil {
		return nil, f.assertErr
	}
	asn := &Assertion{CredentialID: req.AllowCredentials[0], Challenge: req.Challenge}
	if f.tamper != nil {
		return f.tamper(asn), nil
	}
	return asn, nil
}

// checkingPlatform also verifies signatures and discards key material.
type checkingPlatform struct {
	fakePlatform
	valid     bool
	verifyErr error
	verifies  int
	removed   []string
}

func (c *checkingPlatform) Verify(_ context.Context, asn *Assertion) (bool, error) {
	c.verifies++
	return c.valid, c.verifyErr
}

func (c *checkingPlatform) Remove(_ context.Context, id string) error {
	c.removed = append(c.removed, id)
	return nil
}

// flakyRepo fails Save once failSave is set.
type flakyRepo struct {
	profile.Repository
	failSave bool
}

func (r *flakyRepo) Save(ctx context.Context, ident *profile.Identity) error {
	if r.failSave {
		return errors.New("disk full")
	}
	return r.Repository.Save(ctx, ident)
}

// =============================================================================
// HASHING TESTS
// =============================================================================

func TestHashPasscode_Deterministic(t *testing.T) {
	assert.Equal(t, HashPasscode("1234"), HashPasscode("1234"))
	assert.NotEqual(t, HashPasscode("1234"), HashPasscode("1235"))
	// Known SHA-256 vector.
	assert.Equal(t,
		"03ac674216f3e15c761ee1a5e255f067953623c8b388b4459e13f978d7c846f4",
		HashPasscode("1234"))
	assert.Len(t, HashPasscode(""), 64)
}

func TestScheme(t *testing.T) {
	argon, err := HashArgon2id(fastArgon, "secret")
	require.NoError(t, err)

	assert.Equal(t, SchemeSHA256, Scheme(HashPasscode("x")))
	assert.Equal(t, SchemeArgon2id, Scheme(argon))
	assert.Equal(t, "", Scheme("plaintext"))
	assert.True(t, strings.HasPrefix(argon, "$argon2id$v=19$m=1024,t=1,p=1$"))
}

func TestMatchPasscode(t *testing.T) {
	argon, err := HashArgon2id(fastArgon, "correct horse")
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		stored  string
		want    bool
		wantErr error
	}{
		{"sha256 match", "1234", HashPasscode("1234"), true, nil},
		{"sha256 upper-case stored", "1234", strings.ToUpper(HashPasscode("1234")), true, nil},
		{"sha256 mismatch", "4321", HashPasscode("1234"), false, nil},
		{"argon2id match", "correct horse", argon, true, nil},
		{"argon2id mismatch", "wrong horse", argon, false, nil},
		{"garbage", "1234", "not-a-hash", false, ErrInvalidHash},
		{"truncated argon", "1234", "$argon2id$v=19$m=1,t=1,p=1$abc", false, ErrInvalidHash},
		{"bad argon version", "1234", "$argon2id$v=16$m=1024,t=1,p=1$c2FsdA$a2V5", false, ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchPasscode(tt.secret, tt.stored)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashArgon2id_FreshSalt(t *testing.T) {
	a, err := HashArgon2id(fastArgon, "same")
	require.NoError(t, err)
	b, err := HashArgon2id(fastArgon, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// =============================================================================
// PASSCODE ENROLLMENT TESTS
// =============================================================================

func TestEnrollPasscode_Validation(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		confirm string
	}{
		{"empty secret", "", "1234"},
		{"empty confirm", "1234", ""},
		{"mismatch", "1234", "12345"},
		{"too short", "123", "123"},
		{"short unicode", "日本語", "日本語"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profiles := newProfiles(t)
			v := NewVerifier(profiles)

			err := v.EnrollPasscode(context.Background(), "work", tt.secret, tt.confirm)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			p, err := profiles.Get(context.Background(), "work")
			require.NoError(t, err)
			assert.False(t, p.HasPasscode(), "rejected enrollment must not store anything")
		})
	}
}

func TestEnrollPasscode_RuneLength(t *testing.T) {
	v := NewVerifier(newProfiles(t))
	// Four runes, twelve bytes.
	assert.NoError(t, v.EnrollPasscode(context.Background(), "work", "日本語字", "日本語字"))
}

func TestEnrollPasscode_MinLengthOption(t *testing.T) {
	v := NewVerifier(newProfiles(t), WithMinLength(8))
	err := v.EnrollPasscode(context.Background(), "work", "12345", "12345")
	assert.True(t, IsValidationError(err))

	lowered := NewVerifier(newProfiles(t), WithMinLength(2))
	err = lowered.EnrollPasscode(context.Background(), "work", "123", "123")
	assert.True(t, IsValidationError(err), "minimum cannot go below 4")
}

func TestEnrollThenVerify(t *testing.T) {
	for _, scheme := range []string{SchemeSHA256, SchemeArgon2id} {
		t.Run(scheme, func(t *testing.T) {
			ctx := context.Background()
			profiles := newProfiles(t)
			v := NewVerifier(profiles, WithScheme(scheme), WithArgonParams(fastArgon))

			require.NoError(t, v.EnrollPasscode(ctx, "finance", "s3cret!", "s3cret!"))

			p, err := profiles.Get(ctx, "finance")
			require.NoError(t, err)
			assert.Equal(t, scheme, Scheme(p.PasscodeHash))

			ok, err := v.VerifyPasscode(ctx, "finance", "s3cret!")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = v.VerifyPasscode(ctx, "finance", "s3cret?")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerifyPasscode_MixedSchemes(t *testing.T) {
	ctx := context.Background()
	profiles := newProfiles(t)

	legacy := NewVerifier(profiles)
	require.NoError(t, legacy.EnrollPasscode(ctx, "work", "legacy-pass", "legacy-pass"))

	upgraded := NewVerifier(profiles, WithScheme(SchemeArgon2id), WithArgonParams(fastArgon))
	ok, err := upgraded.VerifyPasscode(ctx, "work", "legacy-pass")
	require.NoError(t, err)
	assert.True(t, ok, "stored sha256 digests keep verifying after a scheme change")
}

func TestVerifyPasscode_NotEnrolled(t *testing.T) {
	v := NewVerifier(newProfiles(t))
	_, err := v.VerifyPasscode(context.Background(), "studio", "1234")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	_, err = v.VerifyPasscode(context.Background(), "ghost", "1234")
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
}

func TestEnrollPasscode_UnknownScheme(t *testing.T) {
	v := NewVerifier(newProfiles(t), WithScheme("md5"))
	err := v.EnrollPasscode(context.Background(), "work", "1234", "1234")
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}

// =============================================================================
// STRONG CREDENTIAL TESTS
// =============================================================================

func TestStrong_Unavailable(t *testing.T) {
	ctx := context.Background()
	plat := &fakePlatform{available: false}
	v := NewVerifier(newProfiles(t), WithPlatform(plat))

	_, err := v.AuthenticateStrong(ctx, "work")
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
	assert.Zero(t, plat.creates, "nothing is attempted when unavailable")

	st, err := v.StrongState(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, StateUnenrolled, st)
}

func TestStrong_DefaultPlatformUnsupported(t *testing.T) {
	v := NewVerifier(newProfiles(t))
	assert.False(t, v.StrongAvailable(context.Background()))
	_, err := v.AuthenticateStrong(context.Background(), "work")
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
}

func TestStrong_EnrollThenVerify(t *testing.T) {
	ctx := context.Background()
	profiles := newProfiles(t)
	plat := &fakePlatform{available: true}
	rp := RelyingParty{Origin: "example.test", Name: "Example"}
	v := NewVerifier(profiles, WithPlatform(plat), WithRelyingParty(rp))

	res, err := v.AuthenticateStrong(ctx, "family")
	require.NoError(t, err)
	assert.True(t, res.Enrolled)
	assert.Equal(t, "cred-family", res.CredentialID)
	assert.NotEmpty(t, res.Provisioning)
	assert.Equal(t, rp, plat.lastRP)

	p, err := profiles.Get(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, "cred-family", p.StrongCredentialID)

	st, err := v.StrongState(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, StateUnlocked, st)

	res, err = v.AuthenticateStrong(ctx, "family")
	require.NoError(t, err)
	assert.False(t, res.Enrolled)
	assert.Empty(t, res.Provisioning)
	assert.Equal(t, 1, plat.creates)
	assert.Equal(t, 1, plat.asserts)

	v.Reset()
	st, err = v.StrongState(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, StateEnrolled, st)
}

func TestStrong_EnrollFailure(t *testing.T) {
	ctx := context.Background()
	profiles := newProfiles(t)
	plat := &fakePlatform{available: true, createErr: context.Canceled}
	v := NewVerifier(profiles, WithPlatform(plat))

	_, err := v.AuthenticateStrong(ctx, "work")
	assert.ErrorIs(t, err, ErrCredentialMismatch)
	assert.ErrorIs(t, err, context.Canceled)

	st, err := v.StrongState(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st)

	p, err := profiles.Get(ctx, "work")
	require.NoError(t, err)
	assert.False(t, p.HasStrongCredential())
}

func TestStrong_VerifyFailures(t *testing.T) {
	tests := []struct {
		name      string
		assertErr error
		tamper    func(*Assertion) *Assertion
	}{
		{"platform error", errors.New("user declined"), nil},
		{"nil assertion", nil, func(*Assertion) *Assertion { return nil }},
		{"wrong credential", nil, func(a *Assertion) *Assertion {
			a.CredentialID = "someone-else"
			return a
		}},
		{"stale challenge", nil, func(a *Assertion) *Assertion {
			a.Challenge = make([]byte, ChallengeSize)
			return a
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			plat := &fakePlatform{available: true}
			v := NewVerifier(newProfiles(t), WithPlatform(plat))

			_, err := v.AuthenticateStrong(ctx, "studio")
			require.NoError(t, err)

			plat.assertErr = tt.assertErr
			plat.tamper = tt.tamper
			_, err = v.AuthenticateStrong(ctx, "studio")
			assert.ErrorIs(t, err, ErrCredentialMismatch)

			st, err := v.StrongState(ctx, "studio")
			require.NoError(t, err)
			assert.Equal(t, StateFailed, st)
			assert.True(t, st.Terminal())
		})
	}
}

func TestStrong_SignatureChecked(t *testing.T) {
	ctx := context.Background()
	plat := &checkingPlatform{fakePlatform: fakePlatform{available: true}, valid: true}
	v := NewVerifier(newProfiles(t), WithPlatform(plat))

	_, err := v.AuthenticateStrong(ctx, "studio")
	require.NoError(t, err)
	assert.Zero(t, plat.verifies, "enrollment has no assertion to check")

	_, err = v.AuthenticateStrong(ctx, "studio")
	require.NoError(t, err)
	assert.Equal(t, 1, plat.verifies)

	plat.valid = false
	_, err = v.AuthenticateStrong(ctx, "studio")
	assert.ErrorIs(t, err, ErrCredentialMismatch)

	plat.verifyErr = errors.New("corrupt public key")
	_, err = v.AuthenticateStrong(ctx, "studio")
	assert.ErrorIs(t, err, ErrCredentialMismatch)

	st, err := v.StrongState(ctx, "studio")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st)
}

func TestStrong_EnrollStoreFailureDiscardsKey(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: profile.NewKVRepository(kvstore.NewMemory())}
	profiles := profile.NewStore(repo)
	require.NoError(t, profiles.Seed(ctx))

	plat := &checkingPlatform{fakePlatform: fakePlatform{available: true}}
	v := NewVerifier(profiles, WithPlatform(plat))

	repo.failSave = true
	_, err := v.AuthenticateStrong(ctx, "family")
	require.Error(t, err)
	assert.Equal(t, []string{"cred-family"}, plat.removed)

	st, err := v.StrongState(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "verifying", StateVerifying.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.False(t, StateEnrolling.Terminal())
}
