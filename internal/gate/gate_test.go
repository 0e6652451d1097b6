// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/profilegate/internal/audit"
	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/envelope"
	"github.com/jeranaias/profilegate/internal/kvstore"
	"github.com/jeranaias/profilegate/internal/metrics"
	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/profile"
)

// =============================================================================
// FIXTURES
// =============================================================================

type stubPlatform struct {
	available bool
	fail      error
	creates   int
}

func (s *stubPlatform) Available(context.Context) bool { return s.available }

func (s *stubPlatform) Create(_ context.Context, req credential.CreationRequest) (*credential.Attestation, error) {
	s.creates++
	if s.fail != nil {
		return nil, s.fail
	}
	return &credential.Attestation{CredentialID: "cred-" + req.UserID, Provisioning: "otpauth://totp/x"}, nil
}

func (s *stubPlatform) Assert(_ context.Context, req credential.AssertionRequest) (*credential.Assertion, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return &credential.Assertion{CredentialID: req.AllowCredentials[0], Challenge: req.Challenge}, nil
}

type unlockCall struct {
	profileID, roleTag string
}

type fixture struct {
	gate     *Gate
	kv       *kvstore.Memory
	platform *stubPlatform
	metrics  *metrics.Recorder
	unlocks  []unlockCall
	clock    time.Time
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		kv:       kvstore.NewMemory(),
		platform: &stubPlatform{available: true},
		metrics:  metrics.New(),
		clock:    time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		logs:     &bytes.Buffer{},
	}
	now := func() time.Time { return f.clock }

	profiles := profile.NewStore(profile.NewKVRepository(f.kv), profile.WithClock(now))
	verifier := credential.NewVerifier(profiles, credential.WithPlatform(f.platform))
	engine := policy.NewEngine(policy.NewKVSessionRepository(f.kv))
	log := audit.NewLog(audit.NewKVRepository(f.kv), audit.WithClock(now))

	base := []Option{
		WithClock(now),
		WithMetrics(f.metrics),
		WithLogger(slog.New(slog.NewTextHandler(f.logs, nil))),
		WithOnUnlock(func(id, role string) {
			f.unlocks = append(f.unlocks, unlockCall{id, role})
		}),
	}
	f.gate = New(profiles, verifier, engine, log, append(base, opts...)...)
	return f
}

func (f *fixture) entries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := f.gate.Audit().Entries(context.Background())
	require.NoError(t, err)
	return entries
}

func (f *fixture) metricsText(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, f.metrics.WriteText(&buf))
	return buf.String()
}

func (f *fixture) enroll(t *testing.T, id, secret string) {
	t.Helper()
	require.NoError(t, f.gate.EnrollPasscode(context.Background(), id, secret, secret))
}

// =============================================================================
// PASSCODE UNLOCK
// =============================================================================

func TestUnlock_PasscodeSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "letmein")

	res, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	require.NoError(t, err)
	assert.Equal(t, "professional", res.RoleTag)
	assert.Equal(t, audit.MethodVerifyPasscode, res.Method)
	assert.Equal(t, f.clock.Add(30*time.Minute), res.Session.ExpiresAt)

	assert.Equal(t, []unlockCall{{"work", "professional"}}, f.unlocks)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.MethodEnrollPasscode, entries[0].Method)
	assert.Equal(t, audit.MethodVerifyPasscode, entries[1].Method)
	assert.True(t, entries[1].Success)

	rem, err := f.gate.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, rem)

	assert.Contains(t, f.metricsText(t), `profilegate_session_grants_total 1`)
	assert.Contains(t, f.logs.String(), "UNLOCK_GRANTED")
	assert.NotContains(t, f.logs.String(), "letmein")
}

func TestUnlock_PasscodeMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "letmein")

	_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "wrong"})
	assert.ErrorIs(t, err, credential.ErrCredentialMismatch)
	assert.Empty(t, f.unlocks)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.False(t, entries[1].Success)
	assert.Equal(t, audit.MethodVerifyPasscode, entries[1].Method)

	rem, err := f.gate.Remaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, rem)
	assert.Contains(t, f.metricsText(t), `profilegate_attempts_total{method="verify-passcode",outcome="failure"} 1`)
}

func TestUnlock_NotAuditedCases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: ""})
	assert.True(t, credential.IsValidationError(err))

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "1234"})
	assert.ErrorIs(t, err, credential.ErrNotEnrolled)

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "nobody", Passcode: "1234"})
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)

	f.platform.available = false
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Strong: true})
	assert.ErrorIs(t, err, credential.ErrPlatformUnavailable)

	assert.Empty(t, f.entries(t))
	assert.Empty(t, f.unlocks)
}

// =============================================================================
// POLICY
// =============================================================================

func TestUnlock_PolicyDenials(t *testing.T) {
	start, end, err := policy.ParseWindow("09:00-10:00")
	require.NoError(t, err)

	tests := []struct {
		name   string
		policy policy.Policy
		reason string
	}{
		{"lockdown", policy.Policy{ThreatLevel: policy.ThreatLockdown}, policy.ReasonLockdown},
		{"geo-fence", policy.Policy{LocationTag: "NYC", AllowedLocationTag: "LA"}, policy.ReasonGeoFence},
		{"window", policy.Policy{WindowStart: start, WindowEnd: end}, policy.ReasonOutsideWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.enroll(t, "work", "letmein")

			_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein", Policy: tt.policy})
			v, ok := policy.IsViolation(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.reason, v.Reason)

			assert.Len(t, f.entries(t), 1, "policy denials are not audited by default")
			assert.Empty(t, f.unlocks)
			assert.Contains(t, f.logs.String(), "POLICY_DENIED")
		})
	}
}

func TestUnlock_PolicyDenialAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicyDenialAudit(true))

	_, err := f.gate.Unlock(ctx, Request{ProfileID: "family", Strong: true, Policy: policy.Policy{ThreatLevel: policy.ThreatLockdown}})
	require.Error(t, err)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.MethodEnrollStrong, entries[0].Method)
	assert.False(t, entries[0].Success)
	assert.Equal(t, policy.ReasonLockdown, entries[0].Reason)
}

func TestUnlock_SessionBypassesLockdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "letmein")

	_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	require.NoError(t, err)

	f.clock = f.clock.Add(20 * time.Minute)
	_, err = f.gate.Unlock(ctx, Request{
		ProfileID: "work",
		Passcode:  "letmein",
		Policy:    policy.Policy{ThreatLevel: policy.ThreatLockdown},
	})
	assert.NoError(t, err)
	assert.Len(t, f.unlocks, 2)

	require.NoError(t, f.gate.Lock(ctx))
	_, err = f.gate.Unlock(ctx, Request{
		ProfileID: "work",
		Passcode:  "letmein",
		Policy:    policy.Policy{ThreatLevel: policy.ThreatLockdown},
	})
	_, ok := policy.IsViolation(err)
	assert.True(t, ok)
}

func TestUnlock_SessionBypassesRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithRateLimit(10, 5))
	f.enroll(t, "work", "letmein")

	_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
		require.NoError(t, err, "attempt %d inside the session", i+2)
	}
	assert.Len(t, f.unlocks, 11)

	// Once the session is gone the limiter budget still holds.
	require.NoError(t, f.gate.Lock(ctx))
	for i := 0; i < 4; i++ {
		_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "nope"})
		assert.ErrorIs(t, err, credential.ErrCredentialMismatch)
	}
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	v, ok := policy.IsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.ReasonRateLimited, v.Reason)
}

func TestUnlock_RateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithRateLimit(1, 2))
	f.enroll(t, "work", "letmein")

	for i := 0; i < 2; i++ {
		_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "nope"})
		assert.ErrorIs(t, err, credential.ErrCredentialMismatch)
	}

	_, err := f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	v, ok := policy.IsViolation(err)
	require.True(t, ok)
	assert.Equal(t, policy.ReasonRateLimited, v.Reason)

	// Other profiles have their own budget.
	f.enroll(t, "family", "letmein")
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "family", Passcode: "letmein"})
	assert.NoError(t, err)

	f.clock = f.clock.Add(time.Minute)
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	assert.NoError(t, err)
}

// =============================================================================
// STRONG CREDENTIALS
// =============================================================================

func TestUnlock_StrongEnrollIsUnlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.gate.EnrollStrong(ctx, "finance", policy.Policy{})
	require.NoError(t, err)
	assert.Equal(t, audit.MethodEnrollStrong, res.Method)
	assert.NotEmpty(t, res.Provisioning)
	assert.Equal(t, []unlockCall{{"finance", "treasurer"}}, f.unlocks, "enrollment fires OnUnlock exactly once")

	_, err = f.gate.EnrollStrong(ctx, "finance", policy.Policy{})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	res, err = f.gate.Unlock(ctx, Request{ProfileID: "finance", Strong: true})
	require.NoError(t, err)
	assert.Equal(t, audit.MethodVerifyStrong, res.Method)
	assert.Empty(t, res.Provisioning)
	assert.Len(t, f.unlocks, 2)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.MethodEnrollStrong, entries[0].Method)
	assert.Equal(t, audit.MethodVerifyStrong, entries[1].Method)
}

func TestEnrollStrong_PasscodeProfileNeedsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "letmein")

	_, err := f.gate.EnrollStrong(ctx, "work", policy.Policy{})
	assert.ErrorIs(t, err, ErrSessionRequired)
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Strong: true})
	assert.ErrorIs(t, err, ErrSessionRequired)

	assert.Zero(t, f.platform.creates, "no credential is created")
	assert.Empty(t, f.unlocks)
	assert.Len(t, f.entries(t), 1, "only the passcode enrollment is audited")

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	require.NoError(t, err)
	res, err := f.gate.EnrollStrong(ctx, "work", policy.Policy{})
	require.NoError(t, err)
	assert.Equal(t, audit.MethodEnrollStrong, res.Method)
	assert.Equal(t, 1, f.platform.creates)
}

func TestUnlock_StrongFailureAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.gate.EnrollStrong(ctx, "studio", policy.Policy{})
	require.NoError(t, err)
	require.NoError(t, f.gate.Lock(ctx))

	f.platform.fail = errors.New("user declined")
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "studio", Strong: true})
	assert.ErrorIs(t, err, credential.ErrCredentialMismatch)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.MethodVerifyStrong, entries[1].Method)
	assert.False(t, entries[1].Success)
	assert.Len(t, f.unlocks, 1)
}

func TestUnlock_AbandonedAttemptNotAudited(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.platform.fail = context.Canceled
	cancel()
	_, err := f.gate.Unlock(ctx, Request{ProfileID: "studio", Strong: true})
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := f.gate.Audit().Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func TestEnrollPasscode_ReplaceNeedsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "first-pass")

	err := f.gate.EnrollPasscode(ctx, "work", "second-pass", "second-pass")
	assert.ErrorIs(t, err, ErrSessionRequired)

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "first-pass"})
	require.NoError(t, err)
	require.NoError(t, f.gate.EnrollPasscode(ctx, "work", "second-pass", "second-pass"))

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "second-pass"})
	assert.NoError(t, err)
}

func TestEnrollPasscode_ValidationNotAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.gate.EnrollPasscode(ctx, "work", "123", "123")
	assert.True(t, credential.IsValidationError(err))
	err = f.gate.EnrollPasscode(ctx, "work", "12345", "54321")
	assert.True(t, credential.IsValidationError(err))
	assert.Empty(t, f.entries(t))
}

// =============================================================================
// STATUS AND WATCH
// =============================================================================

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "letmein")
	_, err := f.gate.SetActive(ctx, "work")
	require.NoError(t, err)

	st, err := f.gate.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "work", st.ActiveProfileID)
	assert.False(t, st.SessionActive)
	assert.Nil(t, st.ExpiresAt)
	require.Len(t, st.Profiles, 5)
	assert.True(t, st.Profiles[1].Active)
	assert.True(t, st.Profiles[1].Passcode)
	assert.Equal(t, "unenrolled", st.Profiles[1].Strong)

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	require.NoError(t, err)
	f.clock = f.clock.Add(5 * time.Minute)

	st, err = f.gate.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.SessionActive)
	assert.Equal(t, 25*time.Minute, st.Remaining)
}

func TestWatch_StopsOnCancel(t *testing.T) {
	f := newFixture(t, WithPollInterval(10*time.Millisecond), WithWatcher(nil))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.gate.Unlock(context.Background(), Request{ProfileID: "work", Strong: true})
	require.NoError(t, err)

	ch, err := f.gate.Watch(ctx)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, 30*time.Minute, first)

	cancel()
	for range ch {
	}
}

func TestWatch_WakesOnChange(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Hour))
	f.gate.watcher = f.kv
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.gate.Watch(ctx)
	require.NoError(t, err)
	assert.Zero(t, <-ch)

	_, err = f.gate.Unlock(context.Background(), Request{ProfileID: "work", Strong: true})
	require.NoError(t, err)

	select {
	case rem := <-ch:
		assert.Equal(t, 30*time.Minute, rem)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not wake on session change")
	}
}

// =============================================================================
// EXPORT / IMPORT
// =============================================================================

func TestExportImport(t *testing.T) {
	if testing.Short() {
		t.Skip("full KDF cost")
	}
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "work", "letmein")

	bundle, err := f.gate.Export(ctx, SlotSnapshot(ctx, f.kv, profile.IdentitySlot, audit.Slot, "missing"), "backup-pass")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, WriteBundle(path, bundle))
	read, err := ReadBundle(path)
	require.NoError(t, err)

	_, err = f.gate.Import(ctx, read, "wrong-pass")
	assert.ErrorIs(t, err, envelope.ErrCryptoFailure)

	raw, err := f.gate.Import(ctx, read, "backup-pass")
	require.NoError(t, err)

	fresh := kvstore.NewMemory()
	written, err := RestoreSlots(ctx, fresh, raw, profile.IdentitySlot, audit.Slot, "missing")
	require.NoError(t, err)
	assert.Equal(t, []string{profile.IdentitySlot, audit.Slot}, written)

	restored := profile.NewStore(profile.NewKVRepository(fresh))
	p, err := restored.Get(ctx, "work")
	require.NoError(t, err)
	assert.True(t, p.HasPasscode())

	text := f.metricsText(t)
	assert.Contains(t, text, `profilegate_envelope_operations_total{op="open",outcome="failure"} 1`)
	assert.Contains(t, text, `profilegate_envelope_operations_total{op="seal",outcome="success"} 1`)
}

func TestRestore_NeedsSessionOverProtectedProfiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A snapshot that would replace every credential.
	intruder := newFixture(t)
	intruder.enroll(t, "work", "intruder")
	raw, err := SlotSnapshot(ctx, intruder.kv, profile.IdentitySlot)()
	require.NoError(t, err)
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	// Nothing to protect yet: restore is allowed.
	fresh := newFixture(t)
	written, err := fresh.gate.Restore(ctx, fresh.kv, data, profile.IdentitySlot)
	require.NoError(t, err)
	assert.Equal(t, []string{profile.IdentitySlot}, written)

	f.enroll(t, "work", "letmein")
	_, err = f.gate.Restore(ctx, f.kv, data, profile.IdentitySlot)
	assert.ErrorIs(t, err, ErrSessionRequired)

	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "letmein"})
	require.NoError(t, err, "original passcode still works")

	_, err = f.gate.Restore(ctx, f.kv, data, profile.IdentitySlot)
	require.NoError(t, err)
	require.NoError(t, f.gate.Lock(ctx))
	_, err = f.gate.Unlock(ctx, Request{ProfileID: "work", Passcode: "intruder"})
	assert.NoError(t, err)
}

func TestExport_SnapshotError(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Export(context.Background(), func() (any, error) { return nil, errors.New("busy") }, "p")
	assert.Error(t, err)
	_, err = f.gate.Export(context.Background(), nil, "p")
	assert.Error(t, err)
}

func TestRestoreSlots_RejectsNonMap(t *testing.T) {
	_, err := RestoreSlots(context.Background(), kvstore.NewMemory(), []byte(`[1,2]`), "identity")
	assert.Error(t, err)
}
