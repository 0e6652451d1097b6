// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/profilegate/internal/audit"
	"github.com/jeranaias/profilegate/internal/config"
	"github.com/jeranaias/profilegate/internal/policy"
)

// =============================================================================
// ARG PARSER TESTS
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name: "positional and value flag",
			args: []string{"work", "--threat", "elevated"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "work", p.Positional(0))
				assert.Equal(t, "elevated", p.Flag("threat"))
			},
		},
		{
			name: "flag with equals",
			args: []string{"work", "--window=22:00-06:00"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "22:00-06:00", p.Flag("window"))
			},
		},
		{
			name: "known boolean flag does not eat the next argument",
			args: []string{"--strong", "work"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.True(t, p.BoolFlag("strong"))
				assert.Equal(t, "work", p.Positional(0))
			},
		},
		{
			name: "unknown trailing flag is boolean",
			args: []string{"list", "--all"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.True(t, p.BoolFlag("all"))
				assert.True(t, p.HasFlag("all"))
				assert.Equal(t, "list", p.Subcommand())
			},
		},
		{
			name: "double dash ends flags",
			args: []string{"--", "--odd-id"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "--odd-id", p.Positional(0))
				assert.Equal(t, 1, p.PositionalCount())
			},
		},
		{
			name: "empty",
			args: nil,
			validate: func(t *testing.T, p *ArgParser) {
				assert.Empty(t, p.Subcommand())
				assert.Empty(t, p.Positional(3))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, NewArgParser(tt.args))
		})
	}
}

func TestArgParser_FlagIntOrDefault(t *testing.T) {
	n, err := NewArgParser([]string{"--limit", "20"}).FlagIntOrDefault("limit", 5)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = NewArgParser(nil).FlagIntOrDefault("limit", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = NewArgParser([]string{"--limit", "many"}).FlagIntOrDefault("limit", 5)
	assert.Equal(t, ExitUsageError, GetExitCode(err))

	_, err = NewArgParser([]string{"--limit=-3"}).FlagIntOrDefault("limit", 5)
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestParse(t *testing.T) {
	tests := []struct {
		argv    []string
		want    Command
		raw     []string
		json    bool
		wantErr bool
	}{
		{argv: nil, want: CmdHelp},
		{argv: []string{"--help"}, want: CmdHelp},
		{argv: []string{"ls"}, want: CmdProfiles, raw: []string{}},
		{argv: []string{"unlock", "work", "--json"}, want: CmdUnlock, raw: []string{"work"}, json: true},
		{argv: []string{"--json", "audit", "summary"}, want: CmdAudit, raw: []string{"summary"}, json: true},
		{argv: []string{"SESSION", "watch"}, want: CmdSession, raw: []string{"watch"}},
		{argv: []string{"frobnicate"}, wantErr: true},
		{argv: []string{"profiles", "--config"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, " "), func(t *testing.T) {
			cmd, args, err := Parse(tt.argv)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ExitUsageError, GetExitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
			assert.Equal(t, tt.json, args.JSON)
			if tt.raw != nil {
				assert.Equal(t, tt.raw, args.Raw)
			}
		})
	}
}

func TestParse_ConfigFlag(t *testing.T) {
	cmd, args, err := Parse([]string{"profiles", "--config", "/tmp/pg.toml", "-v"})
	require.NoError(t, err)
	assert.Equal(t, CmdProfiles, cmd)
	assert.Equal(t, "/tmp/pg.toml", args.Config)
	assert.True(t, args.Verbose)
	assert.Empty(t, args.Raw)
}

func TestRoleTitle(t *testing.T) {
	assert.Equal(t, "Professional", roleTitle("professional"))
	assert.Equal(t, "Night Shift", roleTitle("night-shift"))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "expired", formatRemaining(0))
	assert.Equal(t, "29m59s", formatRemaining(29*time.Minute+59*time.Second))
	assert.Equal(t, "1h05m00s", formatRemaining(65*time.Minute))
}

// =============================================================================
// END-TO-END COMMAND TESTS
// =============================================================================

type harness struct {
	t    *testing.T
	home string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PROFILEGATE_HOME", home)
	t.Setenv("PROFILEGATE_CONFIG", "")
	t.Setenv("PROFILEGATE_STORE_BACKEND", "")
	t.Setenv("PROFILEGATE_LOG_LEVEL", "")
	return &harness{t: t, home: home}
}

// run executes one command line with stdin as input.
func (h *harness) run(input string, argv ...string) (code int, stdout, stderr string) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	code = Run(context.Background(), argv, Streams{
		In:  strings.NewReader(input),
		Out: &out,
		Err: &errOut,
	})
	return code, out.String(), errOut.String()
}

// lazyInput produces stdin on first read, after earlier prompts were written.
type lazyInput struct {
	answer func() string
	r      io.Reader
}

func (l *lazyInput) Read(p []byte) (int, error) {
	if l.r == nil {
		l.r = strings.NewReader(l.answer())
	}
	return l.r.Read(p)
}

// runAnswering executes one command line whose stdin is computed from the
// stderr written before the first read.
func (h *harness) runAnswering(answer func(stderr string) string, argv ...string) (code int, stdout, stderr string) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	code = Run(context.Background(), argv, Streams{
		In:  &lazyInput{answer: func() string { return answer(errOut.String()) }},
		Out: &out,
		Err: &errOut,
	})
	return code, out.String(), errOut.String()
}

// firstCode answers a strong enrollment prompt with the current code of
// the key shown on stderr.
func firstCode(t *testing.T) func(stderr string) string {
	return func(stderr string) string {
		url := regexp.MustCompile(`otpauth://\S+`).FindString(stderr)
		require.NotEmpty(t, url, stderr)
		key, err := otp.NewKeyFromURL(url)
		require.NoError(t, err)
		code, err := totp.GenerateCode(key.Secret(), time.Now())
		require.NoError(t, err)
		return code + "\n"
	}
}

// runJSON executes a --json command and decodes the response envelope.
func (h *harness) runJSON(input string, argv ...string) (int, JSONResponse) {
	h.t.Helper()
	code, out, _ := h.run(input, append(argv, "--json")...)
	var resp JSONResponse
	require.NoError(h.t, json.Unmarshal([]byte(out), &resp), out)
	return code, resp
}

func TestRun_VersionAndHelp(t *testing.T) {
	h := newHarness(t)

	code, out, _ := h.run("", "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "profilegate "+Version)

	code, out, _ = h.run("")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "unlock <id>")

	code, _, errOut := h.run("", "frobnicate")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestRun_ProfilesSeedsRoster(t *testing.T) {
	h := newHarness(t)

	code, out, _ := h.run("", "profiles")
	require.Equal(t, ExitSuccess, code)
	for _, id := range []string{"personal", "work", "family", "finance", "studio"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "Professional")

	code, resp := h.runJSON("", "profiles")
	require.Equal(t, ExitSuccess, code)
	assert.True(t, resp.Success)
	rows, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, rows, 5)
}

func TestRun_UseSelectsProfile(t *testing.T) {
	h := newHarness(t)

	code, out, _ := h.run("", "use", "work")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Active profile: Work")

	_, resp := h.runJSON("", "session")
	data := resp.Data.(map[string]any)
	assert.Equal(t, "work", data["activeProfileId"])

	code, _, errOut := h.run("", "use", "nobody")
	assert.Equal(t, ExitGeneralError, code)
	assert.Contains(t, errOut, "profilegate profiles")

	code, _, _ = h.run("", "use")
	assert.Equal(t, ExitUsageError, code)
}

func TestRun_PasscodeLifecycle(t *testing.T) {
	h := newHarness(t)

	code, out, _ := h.run("1234\n1234\n", "enroll", "passcode", "work")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Passcode enrolled")

	code, out, _ = h.run("1234\n", "unlock", "work")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Unlocked work as Professional")

	_, resp := h.runJSON("", "session", "status")
	assert.Equal(t, true, resp.Data.(map[string]any)["sessionActive"])

	code, _, _ = h.run("", "lock")
	require.Equal(t, ExitSuccess, code)

	_, resp = h.runJSON("", "session", "status")
	assert.Equal(t, false, resp.Data.(map[string]any)["sessionActive"])

	code, _, errOut := h.run("9999\n", "unlock", "work")
	assert.Equal(t, ExitGeneralError, code)
	assert.Contains(t, errOut, "credential did not match")

	_, resp = h.runJSON("", "audit", "list")
	entries := resp.Data.([]any)
	require.Len(t, entries, 3)
	newest := entries[0].(map[string]any)
	assert.Equal(t, "verify-passcode", newest["method"])
	assert.Equal(t, false, newest["success"])

	_, resp = h.runJSON("", "audit", "summary")
	summary := resp.Data.(map[string]any)
	verify := summary["verify-passcode"].(map[string]any)
	assert.EqualValues(t, 2, verify["total"])
}

func TestRun_EnrollValidationIsNotAudited(t *testing.T) {
	h := newHarness(t)

	code, _, errOut := h.run("1234\n4321\n", "enroll", "passcode", "work")
	assert.Equal(t, ExitGeneralError, code)
	assert.NotEmpty(t, errOut)

	code, out, _ := h.run("", "audit")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "No audit entries")
}

func TestRun_PolicyDenial(t *testing.T) {
	h := newHarness(t)
	code, _, _ := h.run("1234\n1234\n", "enroll", "passcode", "work")
	require.Equal(t, ExitSuccess, code)

	tests := []struct {
		name   string
		flags  []string
		reason string
	}{
		{"lockdown", []string{"--threat", "lockdown"}, "lockdown"},
		{"geo-fence", []string{"--location", "cafe", "--allowed-location", "office"}, "geo-fence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv := append([]string{"unlock", "work"}, tt.flags...)
			code, _, errOut := h.run("1234\n", argv...)
			assert.Equal(t, ExitGeneralError, code)
			assert.Contains(t, errOut, "access denied by policy: "+tt.reason)
		})
	}

	code, _, _ = h.run("1234\n", "unlock", "work", "--threat", "panic")
	assert.Equal(t, ExitUsageError, code)

	_, resp := h.runJSON("", "audit", "list", "--method", "verify-passcode")
	assert.Empty(t, resp.Data, "denials are not audited by default")
}

func TestRun_StrongEnrollThenUnlock(t *testing.T) {
	h := newHarness(t)

	code, _, errOut := h.run("000000\n", "enroll", "strong", "finance")
	assert.Equal(t, ExitGeneralError, code, "enrollment needs the first code")
	assert.Contains(t, errOut, "otpauth://")

	code, out, errOut := h.runAnswering(firstCode(t), "enroll", "strong", "finance")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, errOut, "First code to confirm finance")
	url := regexp.MustCompile(`otpauth://\S+`).FindString(out)
	require.NotEmpty(t, url, out)

	key, err := otp.NewKeyFromURL(url)
	require.NoError(t, err)
	otpCode, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	code, out, _ = h.run(otpCode+"\n", "unlock", "finance", "--strong")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Unlocked finance as Treasurer")

	code, _, _ = h.run("", "lock")
	require.Equal(t, ExitSuccess, code)
	code, _, errOut = h.run("000000\n", "unlock", "finance", "--strong")
	if otpCode != "000000" {
		assert.Equal(t, ExitGeneralError, code)
		assert.Contains(t, errOut, "credential did not match")
	}

	code, _, _ = h.run("", "enroll", "strong", "finance")
	assert.Equal(t, ExitGeneralError, code)
}

func TestRun_StrongEnrollOnPasscodeProfileNeedsSession(t *testing.T) {
	h := newHarness(t)
	code, _, _ := h.run("1234\n1234\n", "enroll", "passcode", "work")
	require.Equal(t, ExitSuccess, code)

	code, _, errOut := h.runAnswering(firstCode(t), "enroll", "strong", "work")
	assert.Equal(t, ExitGeneralError, code)
	assert.Contains(t, errOut, "active session is required")
	assert.NotContains(t, errOut, "otpauth://", "no key is created")

	code, _, _ = h.run("1234\n", "unlock", "work")
	require.Equal(t, ExitSuccess, code)
	code, _, errOut = h.runAnswering(firstCode(t), "enroll", "strong", "work")
	assert.Equal(t, ExitSuccess, code, errOut)
}

func TestRun_StrongUnavailable(t *testing.T) {
	h := newHarness(t)
	t.Setenv("PROFILEGATE_STRONG_AUTHENTICATOR", "none")

	code, _, errOut := h.run("", "unlock", "work", "--strong")
	assert.Equal(t, ExitGeneralError, code)
	assert.Contains(t, errOut, "no platform authenticator")
}

func TestRun_ExportImport(t *testing.T) {
	if testing.Short() {
		t.Skip("full-cost key derivation")
	}
	h := newHarness(t)
	code, _, _ := h.run("1234\n1234\n", "enroll", "passcode", "work")
	require.Equal(t, ExitSuccess, code)

	bundle := filepath.Join(h.home, "backup.json")
	code, out, _ := h.run("hunter2\nhunter2\n", "export", "--out", bundle)
	require.Equal(t, ExitSuccess, code, out)

	info, err := os.Stat(bundle)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	code, _, errOut := h.run("wrong\n", "import", bundle)
	assert.Equal(t, ExitGeneralError, code)
	assert.Contains(t, errOut, "wrong passphrase")

	code, out, _ = h.run("hunter2\n", "import", bundle)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `"identity"`)

	code, _, errOut = h.run("hunter2\n", "import", bundle, "--restore")
	assert.Equal(t, ExitGeneralError, code, "restoring over a protected profile needs a session")
	assert.Contains(t, errOut, "active session is required")

	require.NoError(t, os.RemoveAll(filepath.Join(h.home, "data")))
	code, out, _ = h.run("hunter2\n", "import", bundle, "--restore")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "identity")

	code, _, _ = h.run("1234\n", "unlock", "work")
	assert.Equal(t, ExitSuccess, code, "restored passcode verifies")
}

func TestRun_ExportNeedsPassphrase(t *testing.T) {
	h := newHarness(t)
	code, _, errOut := h.run("\n\n", "export")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "passphrase is required")
}

func TestRun_Config(t *testing.T) {
	h := newHarness(t)

	code, out, _ := h.run("", "config", "path")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, filepath.Join(h.home, "config.toml"), strings.TrimSpace(out))

	code, _, _ = h.run("", "config", "init")
	require.Equal(t, ExitSuccess, code)
	code, _, _ = h.run("", "config", "init")
	assert.Equal(t, ExitGeneralError, code)

	code, out, _ = h.run("", "config", "get", "session.lifetime")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "30m0s", strings.TrimSpace(out))

	code, out, _ = h.run("", "config", "show")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "[session]")
}

func TestRun_UnenrolledAttemptsNotAudited(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		code, _, errOut := h.run("1234\n", "unlock", "work")
		assert.Equal(t, ExitGeneralError, code)
		assert.Contains(t, errOut, "enroll passcode")
	}
	code, resp := h.runJSON("", "audit", "list")
	require.Equal(t, ExitSuccess, code)
	assert.Empty(t, resp.Data)
}

func TestFilterEntries(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []audit.Entry{
		{Timestamp: base.Add(3 * time.Minute), ProfileID: "work", Method: audit.MethodVerifyPasscode, Success: true},
		{Timestamp: base.Add(2 * time.Minute), ProfileID: "work", Method: audit.MethodEnrollStrong, Success: true},
		{Timestamp: base.Add(1 * time.Minute), ProfileID: "family", Method: audit.MethodVerifyPasscode},
		{Timestamp: base, ProfileID: "family", Method: audit.MethodVerifyPasscode},
	}

	got := filterEntries(entries, audit.MethodVerifyPasscode, time.Time{}, 0)
	assert.Len(t, got, 3)

	got = filterEntries(entries, "", base.Add(90*time.Second), 0)
	assert.Len(t, got, 2)

	got = filterEntries(entries, audit.MethodVerifyPasscode, time.Time{}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "family", got[1].ProfileID)
}

func TestShell_Exec(t *testing.T) {
	newHarness(t)
	t.Setenv("PROFILEGATE_STORE_BACKEND", "memory")
	cfg, _, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	var out, errOut bytes.Buffer
	a, err := NewApp(ctx, cfg, Streams{
		In:  strings.NewReader("1234\n1234\n1234\n"),
		Out: &out,
		Err: &errOut,
	}, Args{})
	require.NoError(t, err)
	defer a.Close()

	sh := &Shell{app: a, id: "test-shell"}
	assert.Equal(t, "profilegate> ", sh.prompt(ctx))

	done, err := sh.exec(ctx, "enroll passcode work")
	require.NoError(t, err)
	assert.False(t, done)

	_, err = sh.exec(ctx, "unlock work")
	require.NoError(t, err)
	assert.Equal(t, "profilegate[professional]> ", sh.prompt(ctx))

	out.Reset()
	_, err = sh.exec(ctx, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Professional (shell test-shell)")

	out.Reset()
	_, err = sh.exec(ctx, "metrics")
	require.NoError(t, err)
	assert.Contains(t, out.String(), `profilegate_attempts_total{method="verify-passcode",outcome="success"} 1`)
	assert.Contains(t, out.String(), "profilegate_session_grants_total 1")

	_, err = sh.exec(ctx, "shell")
	assert.Error(t, err)
	_, err = sh.exec(ctx, "profiles --json")
	assert.Error(t, err)

	_, err = sh.exec(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "profilegate> ", sh.prompt(ctx))

	done, err = sh.exec(ctx, "exit")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestShell_RoleDropsWhenSessionExpires(t *testing.T) {
	newHarness(t)
	t.Setenv("PROFILEGATE_STORE_BACKEND", "memory")
	cfg, _, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	var out bytes.Buffer
	a, err := NewApp(ctx, cfg, Streams{
		In:  strings.NewReader("1234\n1234\n1234\n"),
		Out: &out,
		Err: io.Discard,
	}, Args{})
	require.NoError(t, err)
	defer a.Close()

	sh := &Shell{app: a, id: "test-shell"}
	_, err = sh.exec(ctx, "enroll passcode work")
	require.NoError(t, err)
	_, err = sh.exec(ctx, "unlock work")
	require.NoError(t, err)
	require.Equal(t, "profilegate[professional]> ", sh.prompt(ctx))

	expired := strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	require.NoError(t, a.store.Put(ctx, policy.SessionSlot, []byte(expired)))

	out.Reset()
	_, err = sh.exec(ctx, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "locked (shell test-shell)")
	assert.Equal(t, "profilegate> ", sh.prompt(ctx))
}

func TestCompletionWords(t *testing.T) {
	words := completionWords()
	assert.Contains(t, words, "unlock")
	assert.Contains(t, words, "metrics")
	assert.NotContains(t, words, "shell")
	assert.NotContains(t, words, "ls")
}
