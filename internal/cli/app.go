// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jeranaias/profilegate/internal/audit"
	"github.com/jeranaias/profilegate/internal/config"
	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/credential/softkey"
	"github.com/jeranaias/profilegate/internal/gate"
	"github.com/jeranaias/profilegate/internal/kvstore"
	"github.com/jeranaias/profilegate/internal/logging"
	"github.com/jeranaias/profilegate/internal/metrics"
	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/profile"
)

// App is one wired profilegate instance behind the command handlers.
type App struct {
	cfg     *config.Config
	streams Streams
	json    bool

	store   kvstore.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	gate    *gate.Gate

	in *bufio.Reader

	// readLine and readSecret are replaced by the shell's line editor.
	readLine   func(prompt string) (string, error)
	readSecret func(prompt string) (string, error)

	// role is the role tag applied by the last unlock.
	role string
}

// NewApp opens the configured store and wires the gate.
func NewApp(ctx context.Context, cfg *config.Config, s Streams, args Args) (*App, error) {
	a := &App{
		cfg:     cfg,
		streams: s,
		json:    args.JSON,
		metrics: metrics.New(),
		in:      bufio.NewReader(s.In),
	}
	a.readLine = a.promptLine
	a.readSecret = a.promptSecret

	level := cfg.Log.Level
	if args.Verbose {
		level = "debug"
	}
	logger, err := logging.New(s.Err, level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a.logger = logger

	path, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	store, err := kvstore.Open(cfg.Store.Backend, path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	a.store = store

	profiles := profile.NewStore(profile.NewKVRepository(store))
	if err := profiles.Seed(ctx); err != nil {
		store.Close()
		return nil, err
	}

	var platform credential.Platform = credential.UnsupportedPlatform{}
	if cfg.Strong.Authenticator == "software" {
		platform = softkey.New(store, a.presence)
	}
	verifier := credential.NewVerifier(profiles,
		credential.WithPlatform(platform),
		credential.WithRelyingParty(credential.RelyingParty{
			Origin: cfg.Strong.Origin,
			Name:   cfg.Strong.RPName,
		}),
		credential.WithScheme(cfg.Passcode.Scheme),
		credential.WithArgonParams(credential.ArgonParams{
			Memory:      cfg.Passcode.ArgonMemoryKiB,
			Time:        cfg.Passcode.ArgonTime,
			Parallelism: cfg.Passcode.ArgonThreads,
			SaltLen:     credential.DefaultArgon.SaltLen,
			KeyLen:      credential.DefaultArgon.KeyLen,
		}),
		credential.WithMinLength(cfg.Passcode.MinLength),
	)

	engine := policy.NewEngine(policy.NewKVSessionRepository(store),
		policy.WithLifetime(cfg.Session.Lifetime.Duration),
		policy.WithRevokeOnLockdown(cfg.Policy.RevokeOnLockdown),
	)

	opts := []gate.Option{
		gate.WithLogger(logger),
		gate.WithMetrics(a.metrics),
		gate.WithOnUnlock(a.onUnlock),
		gate.WithPollInterval(cfg.Session.PollInterval.Duration),
		gate.WithPolicyDenialAudit(cfg.Audit.LogPolicyDenials),
		gate.WithRateLimit(cfg.Limits.AttemptsPerMinute, cfg.Limits.Burst),
	}
	if w, ok := store.(kvstore.Watcher); ok {
		opts = append(opts, gate.WithWatcher(w))
	}
	a.gate = gate.New(profiles, verifier, engine, audit.NewLog(audit.NewKVRepository(store)), opts...)

	logger.Debug("APP_READY", "backend", cfg.Store.Backend, "path", path)
	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *App) onUnlock(profileID, roleTag string) {
	a.role = roleTag
	a.logger.Debug("ROLE_APPLIED", "profile", profileID, "role", roleTag)
}

// currentRole returns the applied role while the session lasts. The role is
// dropped once the session has expired or was ended elsewhere.
func (a *App) currentRole(ctx context.Context) string {
	if a.role == "" {
		return ""
	}
	rem, err := a.gate.Remaining(ctx)
	if err != nil {
		a.logger.Warn("SESSION_READ_FAILED", "error", err)
		return ""
	}
	if rem <= 0 {
		a.logger.Info("SESSION_TIMEOUT", "role", a.role)
		a.role = ""
	}
	return a.role
}

// presence asks for the software authenticator's current code. At
// creation the new key is shown first.
func (a *App) presence(ctx context.Context, p softkey.Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Provisioning != "" {
		fmt.Fprintln(a.streams.Err, "Add this key to your authenticator app:")
		fmt.Fprintf(a.streams.Err, "  %s\n", p.Provisioning)
		return a.readLine(fmt.Sprintf("First code to confirm %s: ", p.UserID))
	}
	return a.readLine(fmt.Sprintf("Authenticator code for %s (%s): ", p.UserID, p.RelyingParty))
}

// =============================================================================
// PROMPTS
// =============================================================================

func (a *App) promptLine(prompt string) (string, error) {
	fmt.Fprint(a.streams.Err, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("no input")
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptSecret reads without echo from a terminal, otherwise one line.
func (a *App) promptSecret(prompt string) (string, error) {
	f, ok := a.streams.In.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return a.promptLine(prompt)
	}
	fmt.Fprint(a.streams.Err, prompt)
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.streams.Err)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(b), nil
}

// policyFrom builds the attempt's policy from flags over config defaults.
func (a *App) policyFrom(p *ArgParser) (policy.Policy, error) {
	threat, err := policy.ParseThreatLevel(p.FlagOrDefault("threat", a.cfg.Policy.ThreatLevel))
	if err != nil {
		return policy.Policy{}, &UsageError{Message: err.Error(), Usage: "--threat normal|elevated|lockdown"}
	}
	pol := policy.Policy{
		ThreatLevel:        threat,
		LocationTag:        p.FlagOrDefault("location", a.cfg.Policy.LocationTag),
		AllowedLocationTag: p.FlagOrDefault("allowed-location", a.cfg.Policy.AllowedLocationTag),
	}

	window := p.Flag("window")
	if window == "" && a.cfg.Policy.WindowStart != "" {
		window = a.cfg.Policy.WindowStart + "-" + a.cfg.Policy.WindowEnd
	}
	start, end, err := policy.ParseWindow(window)
	if err != nil {
		return policy.Policy{}, &UsageError{Message: err.Error(), Usage: "--window HH:MM-HH:MM"}
	}
	pol.WindowStart, pol.WindowEnd = start, end
	return pol, nil
}
