// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gate orchestrates profile entry.
//
// An unlock runs: input validation, policy gates, attempt limiter,
// credential proof, audit append, session grant, and finally the host's
// OnUnlock callback. Passcode verification, strong verification and strong
// enrollment all finish through one grant path.
package gate

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/profilegate/internal/audit"
	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/kvstore"
	"github.com/jeranaias/profilegate/internal/logging"
	"github.com/jeranaias/profilegate/internal/metrics"
	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/profile"
)

// DefaultPollInterval is the session watch tick.
const DefaultPollInterval = time.Second

var (
	// ErrSessionRequired is returned when a credential change on a
	// protected profile is attempted without an active session.
	ErrSessionRequired = errors.New("an active session is required")

	// ErrAlreadyEnrolled is returned by EnrollStrong for a profile that
	// already has a strong credential.
	ErrAlreadyEnrolled = errors.New("strong credential already enrolled")
)

// UnlockFunc is called once per successful unlock.
type UnlockFunc func(profileID, roleTag string)

// Gate wires the profile store, verifier, policy engine and audit log.
type Gate struct {
	profiles *profile.Store
	verifier *credential.Verifier
	engine   *policy.Engine
	audit    *audit.Log

	logger   *slog.Logger
	metrics  *metrics.Recorder
	onUnlock UnlockFunc
	now      func() time.Time

	watcher      kvstore.Watcher
	pollInterval time.Duration

	auditDenials bool

	limitMu  sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. It is wrapped to redact secrets.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = slog.New(logging.Wrap(l.Handler()))
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithOnUnlock sets the host callback fired after each successful unlock.
func WithOnUnlock(fn UnlockFunc) Option {
	return func(g *Gate) {
		g.onUnlock = fn
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithWatcher lets Watch wake early when the session slot changes.
func WithWatcher(w kvstore.Watcher) Option {
	return func(g *Gate) {
		g.watcher = w
	}
}

// WithPollInterval sets the Watch tick.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithPolicyDenialAudit records policy denials in the audit log with
// success=false and the denial reason.
func WithPolicyDenialAudit(enabled bool) Option {
	return func(g *Gate) {
		g.auditDenials = enabled
	}
}

// WithRateLimit allows perMinute attempts per profile with the given burst.
// Zero perMinute disables the limiter.
func WithRateLimit(perMinute, burst int) Option {
	return func(g *Gate) {
		if perMinute <= 0 {
			g.limit = 0
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limit = rate.Every(time.Minute / time.Duration(perMinute))
		g.burst = burst
	}
}

// New creates a Gate.
func New(profiles *profile.Store, verifier *credential.Verifier, engine *policy.Engine, log *audit.Log, opts ...Option) *Gate {
	g := &Gate{
		profiles:     profiles,
		verifier:     verifier,
		engine:       engine,
		audit:        log,
		logger:       logging.Discard(),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Profiles returns the underlying profile store.
func (g *Gate) Profiles() *profile.Store {
	return g.profiles
}

// Audit returns the underlying audit log.
func (g *Gate) Audit() *audit.Log {
	return g.audit
}

// allowAttempt applies the per-profile limiter.
func (g *Gate) allowAttempt(profileID string, now time.Time) bool {
	if g.limit == 0 {
		return true
	}
	g.limitMu.Lock()
	defer g.limitMu.Unlock()

	l, ok := g.limiters[profileID]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[profileID] = l
	}
	return l.AllowN(now, 1)
}
