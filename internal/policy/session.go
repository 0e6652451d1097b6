// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/profilegate/internal/kvstore"
)

// SessionSlot is the kv slot holding the session marker.
const SessionSlot = "session"

// Session lifetime bounds.
const (
	DefaultSessionLifetime = 30 * time.Minute
	MinSessionLifetime     = time.Minute
	MaxSessionLifetime     = 12 * time.Hour
)

// =============================================================================
// SESSION TOKEN
// =============================================================================

// SessionToken is the single device-wide grant.
type SessionToken struct {
	ExpiresAt time.Time
}

// Valid reports whether t is non-nil and unexpired at now.
func (t *SessionToken) Valid(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// Remaining returns the time left at now, or zero.
func (t *SessionToken) Remaining(now time.Time) time.Duration {
	if !t.Valid(now) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// =============================================================================
// SESSION REPOSITORY
// =============================================================================

// SessionRepository persists the session marker.
type SessionRepository interface {
	// Load returns the stored token, or nil if there is none.
	Load(ctx context.Context) (*SessionToken, error)
	Save(ctx context.Context, t SessionToken) error
	Clear(ctx context.Context) error
}

// KVSessionRepository stores the expiry as a decimal epoch-millisecond
// string in SessionSlot.
type KVSessionRepository struct {
	store kvstore.Store
}

// NewKVSessionRepository creates a SessionRepository over store.
func NewKVSessionRepository(store kvstore.Store) *KVSessionRepository {
	return &KVSessionRepository{store: store}
}

// Load treats an unparsable marker as no session.
func (r *KVSessionRepository) Load(ctx context.Context) (*SessionToken, error) {
	data, err := r.store.Get(ctx, SessionSlot)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || ms <= 0 {
		return nil, nil
	}
	return &SessionToken{ExpiresAt: time.UnixMilli(ms)}, nil
}

func (r *KVSessionRepository) Save(ctx context.Context, t SessionToken) error {
	marker := strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10)
	if err := r.store.Put(ctx, SessionSlot, []byte(marker)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *KVSessionRepository) Clear(ctx context.Context) error {
	if err := r.store.Delete(ctx, SessionSlot); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine evaluates policy against the persisted session and issues grants.
// The persisted marker is re-read on every call, so grants made by another
// process are honored.
type Engine struct {
	repo             SessionRepository
	lifetime         time.Duration
	revokeOnLockdown bool

	mu sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLifetime sets the session lifetime. Values outside
// [MinSessionLifetime, MaxSessionLifetime] are ignored.
func WithLifetime(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= MinSessionLifetime && d <= MaxSessionLifetime {
			e.lifetime = d
		}
	}
}

// WithRevokeOnLockdown makes a lockdown policy clear an existing session
// instead of being bypassed by it.
func WithRevokeOnLockdown(revoke bool) EngineOption {
	return func(e *Engine) {
		e.revokeOnLockdown = revoke
	}
}

// NewEngine creates an Engine.
func NewEngine(repo SessionRepository, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:     repo,
		lifetime: DefaultSessionLifetime,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lifetime returns the configured session lifetime.
func (e *Engine) Lifetime() time.Duration {
	return e.lifetime
}

// Check evaluates p against the current session. With revoke-on-lockdown
// enabled, a lockdown clears the session first.
func (e *Engine) Check(ctx context.Context, now time.Time, p Policy) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	token, err := e.loadLocked(ctx)
	if err != nil {
		return Decision{}, err
	}

	if e.revokeOnLockdown && p.ThreatLevel == ThreatLockdown && token.Valid(now) {
		if err := e.clearLocked(ctx); err != nil {
			return Decision{}, err
		}
		token = nil
	}

	return Evaluate(now, p, token), nil
}

// Grant issues a new session expiring one lifetime after now, replacing any
// existing one.
func (e *Engine) Grant(ctx context.Context, now time.Time) (SessionToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := SessionToken{ExpiresAt: now.Add(e.lifetime)}
	if err := e.repo.Save(ctx, t); err != nil {
		return SessionToken{}, err
	}
	return t, nil
}

// Current returns the persisted session, or nil.
func (e *Engine) Current(ctx context.Context) (*SessionToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.loadLocked(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// Remaining returns the session time left at now, or zero.
func (e *Engine) Remaining(ctx context.Context, now time.Time) (time.Duration, error) {
	t, err := e.Current(ctx)
	if err != nil {
		return 0, err
	}
	return t.Remaining(now), nil
}

// Clear ends the session.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clearLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) (*SessionToken, error) {
	return e.repo.Load(ctx)
}

func (e *Engine) clearLocked(ctx context.Context) error {
	return e.repo.Clear(ctx)
}
