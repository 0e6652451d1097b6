// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gate

import (
	"context"
	"time"

	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/profile"
)

// ProfileStatus is one row of Status.
type ProfileStatus struct {
	ID           string `json:"id"`
	DisplayLabel string `json:"displayLabel"`
	RoleTag      string `json:"roleTag"`
	Active       bool   `json:"active"`
	Passcode     bool   `json:"passcode"`
	Strong       string `json:"strong"`
}

// Status is a read-only snapshot of the gate.
type Status struct {
	ActiveProfileID string          `json:"activeProfileId"`
	SessionActive   bool            `json:"sessionActive"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	Remaining       time.Duration   `json:"remainingNs"`
	StrongAvailable bool            `json:"strongAvailable"`
	Profiles        []ProfileStatus `json:"profiles"`
}

// Status reports the active profile, session and enrollment states at now.
func (g *Gate) Status(ctx context.Context) (*Status, error) {
	now := g.now()

	active, err := g.profiles.Active(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := g.engine.Current(ctx)
	if err != nil {
		return nil, err
	}
	list, err := g.profiles.List(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		ActiveProfileID: active.ID,
		SessionActive:   tok.Valid(now),
		Remaining:       tok.Remaining(now),
		StrongAvailable: g.verifier.StrongAvailable(ctx),
		Profiles:        make([]ProfileStatus, 0, len(list)),
	}
	if st.SessionActive {
		exp := tok.ExpiresAt
		st.ExpiresAt = &exp
	}

	for _, p := range list {
		strong, err := g.verifier.StrongState(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		st.Profiles = append(st.Profiles, ProfileStatus{
			ID:           p.ID,
			DisplayLabel: p.DisplayLabel,
			RoleTag:      p.RoleTag,
			Active:       p.ID == active.ID,
			Passcode:     p.HasPasscode(),
			Strong:       strong.String(),
		})
	}
	return st, nil
}

// SetActive selects the active profile. Selection is not a security
// boundary and needs no unlock.
func (g *Gate) SetActive(ctx context.Context, profileID string) (profile.Profile, error) {
	if err := g.profiles.SetActive(ctx, profileID); err != nil {
		return profile.Profile{}, err
	}
	g.logger.Info("PROFILE_SELECTED", "profile", profileID)
	return g.profiles.Get(ctx, profileID)
}

// Lock ends the current session and forgets transient strong-credential
// state.
func (g *Gate) Lock(ctx context.Context) error {
	if err := g.engine.Clear(ctx); err != nil {
		return err
	}
	g.verifier.Reset()
	g.logger.Info("SESSION_CLEARED")
	return nil
}

// Remaining returns the session time left now.
func (g *Gate) Remaining(ctx context.Context) (time.Duration, error) {
	return g.engine.Remaining(ctx, g.now())
}

// Watch polls the persisted session marker and sends the remaining time on
// every tick, and also whenever the store reports a change to the marker.
// It never writes. The channel is closed when ctx is done.
func (g *Gate) Watch(ctx context.Context) (<-chan time.Duration, error) {
	var changed <-chan struct{}
	if g.watcher != nil {
		ch, err := g.watcher.Watch(ctx, policy.SessionSlot)
		if err != nil {
			g.logger.Warn("SESSION_WATCH_DEGRADED", "error", err)
		} else {
			changed = ch
		}
	}

	out := make(chan time.Duration, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()

		send := func() bool {
			rem, err := g.Remaining(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				g.logger.Warn("SESSION_POLL_FAILED", "error", err)
				return true
			}
			select {
			case out <- rem:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case _, ok := <-changed:
				if !ok {
					changed = nil
					continue
				}
			}
			if !send() {
				return
			}
		}
	}()
	return out, nil
}
