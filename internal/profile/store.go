// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrProfileNotFound is returned for ids outside the stored profile set.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrEmptyCredential is returned when enrolling an empty digest or handle.
	ErrEmptyCredential = errors.New("credential value is empty")
)

// =============================================================================
// STORE
// =============================================================================

// Store implements list/get/select/enroll over the Identity aggregate.
// The Identity is seeded with DefaultRoster on first use.
type Store struct {
	repo Repository
	now  func() time.Time

	// mu serializes read-modify-write cycles within this process only.
	mu sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the timestamp source used for createdAt/updatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store over repo.
func NewStore(repo Repository, opts ...StoreOption) *Store {
	s := &Store{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed creates the default roster if no Identity exists. An existing Identity
// is never touched, so calling Seed repeatedly is safe.
func (s *Store) Seed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.loadOrSeedLocked(ctx)
	return err
}

// List returns every profile in roster order; profiles outside the roster
// follow, ordered by id.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	s.mu.Lock()
	ident, err := s.loadOrSeedLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Profile, 0, len(ident.Profiles))
	for _, p := range ident.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rosterRank(out[i].ID), rosterRank(out[j].ID)
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns the profile with the given id.
func (s *Store) Get(ctx context.Context, id string) (Profile, error) {
	s.mu.Lock()
	ident, err := s.loadOrSeedLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return Profile{}, err
	}

	p, ok := ident.Profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, id)
	}
	return p, nil
}

// Active returns the currently selected profile.
func (s *Store) Active(ctx context.Context) (Profile, error) {
	s.mu.Lock()
	ident, err := s.loadOrSeedLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return Profile{}, err
	}

	p, ok := ident.Profiles[ident.ActiveProfileID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: active %q", ErrProfileNotFound, ident.ActiveProfileID)
	}
	return p, nil
}

// SetActive selects the active profile. Selection is identity-level state, so
// no profile's updatedAt changes.
func (s *Store) SetActive(ctx context.Context, id string) error {
	return s.mutate(ctx, func(ident *Identity) error {
		if _, ok := ident.Profiles[id]; !ok {
			return fmt.Errorf("%w: %q", ErrProfileNotFound, id)
		}
		ident.ActiveProfileID = id
		return nil
	})
}

// EnrollPasscodeHash stores a passcode digest for the profile, replacing any
// previous one.
func (s *Store) EnrollPasscodeHash(ctx context.Context, id, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return ErrEmptyCredential
	}
	return s.mutateProfile(ctx, id, func(p *Profile) {
		p.PasscodeHash = hash
	})
}

// EnrollStrongCredential stores the platform credential handle for the profile,
// replacing any previous one.
func (s *Store) EnrollStrongCredential(ctx context.Context, id, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return ErrEmptyCredential
	}
	return s.mutateProfile(ctx, id, func(p *Profile) {
		p.StrongCredentialID = handle
	})
}

// =============================================================================
// WHOLE-RECORD READ-MODIFY-WRITE
// =============================================================================

// mutateProfile applies fn to one profile and stamps its updatedAt.
func (s *Store) mutateProfile(ctx context.Context, id string, fn func(*Profile)) error {
	return s.mutate(ctx, func(ident *Identity) error {
		p, ok := ident.Profiles[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrProfileNotFound, id)
		}
		fn(&p)
		p.UpdatedAt = s.now().UTC()
		ident.Profiles[id] = p
		return nil
	})
}

// mutate loads the whole Identity, applies fn to a copy and saves the copy.
// Nothing is written if fn fails.
func (s *Store) mutate(ctx context.Context, fn func(*Identity) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, err := s.loadOrSeedLocked(ctx)
	if err != nil {
		return err
	}
	next := ident.clone()
	if err := fn(next); err != nil {
		return err
	}
	return s.repo.Save(ctx, next)
}

func (s *Store) loadOrSeedLocked(ctx context.Context) (*Identity, error) {
	ident, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ident != nil {
		return ident, nil
	}

	now := s.now().UTC()
	ident = &Identity{
		ActiveProfileID: DefaultRoster[0].ID,
		Profiles:        make(map[string]Profile, len(DefaultRoster)),
	}
	for _, seed := range DefaultRoster {
		ident.Profiles[seed.ID] = Profile{
			ID:           seed.ID,
			DisplayLabel: seed.DisplayLabel,
			RoleTag:      seed.RoleTag,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	if err := s.repo.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("seed profiles: %w", err)
	}
	return ident, nil
}
