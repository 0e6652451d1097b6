// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package profile

import (
	"time"
)

// =============================================================================
// PROFILE
// =============================================================================

// Profile is a named identity with its own credentials and role tag.
// PasscodeHash and StrongCredentialID are independently optional.
type Profile struct {
	ID                 string    `json:"id"`
	DisplayLabel       string    `json:"displayLabel"`
	RoleTag            string    `json:"roleTag"`
	PasscodeHash       string    `json:"passcodeHash,omitempty"`
	StrongCredentialID string    `json:"strongCredentialId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// HasPasscode reports whether a passcode digest is enrolled.
func (p Profile) HasPasscode() bool {
	return p.PasscodeHash != ""
}

// HasStrongCredential reports whether a platform credential handle is enrolled.
func (p Profile) HasStrongCredential() bool {
	return p.StrongCredentialID != ""
}

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the full durable profile set. ActiveProfileID is a UI selection,
// not a security boundary.
type Identity struct {
	ActiveProfileID string             `json:"activeProfileId"`
	Profiles        map[string]Profile `json:"profiles"`
}

// clone returns a deep copy so callers never mutate a cached aggregate.
func (id *Identity) clone() *Identity {
	out := &Identity{
		ActiveProfileID: id.ActiveProfileID,
		Profiles:        make(map[string]Profile, len(id.Profiles)),
	}
	for k, v := range id.Profiles {
		out.Profiles[k] = v
	}
	return out
}

// =============================================================================
// DEFAULT ROSTER
// =============================================================================

// Seed describes one entry of the default roster.
type Seed struct {
	ID           string
	DisplayLabel string
	RoleTag      string
}

// DefaultRoster is the fixed set of role archetypes created on first use.
// Order here is the listing order.
var DefaultRoster = []Seed{
	{ID: "personal", DisplayLabel: "Personal", RoleTag: "owner"},
	{ID: "work", DisplayLabel: "Work", RoleTag: "professional"},
	{ID: "family", DisplayLabel: "Family", RoleTag: "household"},
	{ID: "finance", DisplayLabel: "Finance", RoleTag: "treasurer"},
	{ID: "studio", DisplayLabel: "Studio", RoleTag: "creator"},
}

// rosterRank returns the listing position of a seeded id, or len(DefaultRoster)
// for ids outside the roster.
func rosterRank(id string) int {
	for i, s := range DefaultRoster {
		if s.ID == id {
			return i
		}
	}
	return len(DefaultRoster)
}
