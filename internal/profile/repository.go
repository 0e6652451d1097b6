// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package profile

import (
	"context"
	"fmt"

	"github.com/jeranaias/profilegate/internal/kvstore"
)

// IdentitySlot is the key-value slot holding the Identity record.
const IdentitySlot = "identity"

// Repository loads and saves the Identity aggregate as one record.
type Repository interface {
	// Load returns the stored Identity, or (nil, nil) if none exists yet.
	Load(ctx context.Context) (*Identity, error)

	// Save replaces the stored Identity.
	Save(ctx context.Context, id *Identity) error
}

// KVRepository persists Identity at IdentitySlot in a kvstore.Store.
type KVRepository struct {
	store kvstore.Store
}

// NewKVRepository creates a repository over store.
func NewKVRepository(store kvstore.Store) *KVRepository {
	return &KVRepository{store: store}
}

// Load implements Repository.
func (r *KVRepository) Load(ctx context.Context) (*Identity, error) {
	var ident Identity
	found, err := kvstore.GetJSON(ctx, r.store, IdentitySlot, &ident)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !found {
		return nil, nil
	}
	if ident.Profiles == nil {
		ident.Profiles = make(map[string]Profile)
	}
	return &ident, nil
}

// Save implements Repository.
func (r *KVRepository) Save(ctx context.Context, ident *Identity) error {
	if err := kvstore.PutJSON(ctx, r.store, IdentitySlot, ident); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}
