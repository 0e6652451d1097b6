// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package profile owns the durable record of profiles and their credentials.
//
// The whole profile set is one aggregate, Identity, persisted through a
// Repository as a single record. Every mutation is a read-modify-write of the
// entire Identity; there are no field-level writes.
//
// # Key Types
//
//   - Profile: a named identity with a role tag and optional credentials
//   - Identity: the active profile id plus every Profile keyed by id
//   - Store: list/get/set-active/enroll operations over a Repository
//
// # Usage
//
//	store := profile.NewStore(profile.NewKVRepository(kv))
//	if err := store.Seed(ctx); err != nil { ... }
//	p, err := store.Get(ctx, "work")
package profile
