// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kvstore provides the device-local key-value store that backs every
// persisted record in profilegate.
//
// Each record lives at a named slot and is always written whole. There are no
// field-level updates and no cross-slot transactions: two processes writing the
// same slot race and the later writer wins.
//
// # Backends
//
//   - Memory: in-process map, used by tests and the "memory" store backend
//   - File: one file per slot under a directory, written with
//     util.AtomicWriteFile; supports change notification via fsnotify
//   - SQLite: a single kv table in a pure Go SQLite database (modernc.org/sqlite)
//
// # Usage
//
//	store, err := kvstore.Open(kvstore.BackendFile, "~/.profilegate/data")
//	defer store.Close()
//
//	var ident Identity
//	found, err := kvstore.GetJSON(ctx, store, "identity", &ident)
package kvstore
