// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned by Get when the slot has never been written or was deleted.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrInvalidKey is returned for empty keys or keys that cannot be mapped to a slot.
	ErrInvalidKey = errors.New("kvstore: invalid key")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kvstore: store closed")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is a whole-value key-value store.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces the value at key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// Watcher is implemented by stores that can signal when a slot changes,
// including changes made by another process.
type Watcher interface {
	// Watch returns a channel that receives a value after each change to key.
	// Notifications are coalesced; the channel is closed when ctx is done.
	Watch(ctx context.Context, key string) (<-chan struct{}, error)
}

// =============================================================================
// BACKEND SELECTION
// =============================================================================

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open opens a store for the named backend. path is a directory for the file
// backend and a database file for sqlite; it is ignored for memory.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile, "":
		return NewFile(path)
	case BackendSQLite:
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", backend)
	}
}

// =============================================================================
// JSON HELPERS
// =============================================================================

// GetJSON decodes the value at key into v. It reports false with a nil error
// when the slot is empty.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and writes it to key as one whole record.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
