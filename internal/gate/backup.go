// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/profilegate/internal/envelope"
	"github.com/jeranaias/profilegate/internal/kvstore"
	"github.com/jeranaias/profilegate/internal/util"
)

// SnapshotFunc produces the host application's state to seal.
type SnapshotFunc func() (any, error)

// Export seals the snapshot under passphrase.
func (g *Gate) Export(ctx context.Context, snapshot SnapshotFunc, passphrase string) (*envelope.Bundle, error) {
	if snapshot == nil {
		return nil, errors.New("no snapshot source")
	}
	payload, err := snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	start := time.Now()
	b, err := envelope.Seal(ctx, payload, passphrase)
	g.metrics.Envelope("seal", err == nil, time.Since(start))
	if err != nil {
		g.logger.Warn("EXPORT_FAILED", "error", err)
		return nil, err
	}
	g.logger.Info("EXPORT_SEALED", "bytes", len(b.Cipher))
	return b, nil
}

// Import opens a bundle and returns the snapshot JSON. A wrong passphrase
// or damaged bundle yields envelope.ErrCryptoFailure and no data.
func (g *Gate) Import(ctx context.Context, b *envelope.Bundle, passphrase string) (json.RawMessage, error) {
	start := time.Now()
	raw, err := envelope.Open(ctx, b, passphrase)
	g.metrics.Envelope("open", err == nil, time.Since(start))
	if err != nil {
		g.logger.Warn("IMPORT_FAILED", "error", err)
		return nil, err
	}
	g.logger.Info("IMPORT_OPENED", "bytes", len(raw))
	return raw, nil
}

// Restore writes the named slots of an opened snapshot back to store. When
// any local profile already has a credential, an active session is
// required first, as for any other credential change.
func (g *Gate) Restore(ctx context.Context, store kvstore.Store, raw json.RawMessage, slots ...string) ([]string, error) {
	list, err := g.profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		if p.HasPasscode() || p.HasStrongCredential() {
			if err := g.requireSession(ctx); err != nil {
				g.logger.Warn("IMPORT_RESTORE_DENIED", "error", err)
				return nil, err
			}
			break
		}
	}

	written, err := RestoreSlots(ctx, store, raw, slots...)
	if err != nil {
		g.logger.Error("IMPORT_RESTORE_FAILED", "written", written, "error", err)
		return written, err
	}
	g.logger.Info("IMPORT_RESTORED", "slots", written)
	return written, nil
}

// WriteBundle writes b to path with owner-only permissions.
func WriteBundle(path string, b *envelope.Bundle) error {
	data, err := b.Marshal()
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// ReadBundle reads and parses a bundle file.
func ReadBundle(path string) (*envelope.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return envelope.ParseBundle(data)
}

// =============================================================================
// SLOT SNAPSHOTS
// =============================================================================

// SlotSnapshot returns a SnapshotFunc that captures the raw JSON of the
// named kv slots. Missing slots are omitted.
func SlotSnapshot(ctx context.Context, store kvstore.Store, slots ...string) SnapshotFunc {
	return func() (any, error) {
		out := make(map[string]json.RawMessage, len(slots))
		for _, slot := range slots {
			data, err := store.Get(ctx, slot)
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !json.Valid(data) {
				return nil, fmt.Errorf("slot %s does not hold JSON", slot)
			}
			out[slot] = json.RawMessage(data)
		}
		return out, nil
	}
}

// RestoreSlots writes back the slots captured by SlotSnapshot. Only the
// named slots are accepted; anything else in the snapshot is ignored.
// It returns the slots written.
func RestoreSlots(ctx context.Context, store kvstore.Store, raw json.RawMessage, slots ...string) ([]string, error) {
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("snapshot is not a slot map: %w", err)
	}

	var written []string
	for _, slot := range slots {
		data, ok := snap[slot]
		if !ok {
			continue
		}
		if err := store.Put(ctx, slot, data); err != nil {
			return written, fmt.Errorf("restore %s: %w", slot, err)
		}
		written = append(written, slot)
	}
	return written, nil
}
