// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// backup_cmd.go - sealed export and import of the local store.
//
// Command: export [--out FILE]
//          import FILE [--restore]
//
// The bundle holds the identity and audit slots plus the software
// authenticator key of every enrolled profile, sealed with a passphrase.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/profilegate/internal/audit"
	"github.com/jeranaias/profilegate/internal/credential/softkey"
	"github.com/jeranaias/profilegate/internal/gate"
	"github.com/jeranaias/profilegate/internal/profile"
)

// exportSlots lists the kv slots a bundle carries.
func (a *App) exportSlots(ctx context.Context) ([]string, error) {
	slots := []string{profile.IdentitySlot, audit.Slot}
	list, err := a.gate.Profiles().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		if p.HasStrongCredential() {
			slots = append(slots, softkey.SlotPrefix+p.StrongCredentialID)
		}
	}
	return slots, nil
}

// restorableSlots picks the slots of a snapshot that import may write.
func restorableSlots(raw json.RawMessage) ([]string, error) {
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("bundle does not hold a profilegate export: %w", err)
	}
	var slots []string
	for k := range snap {
		if k == profile.IdentitySlot || k == audit.Slot || strings.HasPrefix(k, softkey.SlotPrefix) {
			slots = append(slots, k)
		}
	}
	sort.Strings(slots)
	return slots, nil
}

func (a *App) handleExport(ctx context.Context, p *ArgParser) error {
	pass, err := a.readSecret("Bundle passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := a.readSecret("Confirm passphrase: ")
	if err != nil {
		return err
	}
	if pass == "" {
		return usagef("profilegate export [--out FILE]", "passphrase is required")
	}
	if pass != confirm {
		return usagef("profilegate export [--out FILE]", "passphrases do not match")
	}

	slots, err := a.exportSlots(ctx)
	if err != nil {
		return err
	}
	b, err := a.gate.Export(ctx, gate.SlotSnapshot(ctx, a.store, slots...), pass)
	if err != nil {
		return err
	}

	out := p.Flag("out")
	if out == "" {
		data, err := b.Marshal()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.streams.Out, string(data))
		return err
	}
	if err := gate.WriteBundle(out, b); err != nil {
		return err
	}
	return a.emit("export", map[string]any{"path": out, "slots": slots}, func() error {
		_, err := fmt.Fprintf(a.streams.Out, "%s Sealed %d slots to %s\n",
			SuccessStyle.Render("OK"), len(slots), out)
		return err
	})
}

func (a *App) handleImport(ctx context.Context, p *ArgParser) error {
	path := p.Positional(0)
	if path == "" {
		return usagef("profilegate import FILE [--restore]", "missing bundle file")
	}
	b, err := gate.ReadBundle(path)
	if err != nil {
		return err
	}
	pass, err := a.readSecret("Bundle passphrase: ")
	if err != nil {
		return err
	}
	raw, err := a.gate.Import(ctx, b, pass)
	if err != nil {
		return err
	}

	if !p.BoolFlag("restore") {
		return a.emit("import", raw, func() error {
			var pretty any
			if err := json.Unmarshal(raw, &pretty); err != nil {
				return err
			}
			data, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.streams.Out, string(data))
			return err
		})
	}

	slots, err := restorableSlots(raw)
	if err != nil {
		return err
	}
	written, err := a.gate.Restore(ctx, a.store, raw, slots...)
	if err != nil {
		return err
	}
	return a.emit("import", map[string]any{"restored": written}, func() error {
		_, err := fmt.Fprintf(a.streams.Out, "%s Restored %s\n",
			SuccessStyle.Render("OK"), strings.Join(written, ", "))
		return err
	})
}
