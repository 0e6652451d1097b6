// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/profilegate/internal/gate"
)

func (a *App) handleUnlock(ctx context.Context, p *ArgParser) error {
	id := p.Positional(0)
	if id == "" {
		return usagef("profilegate unlock <id> [--strong]", "missing profile id")
	}
	pol, err := a.policyFrom(p)
	if err != nil {
		return err
	}

	req := gate.Request{ProfileID: id, Strong: p.BoolFlag("strong"), Policy: pol}
	if !req.Strong {
		if req.Passcode, err = a.readSecret("Passcode: "); err != nil {
			return err
		}
	}

	res, err := a.gate.Unlock(ctx, req)
	if err != nil {
		return err
	}
	return a.reportUnlock("unlock", res)
}

func (a *App) handleLock(ctx context.Context) error {
	if err := a.gate.Lock(ctx); err != nil {
		return err
	}
	a.role = ""
	return a.emit("lock", map[string]bool{"sessionActive": false}, func() error {
		_, err := fmt.Fprintln(a.streams.Out, "Locked.")
		return err
	})
}

// formatRemaining renders a countdown as "29m59s", or "expired".
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
