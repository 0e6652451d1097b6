// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/profilegate/internal/gate"
)

const enrollUsage = "profilegate enroll passcode|strong <id>"

func (a *App) handleEnroll(ctx context.Context, p *ArgParser) error {
	kind, id := p.Positional(0), p.Positional(1)
	if id == "" {
		return usagef(enrollUsage, "missing profile id")
	}

	switch kind {
	case "passcode":
		return a.enrollPasscode(ctx, id)
	case "strong":
		pol, err := a.policyFrom(p)
		if err != nil {
			return err
		}
		res, err := a.gate.EnrollStrong(ctx, id, pol)
		if err != nil {
			return err
		}
		return a.reportUnlock("enroll", res)
	default:
		return usagef(enrollUsage, "unknown credential kind %q", kind)
	}
}

func (a *App) enrollPasscode(ctx context.Context, id string) error {
	secret, err := a.readSecret("New passcode: ")
	if err != nil {
		return err
	}
	confirm, err := a.readSecret("Confirm passcode: ")
	if err != nil {
		return err
	}
	if err := a.gate.EnrollPasscode(ctx, id, secret, confirm); err != nil {
		return err
	}
	return a.emit("enroll", map[string]string{"profileId": id, "method": "passcode"}, func() error {
		_, err := fmt.Fprintf(a.streams.Out, "%s Passcode enrolled for %s.\n", SuccessStyle.Render("OK"), id)
		return err
	})
}

// reportUnlock prints a successful unlock or strong enrollment.
func (a *App) reportUnlock(command string, res *gate.Result) error {
	data := map[string]any{
		"profileId": res.ProfileID,
		"roleTag":   res.RoleTag,
		"method":    res.Method,
		"expiresAt": res.Session.ExpiresAt,
	}
	if res.Provisioning != "" {
		data["provisioning"] = res.Provisioning
	}
	return a.emit(command, data, func() error {
		out := a.streams.Out
		fmt.Fprintf(out, "%s Unlocked %s as %s.\n",
			SuccessStyle.Render("OK"), res.ProfileID, roleTitle(res.RoleTag))
		fmt.Fprintf(out, "%s %s (%s)\n", RenderLabel("Session expires"),
			res.Session.ExpiresAt.Local().Format("15:04:05"),
			formatRemaining(res.Session.Remaining(time.Now())))
		if res.Provisioning != "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Keep this key in your authenticator app; its codes unlock with --strong:")
			fmt.Fprintf(out, "  %s\n", res.Provisioning)
		}
		return nil
	})
}
