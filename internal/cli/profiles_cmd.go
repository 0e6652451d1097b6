// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jeranaias/profilegate/internal/gate"
	"github.com/jeranaias/profilegate/internal/util"
)

var titleCaser = cases.Title(language.English)

// roleTitle renders a role tag for people: "professional" -> "Professional".
func roleTitle(tag string) string {
	return titleCaser.String(strings.ReplaceAll(tag, "-", " "))
}

func (a *App) handleProfiles(ctx context.Context) error {
	st, err := a.gate.Status(ctx)
	if err != nil {
		return err
	}
	return a.emit("profiles", st.Profiles, func() error {
		writeProfileTable(a, st.Profiles)
		return nil
	})
}

func writeProfileTable(a *App, rows []gate.ProfileStatus) {
	out := a.streams.Out
	fmt.Fprintln(out, TitleStyle.Render("Profiles"))
	fmt.Fprintf(out, "  %s %s %s %s %s\n",
		util.PadRight("ID", 12),
		util.PadRight("LABEL", 16),
		util.PadRight("ROLE", 14),
		util.PadRight("PASSCODE", 9),
		"STRONG")
	for _, r := range rows {
		marker := " "
		if r.Active {
			marker = "*"
		}
		passcode := "no"
		if r.Passcode {
			passcode = "yes"
		}
		fmt.Fprintf(out, "%s %s %s %s %s %s\n",
			marker,
			util.PadRight(r.ID, 12),
			util.PadRight(r.DisplayLabel, 16),
			util.PadRight(roleTitle(r.RoleTag), 14),
			util.PadRight(passcode, 9),
			RenderState(r.Strong))
	}
}

func (a *App) handleUse(ctx context.Context, p *ArgParser) error {
	id := p.Positional(0)
	if id == "" {
		return usagef("profilegate use <id>", "missing profile id")
	}
	prof, err := a.gate.SetActive(ctx, id)
	if err != nil {
		return err
	}
	return a.emit("use", prof, func() error {
		_, err := fmt.Fprintf(a.streams.Out, "Active profile: %s (%s)\n",
			prof.DisplayLabel, roleTitle(prof.RoleTag))
		return err
	})
}
