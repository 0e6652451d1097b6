// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func (a *App) handleSession(ctx context.Context, p *ArgParser) error {
	switch sub := p.Subcommand(); sub {
	case "", "status":
		return a.sessionStatus(ctx)
	case "watch":
		return a.sessionWatch(ctx)
	default:
		return usagef("profilegate session [status|watch]", "unknown session subcommand %q", sub)
	}
}

func (a *App) sessionStatus(ctx context.Context) error {
	st, err := a.gate.Status(ctx)
	if err != nil {
		return err
	}
	return a.emit("session", st, func() error {
		out := a.streams.Out
		fmt.Fprintln(out, TitleStyle.Render("Session"))
		fmt.Fprintf(out, "%s %s\n", RenderLabel("Active profile"), ValueStyle.Render(st.ActiveProfileID))
		if !st.SessionActive {
			fmt.Fprintf(out, "%s %s\n", RenderLabel("Session"), RenderState("none"))
		} else {
			fmt.Fprintf(out, "%s %s\n", RenderLabel("Session"), RenderState("active"))
			fmt.Fprintf(out, "%s %s\n", RenderLabel("Expires"), st.ExpiresAt.Local().Format("15:04:05"))
			fmt.Fprintf(out, "%s %s\n", RenderLabel("Remaining"), formatRemaining(st.Remaining))
		}
		strong := "unavailable"
		if st.StrongAvailable {
			strong = "available"
		}
		fmt.Fprintf(out, "%s %s\n", RenderLabel("Authenticator"), strong)
		return nil
	})
}

// sessionWatch shows a live countdown until interrupted. Without a
// terminal, or with --json, it prints one line per change instead.
func (a *App) sessionWatch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := a.gate.Watch(ctx)
	if err != nil {
		return err
	}

	if a.json || !isTerminal(a.streams.Out) {
		return a.watchPlain(ch)
	}

	m := newWatchModel(ch, a.cfg.Session.Lifetime.Duration, terminalWidth(a.streams.Out))
	prog := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(a.streams.In),
		tea.WithOutput(a.streams.Out),
	)
	_, err = prog.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) watchPlain(ch <-chan time.Duration) error {
	last := time.Duration(-1)
	for rem := range ch {
		rem = rem.Truncate(time.Second)
		if rem == last {
			continue
		}
		last = rem
		if a.json {
			if err := NewJSONResponse("session", map[string]any{
				"remainingNs":   rem,
				"sessionActive": rem > 0,
			}).Write(a.streams.Out); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(a.streams.Out, "%s remaining\n", formatRemaining(rem))
	}
	return nil
}
