// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - audit review commands.
//
// Command: audit [subcommand]
//
// Subcommands:
//   list (default)      Entries, newest first
//   summary             Success/failure counts per method
//
// Examples:
//   profilegate audit
//   profilegate audit list --method verify-passcode --limit 20
//   profilegate audit list --since 24h --json
//   profilegate audit summary
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/profilegate/internal/audit"
)

const auditUsage = "profilegate audit [list|summary] [--method M] [--since DURATION] [--limit N]"

func (a *App) handleAudit(ctx context.Context, p *ArgParser) error {
	switch sub := p.Subcommand(); sub {
	case "", "list", "show":
		return a.auditList(ctx, p)
	case "summary", "stats":
		return a.auditSummary(ctx)
	default:
		return usagef(auditUsage, "unknown audit subcommand %q", sub)
	}
}

func (a *App) auditList(ctx context.Context, p *ArgParser) error {
	limit, err := p.FlagIntOrDefault("limit", 0)
	if err != nil {
		return err
	}
	var method audit.Method
	if m := p.Flag("method"); m != "" {
		if method, err = audit.ParseMethod(m); err != nil {
			return &UsageError{Message: err.Error(), Usage: auditUsage}
		}
	}
	var since time.Time
	if s := p.Flag("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return usagef(auditUsage, "invalid --since %q (want a duration like 24h)", s)
		}
		since = time.Now().Add(-d)
	}

	entries, err := a.gate.Audit().ListDescending(ctx)
	if err != nil {
		return err
	}
	entries = filterEntries(entries, method, since, limit)

	return a.emit("audit", entries, func() error {
		if len(entries) == 0 {
			_, err := fmt.Fprintln(a.streams.Out, DimStyle.Render("No audit entries."))
			return err
		}
		return audit.WriteTable(a.streams.Out, entries, time.Local)
	})
}

// filterEntries keeps entries matching method (if set) at or after since
// (if set), up to limit (if positive). Order is preserved.
func filterEntries(entries []audit.Entry, method audit.Method, since time.Time, limit int) []audit.Entry {
	out := make([]audit.Entry, 0, len(entries))
	for _, e := range entries {
		if method != "" && e.Method != method {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (a *App) auditSummary(ctx context.Context) error {
	s, err := a.gate.Audit().Summary(ctx)
	if err != nil {
		return err
	}
	return a.emit("audit", s, func() error {
		if len(s) == 0 {
			_, err := fmt.Fprintln(a.streams.Out, DimStyle.Render("No audit entries."))
			return err
		}
		return audit.WriteSummary(a.streams.Out, s)
	})
}
