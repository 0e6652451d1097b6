// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/profilegate/internal/config"
)

const configUsage = "profilegate config [show|path|init [--force]|get KEY]"

func (a *App) handleConfig(p *ArgParser) error {
	switch sub := p.Subcommand(); sub {
	case "", "show":
		return a.emit("config", a.cfg, func() error {
			_, err := fmt.Fprint(a.streams.Out, a.cfg.String())
			return err
		})

	case "path":
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		return a.emit("config", map[string]string{"path": path}, func() error {
			_, err := fmt.Fprintln(a.streams.Out, path)
			return err
		})

	case "get":
		key := p.Positional(1)
		if key == "" {
			return usagef(configUsage, "missing key")
		}
		v, err := a.cfg.Get(key)
		if err != nil {
			return &UsageError{Message: err.Error(), Usage: configUsage}
		}
		return a.emit("config", map[string]any{key: v}, func() error {
			_, err := fmt.Fprintln(a.streams.Out, v)
			return err
		})

	case "init":
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !p.BoolFlag("force") {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.SaveTo(config.Default(), path); err != nil {
			return err
		}
		return a.emit("config", map[string]string{"path": path}, func() error {
			_, err := fmt.Fprintf(a.streams.Out, "%s Wrote %s\n", SuccessStyle.Render("OK"), path)
			return err
		})

	default:
		return usagef(configUsage, "unknown config subcommand %q", sub)
	}
}
