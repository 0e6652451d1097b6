// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"

	"github.com/jeranaias/profilegate/internal/config"
)

// =============================================================================
// INTERACTIVE SHELL
// =============================================================================

// shellCommands are completed at the prompt, in addition to the CLI commands.
var shellCommands = []string{"exit", "quit", "metrics", "whoami"}

// Shell is a line-edited REPL over one App. The gate, rate limiter and
// metrics live for the whole shell, so attempts accumulate across commands.
type Shell struct {
	app         *App
	line        *liner.State
	historyFile string
	id          string
}

func newShell(a *App) *Shell {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	sh := &Shell{
		app:         a,
		line:        line,
		historyFile: filepath.Join(dir, "shell_history"),
		id:          uuid.NewString(),
	}
	line.SetCompleter(sh.complete)
	sh.loadHistory()
	return sh
}

func (sh *Shell) complete(input string) []string {
	var out []string
	for _, name := range completionWords() {
		if strings.HasPrefix(name, strings.ToLower(input)) {
			out = append(out, name)
		}
	}
	return out
}

func completionWords() []string {
	words := append([]string(nil), shellCommands...)
	for name := range commandNames {
		if len(name) > 2 && name != "shell" {
			words = append(words, name)
		}
	}
	sort.Strings(words)
	return words
}

func (sh *Shell) loadHistory() {
	if f, err := os.Open(sh.historyFile); err == nil {
		sh.line.ReadHistory(f)
		f.Close()
	}
}

// saveHistory writes history with owner-only permissions. Prompts for
// secrets never reach the history.
func (sh *Shell) saveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(sh.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	sh.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (sh *Shell) Close() {
	sh.saveHistory()
	sh.line.Close()
}

func (sh *Shell) prompt(ctx context.Context) string {
	if role := sh.app.currentRole(ctx); role != "" {
		return fmt.Sprintf("profilegate[%s]> ", role)
	}
	return "profilegate> "
}

// runShell reads commands until exit, EOF or Ctrl+C.
func (a *App) runShell(ctx context.Context) error {
	if a.json {
		return usagef("profilegate shell", "the shell does not support --json")
	}
	sh := newShell(a)
	defer sh.Close()

	a.logger = a.logger.With("shell_session", sh.id)
	a.readLine = sh.line.Prompt
	a.readSecret = sh.line.PasswordPrompt
	defer func() {
		a.readLine = a.promptLine
		a.readSecret = a.promptSecret
	}()

	a.logger.Info("SHELL_STARTED")
	fmt.Fprintf(a.streams.Out, "%s %s\n", TitleStyle.Render("profilegate shell"),
		DimStyle.Render("session "+sh.id[:8]+", 'help' for commands, 'exit' to leave"))

	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := sh.line.Prompt(sh.prompt(ctx))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(a.streams.Out)
			}
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		sh.line.AppendHistory(input)

		done, err := sh.exec(ctx, input)
		if err != nil {
			DisplayError(a.streams.Out, a.streams.Err, "shell", err, false)
		}
		if done {
			break
		}
	}
	a.logger.Info("SHELL_ENDED")
	return nil
}

// exec runs one shell line and reports whether the shell should exit.
func (sh *Shell) exec(ctx context.Context, input string) (bool, error) {
	a := sh.app
	fields := strings.Fields(input)

	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		return true, nil
	case "metrics":
		return false, a.metrics.WriteText(a.streams.Out)
	case "whoami":
		role := a.currentRole(ctx)
		if role == "" {
			role = "locked"
		} else {
			role = roleTitle(role)
		}
		_, err := fmt.Fprintf(a.streams.Out, "%s (shell %s)\n", role, sh.id)
		return false, err
	}

	cmd, args, err := Parse(fields)
	if err != nil {
		return false, err
	}
	if cmd == CmdShell {
		return false, errors.New("already in a shell")
	}
	if args.Config != "" || args.JSON {
		return false, usagef("", "--config and --json are not available inside the shell")
	}
	return false, a.dispatch(ctx, cmd, args)
}
