// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/jeranaias/profilegate/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdProfiles
	CmdUse
	CmdEnroll
	CmdUnlock
	CmdLock
	CmdSession
	CmdAudit
	CmdExport
	CmdImport
	CmdShell
	CmdConfig
	CmdVersion
)

var commandNames = map[string]Command{
	"help":     CmdHelp,
	"profiles": CmdProfiles,
	"ls":       CmdProfiles,
	"use":      CmdUse,
	"enroll":   CmdEnroll,
	"unlock":   CmdUnlock,
	"lock":     CmdLock,
	"session":  CmdSession,
	"s":        CmdSession,
	"audit":    CmdAudit,
	"export":   CmdExport,
	"import":   CmdImport,
	"shell":    CmdShell,
	"config":   CmdConfig,
	"version":  CmdVersion,
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c && len(name) > 2 {
			return name
		}
	}
	return "help"
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Verbose bool
	Config  string

	// Raw holds the command's own arguments.
	Raw []string
}

const usageText = `profilegate - local multi-profile unlock gate

Usage:
  profilegate <command> [arguments] [--json] [--verbose] [--config FILE]

Profiles:
  profiles, ls                     List profiles and enrollment state
  use <id>                         Select the active profile (no unlock)

Credentials:
  enroll passcode <id>             Enroll a passcode (prompts twice)
  enroll strong <id>               Enroll the platform authenticator
  unlock <id>                      Unlock with the passcode
    --strong                       Use the platform authenticator instead
    --threat normal|elevated|lockdown
    --location TAG                 Current location tag
    --allowed-location TAG         Geo-fence: only this tag may unlock
    --window HH:MM-HH:MM           Access window (may wrap midnight)
  lock                             End the current session

Session:
  session [status]                 Show the session and remaining time
  session watch                    Live countdown (q to quit)

Audit:
  audit [list]                     Entries, newest first
    --method M                     enroll-passcode|verify-passcode|enroll-strong|verify-strong
    --limit N                      Show at most N entries
  audit summary                    Success/failure counts per method

Backup:
  export [--out FILE]              Seal profiles and audit into a bundle
  import FILE [--restore]          Open a bundle; --restore writes it back

Other:
  shell                            Interactive shell (adds 'metrics')
  config [show|path|init|get KEY]  Configuration
  version                          Version information

Environment:
  PROFILEGATE_HOME                 Data and config directory (~/.profilegate)
  PROFILEGATE_CONFIG               Explicit config file
  NO_COLOR                         Disable colors
`

// Parse splits argv (without the program name) into a command and its
// arguments. Global flags may appear anywhere.
func Parse(argv []string) (Command, Args, error) {
	var args Args
	rest := make([]string, 0, len(argv))

	for i := 0; i < len(argv); i++ {
		switch a := argv[i]; {
		case a == "--json":
			args.JSON = true
		case a == "--verbose" || a == "-v":
			args.Verbose = true
		case a == "--config":
			if i+1 >= len(argv) {
				return CmdHelp, args, usagef("--config FILE", "--config needs a file")
			}
			args.Config = argv[i+1]
			i++
		case strings.HasPrefix(a, "--config="):
			args.Config = strings.TrimPrefix(a, "--config=")
		case a == "-h" || a == "--help":
			if len(rest) == 0 {
				return CmdHelp, args, nil
			}
			rest = append(rest, a)
		default:
			rest = append(rest, a)
		}
	}

	if len(rest) == 0 {
		return CmdHelp, args, nil
	}
	cmd, ok := commandNames[strings.ToLower(rest[0])]
	if !ok {
		return CmdHelp, args, usagef("profilegate help", "unknown command %q", rest[0])
	}
	args.Raw = rest[1:]
	return cmd, args, nil
}

// Streams are the process's standard streams.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdStreams returns os.Stdin, os.Stdout and os.Stderr.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// Run executes one command line and returns the exit status.
func Run(ctx context.Context, argv []string, s Streams) int {
	cmd, args, err := Parse(argv)
	if err != nil {
		DisplayError(s.Out, s.Err, "", err, args.JSON)
		return GetExitCode(err)
	}

	cfg, err := loadConfig(args)
	if err != nil {
		DisplayError(s.Out, s.Err, cmd.String(), err, args.JSON)
		return ExitGeneralError
	}

	var app *App
	switch cmd {
	case CmdHelp, CmdVersion, CmdConfig:
		app = &App{cfg: cfg, streams: s, json: args.JSON}
	default:
		app, err = NewApp(ctx, cfg, s, args)
		if err != nil {
			DisplayError(s.Out, s.Err, cmd.String(), err, args.JSON)
			return ExitGeneralError
		}
		defer app.Close()
	}

	if err := app.dispatch(ctx, cmd, args); err != nil {
		DisplayError(s.Out, s.Err, cmd.String(), err, args.JSON)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func loadConfig(args Args) (*config.Config, error) {
	if args.Config != "" {
		return config.LoadFromPath(args.Config)
	}
	cfg, _, err := config.Load()
	return cfg, err
}

// dispatch routes one parsed command.
func (a *App) dispatch(ctx context.Context, cmd Command, args Args) error {
	p := NewArgParser(args.Raw)
	if p.BoolFlag("help") || p.BoolFlag("h") {
		return a.handleHelp()
	}

	switch cmd {
	case CmdHelp:
		return a.handleHelp()
	case CmdVersion:
		return a.handleVersion()
	case CmdConfig:
		return a.handleConfig(p)
	case CmdProfiles:
		return a.handleProfiles(ctx)
	case CmdUse:
		return a.handleUse(ctx, p)
	case CmdEnroll:
		return a.handleEnroll(ctx, p)
	case CmdUnlock:
		return a.handleUnlock(ctx, p)
	case CmdLock:
		return a.handleLock(ctx)
	case CmdSession:
		return a.handleSession(ctx, p)
	case CmdAudit:
		return a.handleAudit(ctx, p)
	case CmdExport:
		return a.handleExport(ctx, p)
	case CmdImport:
		return a.handleImport(ctx, p)
	case CmdShell:
		return a.runShell(ctx)
	}
	return usagef("profilegate help", "unknown command")
}

func (a *App) handleHelp() error {
	_, err := io.WriteString(a.streams.Out, usageText)
	return err
}

// VersionInfo is the data of the version command.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func (a *App) handleVersion() error {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	return a.emit("version", info, func() error {
		_, err := fmt.Fprintf(a.streams.Out, "profilegate %s (%s, built %s, %s %s)\n",
			info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
		return err
	})
}
