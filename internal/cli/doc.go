// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the profilegate command line.
//
// Run parses a command line, loads configuration, wires an App (store,
// profiles, verifier, policy engine, audit log and gate) and dispatches to
// one handler. Every handler honors --json by writing a JSONResponse
// envelope to stdout. Prompts and logs go to stderr.
//
// # Usage
//
//	code := cli.Run(ctx, os.Args[1:], cli.StdStreams())
//	os.Exit(code)
//
// # Exit Status
//
// 0 on success, 2 on a malformed command line and 1 for every other
// failure, including denied unlocks.
package cli
