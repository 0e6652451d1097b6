// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates profilegate configuration.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (PROFILEGATE_*)
//   - $PROFILEGATE_CONFIG, or the first of ~/.profilegate/config.{toml,json,yaml,yml}
//   - Built-in defaults
//
// # Sections
//
//   - [store]    key-value backend and path
//   - [session]  session lifetime and watch interval
//   - [passcode] hashing scheme and minimum length
//   - [strong]   platform authenticator
//   - [audit]    whether policy denials are audited
//   - [policy]   revoke-on-lockdown and default policy context
//   - [limits]   per-profile attempt limiter
//   - [log]      level and format
//
// # Usage
//
//	cfg, path, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	lifetime := cfg.Session.Lifetime.Duration
package config
