// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across profilegate.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe whole-file replacement with fsync, used for
//     every whole-record write (identity, audit, session marker, bundles)
//
// String Utilities:
//   - TruncateRunes, TruncateWidth: UTF-8 safe truncation
//   - StringWidth, PadRight: display-cell aware column layout
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
//	row := util.PadRight(profile.DisplayLabel, 16)
package util
