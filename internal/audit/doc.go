// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records every credential verification attempt.
//
// The log is an append-only sequence stored in insertion order as one
// whole record in the "audit" kv slot. Reads sort newest first.
package audit
