// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy decides whether a verification attempt may proceed and
// holds the single device-wide session grant.
//
// Gates are evaluated in a fixed order:
//
//  1. An unexpired session allows immediately.
//  2. Threat level "lockdown" denies.
//  3. Differing location tags deny ("geo-fence").
//  4. A time-of-day window denies outside its bounds.
//
// A session granted before a lockdown keeps allowing until it expires
// unless the Engine is built WithRevokeOnLockdown.
package policy
