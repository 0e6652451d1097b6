// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credential proves possession of a profile credential.
//
// Two mechanisms are independent and selected per call:
//
//   - Passcode: a digest of the secret stored on the profile. The default
//     "sha256" scheme is an unsalted, unkeyed hex SHA-256 kept for
//     compatibility with existing stores. It is a known weakness; the
//     "argon2id" scheme stores a salted, self-describing hash instead.
//     Verification dispatches on the stored format so both may coexist.
//
//   - Strong credential: a public-key credential held by a Platform
//     authenticator. A profile moves Unenrolled -> Enrolling -> Enrolled,
//     and each verification moves Enrolled -> Verifying -> Unlocked|Failed.
//     Enrollment counts as a successful unlock.
//
// The Verifier never writes audit entries or grants sessions. Callers
// (see package gate) do that once per terminal outcome.
package credential
