// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Passcode hashing schemes.
const (
	SchemeSHA256   = "sha256"
	SchemeArgon2id = "argon2id"
)

// ArgonParams controls the argon2id scheme.
type ArgonParams struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

// DefaultArgon is used when no parameters are configured.
var DefaultArgon = ArgonParams{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

const argonPrefix = "$argon2id$"

// HashPasscode returns hex(SHA-256(secret)). The digest is deterministic,
// unsalted and unkeyed.
func HashPasscode(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashArgon2id returns a self-describing argon2id hash of secret with a
// fresh random salt:
//
//	$argon2id$v=19$m=<KiB>,t=<time>,p=<threads>$<b64 salt>$<b64 key>
func HashArgon2id(p ArgonParams, secret string) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argonPrefix, argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Scheme reports which scheme produced a stored hash, or "" if unknown.
func Scheme(stored string) string {
	switch {
	case strings.HasPrefix(stored, argonPrefix):
		return SchemeArgon2id
	case len(stored) == sha256.Size*2 && isHex(stored):
		return SchemeSHA256
	default:
		return ""
	}
}

// MatchPasscode compares secret against a stored hash of either scheme in
// constant time.
func MatchPasscode(secret, stored string) (bool, error) {
	switch Scheme(stored) {
	case SchemeSHA256:
		got := HashPasscode(secret)
		return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(stored))) == 1, nil
	case SchemeArgon2id:
		return matchArgon2id(secret, stored)
	default:
		return false, ErrInvalidHash
	}
}

func matchArgon2id(secret, stored string) (bool, error) {
	parts := strings.Split(strings.TrimPrefix(stored, argonPrefix), "$")
	if len(parts) != 4 {
		return false, ErrInvalidHash
	}

	var v int
	if _, err := fmt.Sscanf(parts[0], "v=%d", &v); err != nil {
		return false, ErrInvalidHash
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false, ErrInvalidHash
	}
	if v != argon2.Version || t == 0 || p == 0 {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrInvalidHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return false, ErrInvalidHash
	}

	got := argon2.IDKey([]byte(secret), salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
