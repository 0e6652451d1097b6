// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package envelope seals an arbitrary JSON snapshot under a passphrase.
//
// The key is PBKDF2-HMAC-SHA-256 over the passphrase with a fresh 16-byte
// salt; the cipher is AES-256-GCM with a fresh 12-byte IV. The wire form is
//
//	{"v":1,"alg":"AES-GCM","salt":"<b64>","iv":"<b64>","cipher":"<b64>"}
//
// Open fails closed: any malformed field or tag mismatch returns
// ErrCryptoFailure and no plaintext.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Version is the only bundle version understood.
	Version = 1

	// Algorithm is the only algorithm id understood.
	Algorithm = "AES-GCM"

	// Iterations is the PBKDF2 iteration count.
	Iterations = 600000

	// KeySize is the derived key length (AES-256).
	KeySize = 32

	// SaltSize is the per-bundle salt length.
	SaltSize = 16

	// NonceSize is the AES-GCM IV length.
	NonceSize = 12
)

// ErrCryptoFailure is returned for every failure to open a bundle.
var ErrCryptoFailure = errors.New("envelope: decryption failed")

// Bundle is the sealed wire form.
type Bundle struct {
	V      int    `json:"v"`
	Alg    string `json:"alg"`
	Salt   string `json:"salt"`
	IV     string `json:"iv"`
	Cipher string `json:"cipher"`
}

// Marshal returns the bundle's JSON encoding.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// ParseBundle decodes a bundle. Malformed input yields ErrCryptoFailure.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: malformed bundle", ErrCryptoFailure)
	}
	return &b, nil
}

// DeriveKey derives a KeySize key from passphrase and salt. Seal and Open
// use the same derivation. Any passphrase, including the empty one, is
// accepted.
func DeriveKey(passphrase string, salt []byte) []byte {
	return defaultSealer.deriveKey(passphrase, salt)
}

// sealer carries the KDF cost and randomness source.
type sealer struct {
	iterations int
	rand       io.Reader
}

var defaultSealer = sealer{iterations: Iterations, rand: rand.Reader}

// Seal serializes payload to JSON and encrypts it. Every call uses a fresh
// salt and IV.
func Seal(ctx context.Context, payload any, passphrase string) (*Bundle, error) {
	return defaultSealer.seal(ctx, payload, passphrase)
}

// Open decrypts b and returns the JSON payload.
func Open(ctx context.Context, b *Bundle, passphrase string) (json.RawMessage, error) {
	return defaultSealer.open(ctx, b, passphrase)
}

func (s sealer) deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, s.iterations, KeySize, sha256.New)
}

func (s sealer) seal(ctx context.Context, payload any, passphrase string) (*Bundle, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode payload: %w", err)
	}
	defer zero(plaintext)

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return nil, fmt.Errorf("envelope: generate salt: %w", err)
	}
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, fmt.Errorf("envelope: generate iv: %w", err)
	}

	gcm, err := s.aead(ctx, passphrase, salt)
	if err != nil {
		return nil, err
	}

	enc := base64.StdEncoding
	return &Bundle{
		V:      Version,
		Alg:    Algorithm,
		Salt:   enc.EncodeToString(salt),
		IV:     enc.EncodeToString(iv),
		Cipher: enc.EncodeToString(gcm.Seal(nil, iv, plaintext, nil)),
	}, nil
}

func (s sealer) open(ctx context.Context, b *Bundle, passphrase string) (json.RawMessage, error) {
	if b == nil || b.V != Version || b.Alg != Algorithm {
		return nil, fmt.Errorf("%w: unsupported bundle", ErrCryptoFailure)
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(b.Salt)
	if err != nil || len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrCryptoFailure)
	}
	iv, err := enc.DecodeString(b.IV)
	if err != nil || len(iv) != NonceSize {
		return nil, fmt.Errorf("%w: bad iv", ErrCryptoFailure)
	}
	ct, err := enc.DecodeString(b.Cipher)
	if err != nil || len(ct) < 16 {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrCryptoFailure)
	}

	gcm, err := s.aead(ctx, passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	if !json.Valid(plaintext) {
		zero(plaintext)
		return nil, fmt.Errorf("%w: payload is not JSON", ErrCryptoFailure)
	}
	return json.RawMessage(plaintext), nil
}

// aead derives the key and builds the cipher. The derived key is zeroed
// before returning; the cipher keeps its own expanded schedule.
func (s sealer) aead(ctx context.Context, passphrase string, salt []byte) (cipher.AEAD, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := s.deriveKey(passphrase, salt)
	defer zero(key)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
