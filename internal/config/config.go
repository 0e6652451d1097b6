// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/profilegate/internal/credential"
	"github.com/jeranaias/profilegate/internal/kvstore"
	"github.com/jeranaias/profilegate/internal/logging"
	"github.com/jeranaias/profilegate/internal/policy"
	"github.com/jeranaias/profilegate/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete profilegate configuration.
type Config struct {
	Store    StoreConfig    `toml:"store" json:"store" yaml:"store"`
	Session  SessionConfig  `toml:"session" json:"session" yaml:"session"`
	Passcode PasscodeConfig `toml:"passcode" json:"passcode" yaml:"passcode"`
	Strong   StrongConfig   `toml:"strong" json:"strong" yaml:"strong"`
	Audit    AuditConfig    `toml:"audit" json:"audit" yaml:"audit"`
	Policy   PolicyConfig   `toml:"policy" json:"policy" yaml:"policy"`
	Limits   LimitsConfig   `toml:"limits" json:"limits" yaml:"limits"`
	Log      LogConfig      `toml:"log" json:"log" yaml:"log"`
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is a directory for "file" and a database file for "sqlite".
	// Empty means a location under the config directory.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// SessionConfig controls the session grant.
type SessionConfig struct {
	Lifetime     Duration `toml:"lifetime" json:"lifetime" yaml:"lifetime"`
	PollInterval Duration `toml:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
}

// PasscodeConfig controls passcode enrollment.
type PasscodeConfig struct {
	// Scheme is "sha256" (compatible, unsalted) or "argon2id".
	Scheme    string `toml:"scheme" json:"scheme" yaml:"scheme"`
	MinLength int    `toml:"min_length" json:"min_length" yaml:"min_length"`

	ArgonMemoryKiB uint32 `toml:"argon_memory_kib" json:"argon_memory_kib" yaml:"argon_memory_kib"`
	ArgonTime      uint32 `toml:"argon_time" json:"argon_time" yaml:"argon_time"`
	ArgonThreads   uint8  `toml:"argon_threads" json:"argon_threads" yaml:"argon_threads"`
}

// StrongConfig controls the platform authenticator.
type StrongConfig struct {
	// Authenticator is "software" or "none".
	Authenticator string `toml:"authenticator" json:"authenticator" yaml:"authenticator"`
	Origin        string `toml:"origin" json:"origin" yaml:"origin"`
	RPName        string `toml:"rp_name" json:"rp_name" yaml:"rp_name"`
}

// AuditConfig controls what reaches the audit log.
type AuditConfig struct {
	LogPolicyDenials bool `toml:"log_policy_denials" json:"log_policy_denials" yaml:"log_policy_denials"`
}

// PolicyConfig holds engine behavior and the default policy context the CLI
// applies when no flag overrides it.
type PolicyConfig struct {
	RevokeOnLockdown   bool   `toml:"revoke_on_lockdown" json:"revoke_on_lockdown" yaml:"revoke_on_lockdown"`
	ThreatLevel        string `toml:"threat_level" json:"threat_level" yaml:"threat_level"`
	LocationTag        string `toml:"location_tag" json:"location_tag" yaml:"location_tag"`
	AllowedLocationTag string `toml:"allowed_location_tag" json:"allowed_location_tag" yaml:"allowed_location_tag"`
	WindowStart        string `toml:"window_start" json:"window_start" yaml:"window_start"`
	WindowEnd          string `toml:"window_end" json:"window_end" yaml:"window_end"`
}

// LimitsConfig controls the per-profile attempt limiter.
type LimitsConfig struct {
	// AttemptsPerMinute of zero disables the limiter.
	AttemptsPerMinute int `toml:"attempts_per_minute" json:"attempts_per_minute" yaml:"attempts_per_minute"`
	Burst             int `toml:"burst" json:"burst" yaml:"burst"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// Duration is a time.Duration written as "30m" in every format.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: kvstore.BackendFile,
		},
		Session: SessionConfig{
			Lifetime:     Duration{policy.DefaultSessionLifetime},
			PollInterval: Duration{time.Second},
		},
		Passcode: PasscodeConfig{
			Scheme:         credential.SchemeSHA256,
			MinLength:      credential.MinPasscodeLength,
			ArgonMemoryKiB: credential.DefaultArgon.Memory,
			ArgonTime:      credential.DefaultArgon.Time,
			ArgonThreads:   credential.DefaultArgon.Parallelism,
		},
		Strong: StrongConfig{
			Authenticator: "software",
			Origin:        "profilegate.local",
			RPName:        "profilegate",
		},
		Policy: PolicyConfig{
			ThreatLevel: string(policy.ThreatNormal),
		},
		Limits: LimitsConfig{
			AttemptsPerMinute: 10,
			Burst:             5,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: logging.FormatText,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the profilegate directory, ~/.profilegate unless
// PROFILEGATE_HOME is set.
func ConfigDir() (string, error) {
	if dir := os.Getenv("PROFILEGATE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".profilegate"), nil
}

// ConfigPath returns the path of the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir creates the config directory with owner-only access.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// candidatePaths lists config files in lookup order.
func candidatePaths() ([]string, error) {
	if p := os.Getenv("PROFILEGATE_CONFIG"); p != "" {
		return []string{p}, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.toml"),
		filepath.Join(dir, "config.json"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
	}, nil
}

// StorePath returns the configured store path, defaulting to a location
// under ConfigDir for the selected backend.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if c.Store.Backend == kvstore.BackendSQLite {
		return filepath.Join(dir, "profilegate.db"), nil
	}
	return filepath.Join(dir, "data"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the first config file found, falls back to defaults, applies
// environment overrides and validates. The path used is returned, or ""
// when only defaults applied.
func Load() (*Config, string, error) {
	paths, err := candidatePaths()
	if err != nil {
		return nil, "", err
	}
	for _, p := range paths {
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		cfg, err := LoadFromPath(p)
		if err != nil {
			return nil, p, err
		}
		return cfg, p, nil
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, "", nil
}

// LoadFromPath loads a config file, choosing the decoder by extension
// (.json, .yaml/.yml, anything else TOML).
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := decode(cfg, path, data); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	fillDefaults(cfg)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(cfg *Config, path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %v\n", path, undecoded)
		}
		return nil
	}
}

// fillDefaults restores defaults for values a file set to empty.
func fillDefaults(cfg *Config) {
	d := Default()

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = d.Store.Backend
	}

	if cfg.Session.Lifetime.Duration == 0 {
		cfg.Session.Lifetime = d.Session.Lifetime
	}
	if cfg.Session.PollInterval.Duration == 0 {
		cfg.Session.PollInterval = d.Session.PollInterval
	}

	if cfg.Passcode.Scheme == "" {
		cfg.Passcode.Scheme = d.Passcode.Scheme
	}
	if cfg.Passcode.MinLength == 0 {
		cfg.Passcode.MinLength = d.Passcode.MinLength
	}
	if cfg.Passcode.ArgonMemoryKiB == 0 {
		cfg.Passcode.ArgonMemoryKiB = d.Passcode.ArgonMemoryKiB
	}
	if cfg.Passcode.ArgonTime == 0 {
		cfg.Passcode.ArgonTime = d.Passcode.ArgonTime
	}
	if cfg.Passcode.ArgonThreads == 0 {
		cfg.Passcode.ArgonThreads = d.Passcode.ArgonThreads
	}

	if cfg.Strong.Authenticator == "" {
		cfg.Strong.Authenticator = d.Strong.Authenticator
	}
	if cfg.Strong.Origin == "" {
		cfg.Strong.Origin = d.Strong.Origin
	}
	if cfg.Strong.RPName == "" {
		cfg.Strong.RPName = d.Strong.RPName
	}

	if cfg.Policy.ThreatLevel == "" {
		cfg.Policy.ThreatLevel = d.Policy.ThreatLevel
	}

	if cfg.Limits.Burst == 0 {
		cfg.Limits.Burst = d.Limits.Burst
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default TOML path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes cfg to path in the format implied by its extension, with
// owner-only permissions.
func SaveTo(cfg *Config, path string) error {
	data, err := cfg.Encode(filepath.Ext(path))
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML, or as JSON/YAML for ".json"/".yaml"/".yml".
func (c *Config) Encode(ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json", "json":
		return json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml", "yaml":
		return yaml.Marshal(c)
	default:
		var buf bytes.Buffer
		buf.WriteString("# profilegate configuration file\n\n")
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors if any fail.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch c.Store.Backend {
	case kvstore.BackendFile, kvstore.BackendSQLite, kvstore.BackendMemory:
	default:
		add("store.backend", fmt.Sprintf("must be file, sqlite or memory, got %q", c.Store.Backend))
	}

	if l := c.Session.Lifetime.Duration; l < policy.MinSessionLifetime || l > policy.MaxSessionLifetime {
		add("session.lifetime", fmt.Sprintf("must be between %s and %s, got %s",
			policy.MinSessionLifetime, policy.MaxSessionLifetime, l))
	}
	if p := c.Session.PollInterval.Duration; p < 100*time.Millisecond || p > time.Minute {
		add("session.poll_interval", fmt.Sprintf("must be between 100ms and 1m, got %s", p))
	}

	switch c.Passcode.Scheme {
	case credential.SchemeSHA256, credential.SchemeArgon2id:
	default:
		add("passcode.scheme", fmt.Sprintf("must be sha256 or argon2id, got %q", c.Passcode.Scheme))
	}
	if c.Passcode.MinLength < credential.MinPasscodeLength {
		add("passcode.min_length", fmt.Sprintf("cannot be lowered below %d", credential.MinPasscodeLength))
	}
	if c.Passcode.ArgonThreads == 0 || c.Passcode.ArgonTime == 0 || c.Passcode.ArgonMemoryKiB < 8*uint32(c.Passcode.ArgonThreads) {
		add("passcode.argon", "argon2id parameters are out of range")
	}

	switch c.Strong.Authenticator {
	case "software", "none":
	default:
		add("strong.authenticator", fmt.Sprintf("must be software or none, got %q", c.Strong.Authenticator))
	}
	if strings.TrimSpace(c.Strong.Origin) == "" {
		add("strong.origin", "must not be empty")
	}

	if _, err := policy.ParseThreatLevel(c.Policy.ThreatLevel); err != nil {
		add("policy.threat_level", err.Error())
	}
	for field, v := range map[string]string{
		"policy.window_start": c.Policy.WindowStart,
		"policy.window_end":   c.Policy.WindowEnd,
	} {
		if v == "" {
			continue
		}
		if _, err := policy.ParseTimeOfDay(v); err != nil {
			add(field, err.Error())
		}
	}
	if (c.Policy.WindowStart == "") != (c.Policy.WindowEnd == "") {
		add("policy.window", "window_start and window_end must be set together")
	}

	if c.Limits.AttemptsPerMinute < 0 {
		add("limits.attempts_per_minute", "must not be negative")
	}
	if c.Limits.Burst < 1 {
		add("limits.burst", "must be at least 1")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", err.Error())
	}
	switch c.Log.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		add("log.format", fmt.Sprintf("must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies PROFILEGATE_* environment variables:
//   - PROFILEGATE_STORE_BACKEND, PROFILEGATE_STORE_PATH
//   - PROFILEGATE_SESSION_LIFETIME
//   - PROFILEGATE_PASSCODE_SCHEME
//   - PROFILEGATE_STRONG_AUTHENTICATOR
//   - PROFILEGATE_THREAT_LEVEL, PROFILEGATE_LOCATION
//   - PROFILEGATE_LOG_LEVEL, PROFILEGATE_LOG_FORMAT
//   - PROFILEGATE_AUDIT_POLICY_DENIALS
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROFILEGATE_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("PROFILEGATE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("PROFILEGATE_SESSION_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.Lifetime = Duration{d}
		} else {
			fmt.Fprintf(os.Stderr, "Warning: ignoring PROFILEGATE_SESSION_LIFETIME=%q: %v\n", v, err)
		}
	}
	if v := os.Getenv("PROFILEGATE_PASSCODE_SCHEME"); v != "" {
		c.Passcode.Scheme = strings.ToLower(v)
	}
	if v := os.Getenv("PROFILEGATE_STRONG_AUTHENTICATOR"); v != "" {
		c.Strong.Authenticator = strings.ToLower(v)
	}
	if v := os.Getenv("PROFILEGATE_THREAT_LEVEL"); v != "" {
		c.Policy.ThreatLevel = strings.ToLower(v)
	}
	if v := os.Getenv("PROFILEGATE_LOCATION"); v != "" {
		c.Policy.LocationTag = v
	}
	if v := os.Getenv("PROFILEGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PROFILEGATE_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("PROFILEGATE_AUDIT_POLICY_DENIALS"); v != "" {
		c.Audit.LogPolicyDenials = parseBool(v)
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return strings.EqualFold(s, "yes") || strings.EqualFold(s, "on")
	}
	return b
}

// =============================================================================
// GET HELPER (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its TOML key path, e.g. "session.lifetime".
func (c *Config) Get(key string) (any, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if d, ok := field.Interface().(Duration); ok {
				return d.String(), nil
			}
			return field.Interface(), nil
		}
		if field.Kind() != reflect.Struct {
			return nil, fmt.Errorf("key '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return nil, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if strings.EqualFold(t.Field(i).Tag.Get("toml"), name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// String renders the config as TOML.
func (c *Config) String() string {
	data, err := c.Encode(".toml")
	if err != nil {
		return err.Error()
	}
	return string(data)
}
