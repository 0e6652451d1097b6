// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser splits a command's arguments into flags and positionals.
//   - Long flags: --flag value or --flag=value
//   - Short flags: -f value
//   - Boolean flags: --flag (no value needed)
//
// A flag listed in boolNames never consumes the following argument, so
// "unlock --strong work" keeps "work" positional.
type ArgParser struct {
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// knownBoolFlags never take a value.
var knownBoolFlags = map[string]bool{
	"json":    true,
	"strong":  true,
	"restore": true,
	"force":   true,
	"quiet":   true,
	"q":       true,
	"verbose": true,
	"v":       true,
	"help":    true,
	"h":       true,
}

// NewArgParser parses raw arguments.
//
//	args := NewArgParser([]string{"work", "--threat", "elevated", "--window=09:00-17:00", "--strong"})
//	args.Positional(0)     // "work"
//	args.Flag("threat")    // "elevated"
//	args.BoolFlag("strong") // true
func NewArgParser(raw []string) *ArgParser {
	parser := &ArgParser{
		flags:      make(map[string]string),
		boolFlags:  make(map[string]bool),
		positional: make([]string, 0, len(raw)),
		raw:        raw,
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			parser.positional = append(parser.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			parser.positional = append(parser.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			if knownBoolFlags[k] || v == "true" || v == "false" {
				parser.boolFlags[k] = v == "true"
			} else {
				parser.flags[k] = v
			}
			continue
		}

		if !knownBoolFlags[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			parser.flags[name] = raw[i+1]
			i++
			continue
		}
		parser.boolFlags[name] = true
	}
	return parser
}

// Subcommand returns the first positional argument.
func (p *ArgParser) Subcommand() string {
	return p.Positional(0)
}

// Flag returns the value of a string flag, or "".
func (p *ArgParser) Flag(name string) string {
	return p.flags[strings.TrimLeft(name, "-")]
}

// FlagOrDefault returns the flag value or defaultValue when unset.
func (p *ArgParser) FlagOrDefault(name, defaultValue string) string {
	if val := p.Flag(name); val != "" {
		return val
	}
	return defaultValue
}

// FlagIntOrDefault returns the flag parsed as an int, defaultValue when unset.
func (p *ArgParser) FlagIntOrDefault(name string, defaultValue int) (int, error) {
	val := p.Flag(name)
	if val == "" {
		return defaultValue, nil
	}
	return ParseIntWithValidation(val, name)
}

// BoolFlag reports whether a boolean flag was given.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// HasFlag reports whether name was given in either form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, s := p.flags[name]
	_, b := p.boolFlags[name]
	return s || b
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// Raw returns the arguments as given.
func (p *ArgParser) Raw() []string {
	return p.raw
}

// ParseIntWithValidation parses a non-negative integer flag value.
func ParseIntWithValidation(s string, fieldName string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &UsageError{Message: fmt.Sprintf("invalid --%s %q: must be a number", fieldName, s)}
	}
	if n < 0 {
		return 0, &UsageError{Message: fmt.Sprintf("invalid --%s %d: must not be negative", fieldName, n)}
	}
	return n, nil
}
