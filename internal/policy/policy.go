// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// THREAT LEVEL
// =============================================================================

// ThreatLevel is the caller-supplied threat posture.
type ThreatLevel string

const (
	ThreatNormal   ThreatLevel = "normal"
	ThreatElevated ThreatLevel = "elevated"
	ThreatLockdown ThreatLevel = "lockdown"
)

// ParseThreatLevel parses a threat level name. Empty means normal.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	switch ThreatLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", ThreatNormal:
		return ThreatNormal, nil
	case ThreatElevated:
		return ThreatElevated, nil
	case ThreatLockdown:
		return ThreatLockdown, nil
	default:
		return "", fmt.Errorf("unknown threat level %q (want normal, elevated or lockdown)", s)
	}
}

// =============================================================================
// TIME OF DAY
// =============================================================================

// TimeOfDay is a wall-clock time at minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// Minutes returns minutes since midnight.
func (d TimeOfDay) Minutes() int {
	return d.Hour*60 + d.Minute
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// ParseWindow parses "HH:MM-HH:MM". An empty string yields no window.
func ParseWindow(s string) (start, end *TimeOfDay, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return nil, nil, fmt.Errorf("invalid window %q (want HH:MM-HH:MM)", s)
	}
	a, err := ParseTimeOfDay(from)
	if err != nil {
		return nil, nil, err
	}
	b, err := ParseTimeOfDay(to)
	if err != nil {
		return nil, nil, err
	}
	return &a, &b, nil
}

// =============================================================================
// POLICY AND DECISION
// =============================================================================

// Policy is the ambient context for one attempt. It is never persisted.
type Policy struct {
	ThreatLevel        ThreatLevel
	LocationTag        string
	AllowedLocationTag string
	WindowStart        *TimeOfDay
	WindowEnd          *TimeOfDay
}

// Denial reasons.
const (
	ReasonLockdown      = "lockdown"
	ReasonGeoFence      = "geo-fence"
	ReasonOutsideWindow = "outside access window"
	ReasonRateLimited   = "rate-limited"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  string

	// Session is set when an unexpired session allowed the attempt.
	Session bool
}

// Allow is the allowing decision.
var Allow = Decision{Allowed: true}

// Deny returns a denying decision with reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Err returns nil when allowed and a *Violation otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &Violation{Reason: d.Reason}
}

// Violation is returned when a policy gate blocks an attempt. No credential
// check happens after a violation.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string {
	return "policy violation: " + v.Reason
}

// IsViolation reports whether err is a *Violation and returns it.
func IsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Evaluate applies the gates in order. It has no side effects.
func Evaluate(now time.Time, p Policy, token *SessionToken) Decision {
	if token.Valid(now) {
		return Decision{Allowed: true, Session: true}
	}

	if p.ThreatLevel == ThreatLockdown {
		return Deny(ReasonLockdown)
	}

	if p.LocationTag != "" && p.AllowedLocationTag != "" && p.LocationTag != p.AllowedLocationTag {
		return Deny(ReasonGeoFence)
	}

	if p.WindowStart != nil && p.WindowEnd != nil && !inWindow(ClockOf(now), *p.WindowStart, *p.WindowEnd) {
		return Deny(ReasonOutsideWindow)
	}

	return Allow
}

// inWindow reports whether t falls inside [start, end]. Equal bounds are no
// restriction; end before start wraps past midnight.
func inWindow(t, start, end TimeOfDay) bool {
	tm, s, e := t.Minutes(), start.Minutes(), end.Minutes()
	switch {
	case s == e:
		return true
	case e > s:
		return s <= tm && tm <= e
	default:
		return tm >= s || tm <= e
	}
}
