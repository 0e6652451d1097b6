// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Method identifies the mechanism and phase of an attempt.
type Method string

const (
	MethodEnrollPasscode Method = "enroll-passcode"
	MethodVerifyPasscode Method = "verify-passcode"
	MethodEnrollStrong   Method = "enroll-strong"
	MethodVerifyStrong   Method = "verify-strong"
)

// Methods lists every method in display order.
var Methods = []Method{
	MethodEnrollPasscode,
	MethodVerifyPasscode,
	MethodEnrollStrong,
	MethodVerifyStrong,
}

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown audit method %q", s)
}

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is one attempt. Entries are never modified once appended.
type Entry struct {
	Timestamp time.Time
	ProfileID string
	Method    Method
	Success   bool

	// Reason is set only for entries recording a policy denial.
	Reason string
}

type entryJSON struct {
	ProfileID string `json:"profileId"`
	Method    Method `json:"method"`
	Success   bool   `json:"success"`
	Timestamp string `json:"ts"`
	Reason    string `json:"reason,omitempty"`
}

// MarshalJSON writes the persisted shape with an ISO-8601 UTC "ts".
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		ProfileID: e.ProfileID,
		Method:    e.Method,
		Success:   e.Success,
		Timestamp: e.Timestamp.UTC().Format(timestampLayout),
		Reason:    e.Reason,
	})
}

// UnmarshalJSON accepts any RFC 3339 "ts".
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("audit entry timestamp: %w", err)
	}
	*e = Entry{
		Timestamp: ts,
		ProfileID: raw.ProfileID,
		Method:    raw.Method,
		Success:   raw.Success,
		Reason:    raw.Reason,
	}
	return nil
}
