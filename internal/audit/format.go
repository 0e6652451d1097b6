// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/profilegate/internal/util"
)

const (
	colTime    = 20
	colProfile = 14
	colMethod  = 16
	colResult  = 8
)

// WriteTable writes entries as an aligned table in the order given.
func WriteTable(w io.Writer, entries []Entry, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	header := util.PadRight("TIME", colTime) + " " +
		util.PadRight("PROFILE", colProfile) + " " +
		util.PadRight("METHOD", colMethod) + " " +
		util.PadRight("RESULT", colResult) + " REASON"
	if _, err := fmt.Fprintln(w, strings.TrimRight(header, " ")); err != nil {
		return err
	}

	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = "FAILED"
		}
		line := util.PadRight(e.Timestamp.In(loc).Format("2006-01-02 15:04:05"), colTime) + " " +
			util.PadRight(e.ProfileID, colProfile) + " " +
			util.PadRight(string(e.Method), colMethod) + " " +
			util.PadRight(result, colResult) + " " + e.Reason
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary writes one line per method in Methods order, skipping
// methods with no attempts.
func WriteSummary(w io.Writer, s Summary) error {
	header := util.PadRight("METHOD", colMethod) + " " +
		util.PadRight("TOTAL", 6) + " " +
		util.PadRight("OK", 6) + " FAILED"
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	for _, m := range Methods {
		c, ok := s[m]
		if !ok {
			continue
		}
		_, err := fmt.Fprintf(w, "%s %s %s %d\n",
			util.PadRight(string(m), colMethod),
			util.PadRight(fmt.Sprint(c.Total), 6),
			util.PadRight(fmt.Sprint(c.Success), 6),
			c.Failure)
		if err != nil {
			return err
		}
	}
	return nil
}
