// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/profilegate/internal/kvstore"
)

// Slot is the kv slot holding the audit record.
const Slot = "audit"

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository loads and saves the whole audit record.
type Repository interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
}

// KVRepository stores the record as a JSON array in Slot.
type KVRepository struct {
	store kvstore.Store
}

// NewKVRepository creates a Repository over store.
func NewKVRepository(store kvstore.Store) *KVRepository {
	return &KVRepository{store: store}
}

func (r *KVRepository) Load(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if _, err := kvstore.GetJSON(ctx, r.store, Slot, &entries); err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	return entries, nil
}

func (r *KVRepository) Save(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	if err := kvstore.PutJSON(ctx, r.store, Slot, entries); err != nil {
		return fmt.Errorf("save audit log: %w", err)
	}
	return nil
}

// =============================================================================
// LOG
// =============================================================================

// Log appends and reads audit entries.
type Log struct {
	repo Repository
	now  func() time.Time
	mu   sync.Mutex
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock sets the clock used to stamp entries without a timestamp.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog creates a Log over repo.
func NewLog(repo Repository, opts ...LogOption) *Log {
	l := &Log{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds e to the end of the log. A zero timestamp is stamped with
// the current time.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ProfileID == "" {
		return fmt.Errorf("audit entry has no profile id")
	}
	if _, err := ParseMethod(string(e.Method)); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.repo.Load(ctx)
	if err != nil {
		return err
	}
	next := make([]Entry, len(entries), len(entries)+1)
	copy(next, entries)
	next = append(next, e)
	return l.repo.Save(ctx, next)
}

// Entries returns the log in insertion order.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.Load(ctx)
}

// ListDescending returns the log newest first.
func (l *Log) ListDescending(ctx context.Context) ([]Entry, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return SortDescending(entries), nil
}

// Summary aggregates the whole log.
func (l *Log) Summary(ctx context.Context) (Summary, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return Summarize(entries), nil
}

// SortDescending returns a copy of entries ordered by timestamp, newest
// first. Entries with equal timestamps keep reverse insertion order.
func SortDescending(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// =============================================================================
// SUMMARY
// =============================================================================

// Counts tallies attempts for one method.
type Counts struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Summary maps each method seen to its counts.
type Summary map[Method]Counts

// Summarize aggregates entries by method. It does not modify entries.
func Summarize(entries []Entry) Summary {
	out := make(Summary)
	for _, e := range entries {
		c := out[e.Method]
		c.Total++
		if e.Success {
			c.Success++
		} else {
			c.Failure++
		}
		out[e.Method] = c
	}
	return out
}
