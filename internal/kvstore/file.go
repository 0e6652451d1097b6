// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/profilegate/internal/util"
)

// slotExt is the suffix of every slot file in a File store.
const slotExt = ".rec"

// =============================================================================
// FILE STORE
// =============================================================================

// File stores each slot as its own file under Dir. Writes go through
// util.AtomicWriteFile so a slot is always either the old or the new record.
type File struct {
	// Dir is the directory holding slot files.
	Dir string

	mu     sync.RWMutex
	closed bool
}

// NewFile creates a file-backed store rooted at dir, creating it with 0700.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("kvstore: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("kvstore: create %s: %w", dir, err)
	}
	return &File{Dir: dir}, nil
}

// Get implements Store.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.slotPath(key)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: read %s: %w", key, err)
	}
	return data, nil
}

// Put implements Store.
// SECURITY: Slot files hold credential digests and key material, so they are
// written owner read/write only.
func (f *File) Put(_ context.Context, key string, value []byte) error {
	path, err := f.slotPath(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if err := util.AtomicWriteFile(path, value, 0600); err != nil {
		return fmt.Errorf("kvstore: write %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (f *File) Delete(_ context.Context, key string) error {
	path, err := f.slotPath(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// slotPath maps a key to a file name. Keys may contain '/', which is escaped
// so every slot stays a direct child of Dir.
func (f *File) slotPath(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	name := url.PathEscape(key)
	if name == "." || name == ".." {
		return "", ErrInvalidKey
	}
	return filepath.Join(f.Dir, name+slotExt), nil
}

// =============================================================================
// CHANGE NOTIFICATION
// =============================================================================

// Watch implements Watcher using fsnotify on Dir. Atomic writes surface as
// create/rename events on the slot name; deletes as remove events.
func (f *File) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	path, err := f.slotPath(key)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kvstore: create watcher: %w", err)
	}
	if err := watcher.Add(f.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("kvstore: watch %s: %w", f.Dir, err)
	}

	out := make(chan struct{}, 1)
	target := filepath.Base(path)

	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Overflow and similar errors are not fatal; the caller's
				// poll interval still covers missed events.
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	return out, nil
}
