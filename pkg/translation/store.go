// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package translation holds the source→translated text dictionary used to
// answer embed requests, and the set of texts that had no translation.
package translation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Store maps source text to translated text.
//
// The entry map is loaded once and never written afterward, so Lookup reads
// it without locking. Misses are recorded in a separate set guarded by mu.
type Store struct {
	entries map[string]string

	mu     sync.Mutex
	misses map[string]struct{}
}

// NewStore creates a store from an existing mapping. The map is copied.
func NewStore(entries map[string]string) *Store {
	s := &Store{
		entries: make(map[string]string, len(entries)),
		misses:  make(map[string]struct{}),
	}
	for k, v := range entries {
		s.entries[k] = v
	}
	return s
}

// Load reads a JSON dictionary file. A missing file yields an empty store so
// the first run against a new game can start collecting texts.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewStore(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse dictionary %s: %w", path, err)
	}
	return NewStore(entries), nil
}

// Lookup returns the translation for text. When there is none it returns
// ("", false) and records text in the miss-set.
func (s *Store) Lookup(text string) (string, bool) {
	if trans, ok := s.entries[text]; ok {
		return trans, true
	}
	s.recordMiss(text)
	return "", false
}

func (s *Store) recordMiss(text string) {
	s.mu.Lock()
	s.misses[text] = struct{}{}
	s.mu.Unlock()
}

// Len returns the number of loaded entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// MissCount returns the number of distinct texts that had no translation.
func (s *Store) MissCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.misses)
}

// Misses returns the recorded misses, sorted.
func (s *Store) Misses() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.misses))
	for text := range s.misses {
		out = append(out, text)
	}
	s.mu.Unlock()

	sort.Strings(out)
	return out
}

// Merged returns the loaded entries plus every miss as an empty translation.
// An existing value is never overwritten, empty or not.
func (s *Store) Merged() map[string]string {
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}

	s.mu.Lock()
	for text := range s.misses {
		if _, ok := out[text]; !ok {
			out[text] = ""
		}
	}
	s.mu.Unlock()

	return out
}
