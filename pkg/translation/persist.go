// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package translation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// lockTimeout bounds how long Persist waits for another vpatch run that
	// is writing the same dictionary.
	lockTimeout       = 10 * time.Second
	lockRetryInterval = 50 * time.Millisecond
)

// ErrLocked is returned when the dictionary lock could not be acquired.
var ErrLocked = errors.New("dictionary is locked by another process")

// Persist writes the merged dictionary to path when at least one miss was
// recorded. It reports whether a file was written.
//
// Output is JSON indented with four spaces and sorted keys, so successive
// runs produce small diffs an operator can review and fill in.
func (s *Store) Persist(path string) (bool, error) {
	if s.MissCount() == 0 {
		return false, nil
	}

	data, err := Encode(s.Merged())
	if err != nil {
		return false, err
	}

	fl := flock.New(lockPath(path))
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil || !locked {
		if err == nil {
			err = ErrLocked
		}
		return false, fmt.Errorf("lock %s: %w", path, err)
	}
	defer fl.Unlock()

	if err := writeFileAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// lockPath names the lock file guarding the dictionary at path. It lives in
// the temp directory, keyed by the absolute path, so the directory the
// operator edits only ever holds the dictionary itself.
func lockPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(os.TempDir(), "vpatch-"+hex.EncodeToString(sum[:8])+".lock")
}

// Encode renders a dictionary in the on-disk format.
func Encode(entries map[string]string) ([]byte, error) {
	if entries == nil {
		entries = map[string]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("encode dictionary: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp dictionary: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write dictionary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close dictionary: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace dictionary: %w", err)
	}
	return nil
}
