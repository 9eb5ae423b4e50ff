// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ProcInfo holds metadata about a connected (injected) process.
type ProcInfo struct {
	PID         uint32
	ConnectTime time.Time
}

// Tracker keeps the set of processes whose injected hook module has
// connected and not yet disconnected.
//
// Every disconnect counts as a release, whether or not the pid was known,
// and wakes goroutines blocked in WaitDrained so they can re-check the set.
type Tracker struct {
	mu       sync.Mutex
	procs    map[uint32]*ProcInfo
	releases uint64
	changed  chan struct{} // closed and replaced on every release
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		procs:   make(map[uint32]*ProcInfo),
		changed: make(chan struct{}),
	}
}

// Connect records pid as connected. It returns false if pid was already
// connected, in which case the set is unchanged.
func (t *Tracker) Connect(pid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.procs[pid]; ok {
		return false
	}
	t.procs[pid] = &ProcInfo{PID: pid, ConnectTime: time.Now()}
	return true
}

// Disconnect removes pid and releases one drain waiter wake-up. It returns
// false if pid was not connected.
func (t *Tracker) Disconnect(pid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, known := t.procs[pid]
	delete(t.procs, pid)

	t.releases++
	close(t.changed)
	t.changed = make(chan struct{})

	return known
}

// IsConnected reports whether pid is currently connected.
func (t *Tracker) IsConnected(pid uint32) bool {
	t.mu.Lock()
	_, ok := t.procs[pid]
	t.mu.Unlock()
	return ok
}

// Lookup returns a copy of the connection info for pid, or nil.
func (t *Tracker) Lookup(pid uint32) *ProcInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.procs[pid]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}

// Count returns the number of connected processes.
func (t *Tracker) Count() int {
	t.mu.Lock()
	n := len(t.procs)
	t.mu.Unlock()
	return n
}

// PIDs returns the connected pids in ascending order.
func (t *Tracker) PIDs() []uint32 {
	t.mu.Lock()
	pids := make([]uint32, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Releases returns how many disconnects have been observed.
func (t *Tracker) Releases() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// WaitDrained blocks until no process is connected or ctx is done.
func (t *Tracker) WaitDrained(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.procs) == 0 {
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
