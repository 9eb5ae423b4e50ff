// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Candidate is a running process considered for injection.
type Candidate struct {
	PID  uint32
	Name string // process name as reported by the OS
	Exe  string // full executable path, empty if not readable
}

// ListFunc enumerates running processes.
type ListFunc func(ctx context.Context) ([]Candidate, error)

// Finder locates running processes by executable name.
type Finder struct {
	logger *zap.Logger
	list   ListFunc
}

// NewFinder creates a finder backed by the OS process table.
func NewFinder(logger *zap.Logger) *Finder {
	return &Finder{logger: logger, list: listProcesses}
}

// NewFinderWithList creates a finder over a custom process listing.
func NewFinderWithList(list ListFunc, logger *zap.Logger) *Finder {
	return &Finder{logger: logger, list: list}
}

// Find returns the processes whose executable name equals one of names,
// ignoring case. Results are sorted by pid.
func (f *Finder) Find(ctx context.Context, names ...string) ([]Candidate, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			wanted[strings.ToLower(n)] = true
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	procs, err := f.list(ctx)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, c := range procs {
		if matches(c, wanted) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })

	f.logger.Debug("process scan",
		zap.Strings("names", names),
		zap.Int("scanned", len(procs)),
		zap.Int("matched", len(out)),
	)
	return out, nil
}

// FindByName is Find reduced to pids.
func (f *Finder) FindByName(ctx context.Context, names ...string) ([]uint32, error) {
	found, err := f.Find(ctx, names...)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	pids := make([]uint32, 0, len(found))
	for _, c := range found {
		pids = append(pids, c.PID)
	}
	return pids, nil
}

// matches checks the OS process name first. Linux truncates it to 15
// bytes, so the base name of the executable path is tried as well.
func matches(c Candidate, wanted map[string]bool) bool {
	if c.Name != "" && wanted[strings.ToLower(c.Name)] {
		return true
	}
	if c.Exe != "" && wanted[strings.ToLower(baseName(c.Exe))] {
		return true
	}
	return false
}

// baseName strips both separators so Windows paths reported to a
// non-Windows build still reduce to the file name.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return filepath.Base(path)
}

// Alive reports whether pid still exists.
func (f *Finder) Alive(pid uint32) bool {
	return processExists(pid)
}

func listProcesses(ctx context.Context) ([]Candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(procs))
	for _, p := range procs {
		// Processes can exit mid-scan; unreadable fields are left empty.
		name, _ := p.NameWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)
		if name == "" && exe == "" {
			continue
		}
		out = append(out, Candidate{PID: uint32(p.Pid), Name: name, Exe: exe})
	}
	return out, nil
}

func processExists(pid uint32) bool {
	if runtime.GOOS == "linux" {
		_, err := os.Stat("/proc/" + strconv.Itoa(int(pid)))
		return err == nil
	}
	// Cross-platform fallback
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
