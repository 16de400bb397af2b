// SPDX-License-Identifier: GPL-3.0-or-later

// Package logsink implements the append-only, per-flow, per-day log
// writer shared read-write across every connection worker.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink writes text records to logs/MM-DD-YYYY/<src>-<sp>-<dst>-<dp>.log,
// creating missing directories on demand. Writes to the same path are
// serialized through a per-path mutex so a single record is never split
// across interleaved writers; writes to distinct paths proceed
// concurrently. The zero value is not usable; construct with [New].
type Sink struct {
	root    string
	timeNow func() time.Time

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// New returns a [*Sink] rooted at root (typically "logs"). timeNow is
// injectable so tests can pin the log directory's date; pass nil in
// production to default to [time.Now].
func New(root string, timeNow func() time.Time) *Sink {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &Sink{
		root:    root,
		timeNow: timeNow,
		paths:   make(map[string]*sync.Mutex),
	}
}

// Write appends text, plus a trailing newline, to the log file for the
// (srcAddr, srcPort, dstAddr, dstPort) routing tuple. A failure to create
// the day directory or open the file is returned to the caller, which
// should treat it as non-fatal to the relay: log a warning and drop the
// record.
func (s *Sink) Write(srcAddr string, srcPort int, dstAddr string, dstPort int, text string) error {
	dayDir := filepath.Join(s.root, s.timeNow().Format("01-02-2006"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory %s: %w", dayDir, err)
	}

	name := fmt.Sprintf("%s-%d-%s-%d.log", srcAddr, srcPort, dstAddr, dstPort)
	path := filepath.Join(dayDir, name)

	pathMu := s.mutexFor(path)
	pathMu.Lock()
	defer pathMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("writing log file %s: %w", path, err)
	}
	return nil
}

// mutexFor returns the mutex guarding writes to path, creating it if
// this is the first write to that path.
func (s *Sink) mutexFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.paths[path]
	if !ok {
		m = &sync.Mutex{}
		s.paths[path] = m
	}
	return m
}
