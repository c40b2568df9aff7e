// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package covshm manages the AFL-style shared memory coverage map that the
// instrumented target writes edge hits into. Unlike pkg/osutil's anonymous
// memfd_create-backed mappings, the segment here is a named file under
// /dev/shm: the target is a separately exec'd, possibly unrelated process
// and needs a nameable identifier to attach to, which it receives through
// the __AFL_SHM_ID environment variable.
package covshm

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

const (
	// EnvShmID is the environment variable the target reads to find the
	// shared memory segment to attach to.
	EnvShmID = "__AFL_SHM_ID"

	// MapSizePow2 is the log2 of the coverage map size, matching AFL's
	// default instrumentation map size.
	MapSizePow2 = 16

	// MapSize is the number of coverage counter bytes in the map.
	MapSize = 1 << MapSizePow2
)

// Map is a coverage shared memory segment. A Map is safe for concurrent use
// by multiple goroutines; snapshot reads are internally serialized since the
// underlying buffer can be torn by a concurrently writing target process.
type Map struct {
	mu      sync.Mutex
	name    string
	f       *os.File
	buf     []byte
	history []byte
}

// Open creates (or recreates) a named POSIX shared memory segment of
// MapSize bytes under /dev/shm and maps it into this process' address
// space. The returned Map's Name() is suitable for exporting via
// EnvShmID to a child process.
func Open(identifier string) (*Map, error) {
	path := shmPath(identifier)

	// Remove a stale segment from a previous, uncleanly terminated run
	// before creating a fresh one. glibc's shm_open/shm_unlink are just
	// open(2)/unlink(2) against the tmpfs mounted at /dev/shm, so we can
	// talk to the same namespace without cgo.
	os.Remove(path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("covshm: open %s: %w", path, err)
	}
	if err := f.Truncate(MapSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("covshm: truncate %s: %w", path, err)
	}
	buf, err := syscall.Mmap(int(f.Fd()), 0, MapSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("covshm: mmap %s: %w", path, err)
	}
	return &Map{
		name:    identifier,
		f:       f,
		buf:     buf,
		history: make([]byte, MapSize),
	}, nil
}

// Name returns the identifier that a target process should be given via
// EnvShmID to attach to this segment.
func (m *Map) Name() string { return m.name }

// Env returns the "__AFL_SHM_ID=<name>" string to append to a child
// process' environment.
func (m *Map) Env() string { return fmt.Sprintf("%s=%s", EnvShmID, m.name) }

// Reset zeroes the live map in place. It does not touch the sticky history
// bitmap, so coverage accumulated across prior test cases is preserved.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buf {
		m.buf[i] = 0
	}
}

// snapshot reads the live map twice and retries until two consecutive reads
// agree, mitigating torn reads from a concurrently writing target.
func (m *Map) snapshot() []byte {
	prev := make([]byte, MapSize)
	cur := make([]byte, MapSize)
	copy(prev, m.buf)
	for {
		copy(cur, m.buf)
		if bytesEqual(prev, cur) {
			return cur
		}
		copy(prev, cur)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DirectedBranchCoverage takes a stable snapshot of the live map, folds any
// newly-hit edges into the sticky history bitmap, and returns the number of
// edges that were hit for the first time ever (i.e. the coverage delta this
// test case contributed). A non-zero return means the scheduler should
// reward (reheat) the originating individual.
func (m *Map) DirectedBranchCoverage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snapshot()
	delta := 0
	for i, v := range cur {
		if v != 0 && m.history[i] == 0 {
			delta++
		}
		if v != 0 {
			m.history[i] = 1
		}
	}
	return delta
}

// Buf exposes the raw live map, e.g. for --dump_shm. Callers must not retain
// the slice beyond the Map's lifetime.
func (m *Map) Buf() []byte { return m.buf }

// Close unmaps and unlinks the shared memory segment. It is safe to call
// Close more than once.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.buf != nil {
		err = syscall.Munmap(m.buf)
		m.buf = nil
	}
	if m.f != nil {
		m.f.Close()
		m.f = nil
	}
	os.Remove(shmPath(m.name))
	return err
}

func shmPath(identifier string) string {
	return "/dev/shm/" + identifier
}
