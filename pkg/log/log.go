// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package log

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Logf always appends formatted lines to an in-memory ring of at most
// cacheLimit lines, so a crash handler can dump recent history alongside a
// test case's bug report.
var (
	mu         sync.Mutex
	verbosity  = 0
	cache      [][]byte
	cacheLimit = 4000
)

// SetVerbosity sets the minimum level that gets printed to stderr. Higher
// levels are more verbose; level 0 is always printed.
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	verbosity = v
}

// Logf prints a leveled, timestamped line to stderr and appends it to the
// internal ring buffer used for crash context. Lines above the configured
// verbosity are recorded but not printed.
func Logf(level int, msg string, args ...interface{}) {
	line := formatLine(level, msg, args...)
	mu.Lock()
	cache = append(cache, line)
	if len(cache) > cacheLimit {
		cache = cache[len(cache)-cacheLimit:]
	}
	v := verbosity
	mu.Unlock()
	if level <= v {
		os.Stderr.Write(line)
	}
}

// Fatalf prints the message unconditionally and terminates the process.
// Used for invariant violations that the caller has no sane way to recover
// from (malformed shared memory layout, a config that finalized wrong).
func Fatalf(msg string, args ...interface{}) {
	line := formatLine(0, "FATAL: "+msg, args...)
	os.Stderr.Write(line)
	os.Exit(1)
}

func formatLine(level int, msg string, args ...interface{}) []byte {
	text := fmt.Sprintf(msg, args...)
	stamp := time.Now().Format("2006/01/02 15:04:05")
	return []byte(fmt.Sprintf("%v [%d] %v\n", stamp, level, text))
}

// RecentLog returns a copy of the most recently logged lines, newest last.
func RecentLog() []byte {
	mu.Lock()
	defer mu.Unlock()
	var out []byte
	for _, line := range cache {
		out = append(out, line...)
	}
	return out
}

func init() {
	// Point the stdlib logger at stderr with no prefix flags; epf itself
	// routes everything through Logf so that verbosity and the recent-log
	// ring stay in one place.
	log.SetOutput(os.Stderr)
	log.SetFlags(0)
}
