// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package target owns the lifecycle of the fuzzed process: starting it,
// watching its health, and tearing it and any children it spawned down
// cleanly on restart or shutdown.
package target

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mozzbozz/epf/pkg/covshm"
	"github.com/mozzbozz/epf/pkg/epferr"
	"github.com/mozzbozz/epf/pkg/log"
)

// sleepingWait is how long Restart waits for the freshly forked target to
// settle into a stable (sleeping/idle) state before giving up.
const sleepingWait = 5 * time.Second

// Config describes how to launch and supervise the target process.
type Config struct {
	// Command is the shell-style command line used to start the target,
	// e.g. "./target --port 2404". It is split the way a shell would
	// split unquoted words; no globbing or redirection is performed.
	Command string

	// WorkDir is the working directory the target is started in. Empty
	// means inherit the controller's own working directory.
	WorkDir string

	// ExtraEnv is appended to the target's environment in addition to the
	// controller's own environment and the shared memory identifier.
	ExtraEnv []string
}

// Controller starts, restarts, and kills a single target process, and
// reports whether it is currently healthy.
type Controller struct {
	cfg Config
	shm *covshm.Map

	mu           sync.Mutex
	cmd          *exec.Cmd
	restarts     int
	crashes      int
	lastExitCode int
	hasExitCode  bool
}

// New creates a Controller bound to the given shared memory coverage map,
// whose identifier is exported to the target via covshm.EnvShmID.
func New(cfg Config, shm *covshm.Map) *Controller {
	return &Controller{cfg: cfg, shm: shm}
}

// Restarts returns the number of times Restart has started a target process
// with planned=false; planned restarts are not counted.
func (c *Controller) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// Crashes returns the number of times Kill has been called with
// ignore=false, i.e. outside of a planned restart.
func (c *Controller) Crashes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashes
}

// Restart terminates any currently running target (if one exists) and forks
// a fresh one, waiting up to sleepingWait for it to reach a stable state.
// planned is forwarded to Kill so that expected, scheduler-driven restarts
// don't inflate the crash counter.
func (c *Controller) Restart(planned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		if err := c.killLocked(planned); err != nil {
			log.Logf(1, "target: kill before restart failed: %v", err)
		}
	}

	cmd, err := c.fork()
	if err != nil {
		return fmt.Errorf("%w: %v", epferr.ErrRestartFailed, err)
	}
	c.cmd = cmd
	if !planned {
		c.restarts++
	}

	deadline := time.Now().Add(sleepingWait)
	for {
		healthy, state := c.healthLocked()
		if healthy && state == "S" {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: target never reached a stable state (last: %s)", epferr.ErrRestartFailed, state)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// Suspend and Resume are no-ops in this controller: the target is not
// ptrace-stopped, only restarted wholesale. They exist so callers written
// against the Session scheduler's pause/resume protocol have something to
// call uniformly.
func (c *Controller) Suspend() error { return nil }
func (c *Controller) Resume() error  { return nil }

// Healthy reports whether the target process is running and not in a
// zombie or otherwise dead state.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	healthy, _ := c.healthLocked()
	return healthy
}

// AssertHealthy returns epferr.ErrTargetConnectionFailed wrapped with the
// observed process state if the target is not currently healthy.
func (c *Controller) AssertHealthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if healthy, state := c.healthLocked(); !healthy {
		return fmt.Errorf("%w: target state %q", epferr.ErrTargetConnectionFailed, state)
	}
	return nil
}

// Kill terminates the target process (and its process group) with SIGTERM
// first, escalating to SIGKILL after a grace period, then waits for it. If
// ignore is false, the crash counter is incremented.
func (c *Controller) Kill(ignore bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killLocked(ignore)
}

func (c *Controller) killLocked(ignore bool) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	pid := c.cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	// Signal the whole process group -- the target and any children it
	// spawned, together -- with SIGTERM, and escalate to SIGKILL if the
	// target has not exited after a one-second grace period. Children are
	// not terminated ahead of the target.
	syscall.Kill(-pgid, syscall.SIGTERM)
	gone := waitGone(pid, time.Second)
	if !gone {
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
	waitErr := c.cmd.Wait()
	if code, ok := exitCodeFromWaitErr(waitErr); ok {
		c.lastExitCode = code
		c.hasExitCode = true
	}

	c.cmd = nil
	if !ignore {
		c.crashes++
	}
	return nil
}

// exitCodeFromWaitErr extracts a process exit code from the error returned
// by exec.Cmd.Wait, if one is available (a nil error means a clean exit 0;
// a signal death or an already-reaped process yields false).
func exitCodeFromWaitErr(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return 0, false
		}
		return code, true
	}
	return 0, false
}

// LastExitCode returns the most recently observed exit code of a killed
// target and whether one has been recorded since the last ResetExitCode.
func (c *Controller) LastExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExitCode, c.hasExitCode
}

// ResetExitCode clears the recorded exit code, e.g. after it has been
// attributed to a bug, so a later crash is never misreported under a stale
// status.
func (c *Controller) ResetExitCode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastExitCode = 0
	c.hasExitCode = false
}

func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// healthLocked reports the target's liveness by reading /proc/<pid>/stat.
// Must be called with c.mu held.
func (c *Controller) healthLocked() (healthy bool, state string) {
	if c.cmd == nil || c.cmd.Process == nil {
		return false, "not started"
	}
	state, err := procState(c.cmd.Process.Pid)
	if err != nil {
		return false, "gone"
	}
	switch state {
	case "Z", "X":
		return false, state
	default:
		return true, state
	}
}

// procState parses the process state field out of /proc/<pid>/stat. The
// comm field is parenthesized and may itself contain spaces or closing
// parens, so we split on the last ')' rather than naively splitting on
// whitespace.
func procState(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return "", errors.New("malformed /proc/pid/stat")
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 1 {
		return "", errors.New("malformed /proc/pid/stat")
	}
	return fields[0], nil
}

// fork starts a new target process in its own session/process group, with
// the shared memory identifier exported via covshm.EnvShmID, and stdio
// pointed at /dev/null.
func (c *Controller) fork() (*exec.Cmd, error) {
	args, err := splitArgv(c.cfg.Command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("empty target command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(append(os.Environ(), c.cfg.ExtraEnv...), c.shm.Env())
	cmd.Stdout = nil
	cmd.Stderr = nil
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin = devnull
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting target: %w", err)
	}
	return cmd, nil
}

// splitArgv performs shell-style word splitting: fields are separated by
// runs of whitespace, and single or double quoted spans are kept intact
// with their quotes stripped. It does not perform globbing, variable
// expansion, or redirection, and backslash escapes are not interpreted: a
// backslash is kept as an ordinary character.
func splitArgv(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inWord := false
	var quote rune

	flush := func() {
		if inWord {
			args = append(args, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			inWord = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command: %q", s)
	}
	flush()
	return args, nil
}

// pidString is a small helper kept for log messages that want the pid of
// the currently running target, or "-" if none is running.
func (c *Controller) pidString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return "-"
	}
	return strconv.Itoa(c.cmd.Process.Pid)
}
