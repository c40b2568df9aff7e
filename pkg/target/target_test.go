// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux
// +build linux

package target

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mozzbozz/epf/pkg/covshm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgvBasic(t *testing.T) {
	args, err := splitArgv("./bin --port 2404 --verbose")
	require.NoError(t, err)
	assert.Equal(t, []string{"./bin", "--port", "2404", "--verbose"}, args)
}

func TestSplitArgvQuoted(t *testing.T) {
	args, err := splitArgv(`./bin --name "iec 104 target" --flag`)
	require.NoError(t, err)
	assert.Equal(t, []string{"./bin", "--name", "iec 104 target", "--flag"}, args)
}

func TestSplitArgvUnterminatedQuote(t *testing.T) {
	_, err := splitArgv(`./bin --name "unterminated`)
	require.Error(t, err)
}

func TestSplitArgvEmpty(t *testing.T) {
	args, err := splitArgv("   ")
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestKillRecordsExitCodeAndResetClearsIt(t *testing.T) {
	shm, err := covshm.Open(fmt.Sprintf("epf-test-%d", os.Getpid()))
	require.NoError(t, err)
	defer shm.Close()

	c := New(Config{Command: "/bin/sh -c 'exit 7'"}, shm)
	_, hasCode := c.LastExitCode()
	assert.False(t, hasCode)

	cmd, err := c.fork()
	require.NoError(t, err)
	c.cmd = cmd
	waitGone(cmd.Process.Pid, 2*time.Second)

	require.NoError(t, c.Kill(true))
	code, ok := c.LastExitCode()
	require.True(t, ok)
	assert.Equal(t, 7, code)

	c.ResetExitCode()
	_, ok = c.LastExitCode()
	assert.False(t, ok)
}
