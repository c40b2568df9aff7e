// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux
// +build linux

package covshm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testIdentifier(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("epf-covshm-test-%d", rand.Int())
}

func TestOpenCloseRoundTrip(t *testing.T) {
	m, err := Open(testIdentifier(t))
	require.NoError(t, err)
	defer m.Close()

	require.Len(t, m.Buf(), MapSize)
	require.Contains(t, m.Env(), EnvShmID+"=")
}

func TestDirectedBranchCoverageDelta(t *testing.T) {
	m, err := Open(testIdentifier(t))
	require.NoError(t, err)
	defer m.Close()

	m.Buf()[10] = 1
	m.Buf()[20] = 1
	require.Equal(t, 2, m.DirectedBranchCoverage())

	// Same edges hit again contribute no further delta.
	require.Equal(t, 0, m.DirectedBranchCoverage())

	m.Reset()
	m.Buf()[10] = 1
	m.Buf()[30] = 1
	require.Equal(t, 1, m.DirectedBranchCoverage())
}
