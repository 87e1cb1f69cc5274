// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/forge/ci"
)

func TestNewULID_format(t *testing.T) {
	ci.Parallel(t)

	id := NewULID()
	require.Len(t, id, 36)
	for _, i := range []int{8, 13, 18, 23} {
		require.Equal(t, byte('-'), id[i])
	}
}

func TestNewULID_unique(t *testing.T) {
	ci.Parallel(t)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewULID()
		_, exists := seen[id]
		require.False(t, exists)
		seen[id] = struct{}{}
	}
}

func TestNewULID_ordered(t *testing.T) {
	ci.Parallel(t)

	// ids minted in different milliseconds sort lexicographically
	a := NewULID()
	time.Sleep(3 * time.Millisecond)
	b := NewULID()
	time.Sleep(3 * time.Millisecond)
	c := NewULID()

	list := []string{c, a, b}
	sort.Strings(list)
	require.Equal(t, []string{a, b, c}, list)
}
