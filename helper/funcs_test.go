// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package helper

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/forge/ci"
)

func TestNewSafeTimer(t *testing.T) {
	ci.Parallel(t)

	t.Run("zero", func(t *testing.T) {
		timer, stop := NewSafeTimer(0)
		defer stop()
		<-timer.C
	})

	t.Run("positive", func(t *testing.T) {
		timer, stop := NewSafeTimer(1 * time.Millisecond)
		defer stop()
		<-timer.C
	})
}

func TestNewStoppedTimer(t *testing.T) {
	ci.Parallel(t)

	timer, stop := NewStoppedTimer()
	defer stop()

	select {
	case <-timer.C:
		must.Unreachable(t)
	default:
	}
}
