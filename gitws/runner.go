// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package gitws

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/armon/circbuf"
	hclog "github.com/hashicorp/go-hclog"
)

// outputCap bounds how much git output is retained; only the tail matters
// for diagnostics.
const outputCap = 64 * 1024

// Runner executes one git subcommand in dir, feeding stdin when non-empty,
// and returns the combined output.
type Runner interface {
	Run(ctx context.Context, dir, stdin string, args ...string) (string, error)
}

// ExecRunner runs the real git binary.
type ExecRunner struct {
	logger hclog.Logger
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(logger hclog.Logger) *ExecRunner {
	if logger == nil {
		logger = hclog.Default()
	}
	return &ExecRunner{logger: logger.Named("git")}
}

func (r *ExecRunner) Run(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	// Stdout and stderr share one capped ring buffer. Handing the same
	// writer to both keeps exec on a single pipe, so output is fully
	// drained before Run returns.
	buf, _ := circbuf.NewBuffer(outputCap)
	cmd.Stdout = buf
	cmd.Stderr = buf

	r.logger.Debug("running git", "args", args, "dir", dir)
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("git %s: %w: %s",
			args[0], err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}
