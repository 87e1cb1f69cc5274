// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/posener/complete"
)

type CancelCommand struct {
	Meta
}

func (c *CancelCommand) Help() string {
	helpText := `
Usage: forge cancel <run_id>

  Cancel a run. Every pending job of the run is marked cancelled and its
  lease is dropped; a worker already inside a phase aborts at its next
  handoff read. Cancelling an already-cancelled run is a no-op.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *CancelCommand) Synopsis() string {
	return "Cancel a run"
}

func (c *CancelCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *CancelCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *CancelCommand) Name() string { return "cancel" }

func (c *CancelCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <run_id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if err := c.setupEnv(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	runID := args[0]

	logger := c.Logger()
	d, store, _, err := c.dispatcher(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening data root: %s", err))
		return 1
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Cancel(ctx, runID); err != nil {
		c.Ui.Error(fmt.Sprintf("Error cancelling run: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Run %q cancelled", runID))
	return 0
}
