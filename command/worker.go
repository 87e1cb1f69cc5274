// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/posener/complete"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/forge/gitws"
	"github.com/hashicorp/forge/worker"
)

type WorkerCommand struct {
	Meta

	num  int
	poll time.Duration
}

func (c *WorkerCommand) Help() string {
	helpText := `
Usage: forge worker [options]

  Run worker loops against the queue until interrupted. Each loop claims
  one job at a time, leases its run, executes the phase and enqueues the
  next one. Send SIGUSR1 to dump in-memory metrics to stderr.

General Options:
` + generalOptionsUsage() + `

Worker Options:

  -num <n>
    Number of worker loops to run in this process. Each has its own
    identity. Defaults to 1.

  -poll <duration>
    Idle sleep between claim attempts. Defaults to 1s.
`
	return strings.TrimSpace(helpText)
}

func (c *WorkerCommand) Synopsis() string {
	return "Run worker loops until interrupted"
}

func (c *WorkerCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(),
		complete.Flags{
			"-num":  complete.PredictAnything,
			"-poll": complete.PredictAnything,
		})
}

func (c *WorkerCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *WorkerCommand) Name() string { return "worker" }

func (c *WorkerCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.IntVar(&c.num, "num", 1, "")
	flags.DurationVar(&c.poll, "poll", 0, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if c.num < 1 {
		c.Ui.Error("The -num flag must be at least 1")
		return 1
	}
	if err := c.setupEnv(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := c.Logger()

	// In-memory telemetry; SIGUSR1 dumps the aggregates.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	metricsConf := metrics.DefaultConfig("forge")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	store, runs, err := c.openStores(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening data root: %s", err))
		return 1
	}
	defer store.Close()

	git := gitws.New(gitws.NewExecRunner(logger), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := git.CheckVersion(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Error checking git: %s", err))
		return 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.num; i++ {
		w, err := worker.New(worker.Config{
			Store:        store,
			Runs:         runs,
			Git:          git,
			Executors:    c.executors(),
			Logger:       logger,
			PollInterval: c.poll,
		})
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error building worker: %s", err))
			return 1
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	c.Ui.Output(fmt.Sprintf("==> Forge worker started: loops=%d root=%s", c.num, c.DataRoot()))
	if err := g.Wait(); err != nil {
		c.Ui.Error(fmt.Sprintf("Worker exited with error: %s", err))
		return 1
	}
	return 0
}
