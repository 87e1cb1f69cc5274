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

	"github.com/hashicorp/forge/dispatch"
	"github.com/hashicorp/forge/gitws"
	"github.com/hashicorp/forge/worker"
)

type RunCommand struct {
	Meta

	repo          string
	branch        string
	keepWorkspace bool
	maxReviews    int
	startWorker   bool
}

func (c *RunCommand) Help() string {
	helpText := `
Usage: forge run <task> -repo <url> [options]

  Submit a new run. The task argument is the task description itself, or a
  path to a .md or .json file holding it. The run id is printed on success;
  a warning is printed when no worker appears to be alive.

General Options:
` + generalOptionsUsage() + `

Run Options:

  -repo <url>
    URL of the git repository to modify. Required.

  -branch <name>
    Base branch for the work branch. Defaults to the repository's main,
    then master, then HEAD.

  -keep-workspace
    Keep the cloned workspace after the run completes.

  -max-reviews <n>
    Maximum review-rejection loops before the run fails. Defaults to 3.

  -start-worker
    Also run an in-process worker until this run reaches a terminal state.
`
	return strings.TrimSpace(helpText)
}

func (c *RunCommand) Synopsis() string {
	return "Submit a new run"
}

func (c *RunCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(),
		complete.Flags{
			"-repo":           complete.PredictAnything,
			"-branch":         complete.PredictAnything,
			"-keep-workspace": complete.PredictNothing,
			"-max-reviews":    complete.PredictAnything,
			"-start-worker":   complete.PredictNothing,
		})
}

func (c *RunCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictFiles("*.md")
}

func (c *RunCommand) Name() string { return "run" }

func (c *RunCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&c.repo, "repo", "", "")
	flags.StringVar(&c.branch, "branch", "", "")
	flags.BoolVar(&c.keepWorkspace, "keep-workspace", false, "")
	flags.IntVar(&c.maxReviews, "max-reviews", 0, "")
	flags.BoolVar(&c.startWorker, "start-worker", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <task>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if c.repo == "" {
		c.Ui.Error("The -repo flag is required")
		return 1
	}
	if err := c.setupEnv(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	task, err := resolveTaskInput(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error resolving task input: %s", err))
		return 1
	}

	logger := c.Logger()
	d, store, runs, err := c.dispatcher(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening data root: %s", err))
		return 1
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID, warn, err := d.Submit(ctx, dispatch.SubmitRequest{
		Task:          task,
		RepoURL:       c.repo,
		BaseBranch:    c.branch,
		KeepWorkspace: c.keepWorkspace,
		MaxIterations: c.maxReviews,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error submitting run: %s", err))
		return 1
	}

	c.Ui.Output(runID)
	if warn != "" && !c.startWorker {
		c.Ui.Warn(warn)
	}

	if !c.startWorker {
		return 0
	}

	w, err := worker.New(worker.Config{
		Store:     store,
		Runs:      runs,
		Git:       gitws.New(gitws.NewExecRunner(logger), logger),
		Executors: c.executors(),
		Logger:    logger,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting worker: %s", err))
		return 1
	}

	for ctx.Err() == nil {
		w.RunOnce(ctx)

		st, err := d.Status(ctx, runID)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error querying run status: %s", err))
			return 1
		}
		if st.Status.Terminal() || (st.Phase == "pr" && st.Status == "completed") {
			c.Ui.Output(fmt.Sprintf("Run finished: phase=%s status=%s", st.Phase, st.Status))
			if st.Status != "completed" {
				return 1
			}
			return 0
		}
	}
	return 0
}
