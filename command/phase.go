// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"

	"github.com/hashicorp/forge/dispatch"
	"github.com/hashicorp/forge/gitws"
	"github.com/hashicorp/forge/queue"
	"github.com/hashicorp/forge/structs"
	"github.com/hashicorp/forge/worker"
)

// PlanCommand submits a run and drives an in-process worker until the plan
// phase reaches a terminal state, then stops without advancing further.
type PlanCommand struct {
	Meta

	repo   string
	branch string
}

func (c *PlanCommand) Help() string {
	helpText := `
Usage: forge plan <task> -repo <url> [options]

  Submit a run and execute only its plan phase in-process. The run is left
  queued at the implement phase; resume it with 'forge worker' or the
  manual phase commands.

General Options:
` + generalOptionsUsage() + `

Plan Options:

  -repo <url>
    URL of the git repository to modify. Required.

  -branch <name>
    Base branch for the work branch.
`
	return strings.TrimSpace(helpText)
}

func (c *PlanCommand) Synopsis() string {
	return "Submit a run and execute its plan phase"
}

func (c *PlanCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(),
		complete.Flags{
			"-repo":   complete.PredictAnything,
			"-branch": complete.PredictAnything,
		})
}

func (c *PlanCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictFiles("*.md")
}

func (c *PlanCommand) Name() string { return "plan" }

func (c *PlanCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&c.repo, "repo", "", "")
	flags.StringVar(&c.branch, "branch", "", "")
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

	runID, _, err := d.Submit(ctx, dispatch.SubmitRequest{
		Task:       task,
		RepoURL:    c.repo,
		BaseBranch: c.branch,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error submitting run: %s", err))
		return 1
	}
	c.Ui.Output(runID)

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

	rc, err := driveUntilPhaseDone(ctx, c.Ui, w, store, runID, structs.PhasePlan)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	return rc
}

// PhaseCommand re-enqueues one phase of an existing run and executes it
// in-process. It backs the implement, review and test commands.
type PhaseCommand struct {
	Meta

	// phase names the command and the pipeline phase it drives.
	phase structs.Phase

	run string
}

func (c *PhaseCommand) Help() string {
	helpText := fmt.Sprintf(`
Usage: forge %s -run <dir> [options]

  Enqueue the %s phase of an existing run and execute it in-process. The
  run directory's handoff decides what the phase actually does; the run id
  is the directory's base name.

General Options:
`, c.phase, c.phase) + generalOptionsUsage() + `

Phase Options:

  -run <dir>
    Path to the run directory (or the bare run id). Required.
`
	return strings.TrimSpace(helpText)
}

func (c *PhaseCommand) Synopsis() string {
	return fmt.Sprintf("Execute the %s phase of a run", c.phase)
}

func (c *PhaseCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(),
		complete.Flags{
			"-run": complete.PredictDirs("*"),
		})
}

func (c *PhaseCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *PhaseCommand) Name() string { return string(c.phase) }

func (c *PhaseCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&c.run, "run", "", "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if c.run == "" {
		c.Ui.Error("The -run flag is required")
		return 1
	}
	if err := c.setupEnv(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	runID := filepath.Base(filepath.Clean(c.run))

	logger := c.Logger()
	_, store, runs, err := c.dispatcher(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening data root: %s", err))
		return 1
	}
	defer store.Close()

	if !runs.HasHandoff(runID) {
		c.Ui.Error(fmt.Sprintf("Run %q not found under %s", runID, c.DataRoot()))
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := store.Enqueue(ctx, runID, c.phase); err != nil {
		c.Ui.Error(fmt.Sprintf("Error enqueuing %s job: %s", c.phase, err))
		return 1
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

	rc, err := driveUntilPhaseDone(ctx, c.Ui, w, store, runID, c.phase)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	return rc
}

// driveUntilPhaseDone iterates a worker until the newest job of the given
// phase reaches a terminal status, reporting the outcome on the Ui. It
// returns the process exit code.
func driveUntilPhaseDone(ctx context.Context, ui cli.Ui, w *worker.Worker, store *queue.Store, runID string, phase structs.Phase) (int, error) {
	for ctx.Err() == nil {
		w.RunOnce(ctx)

		jobs, err := store.JobsForRun(ctx, runID)
		if err != nil {
			return 1, fmt.Errorf("Error querying run jobs: %s", err)
		}
		var last *structs.Job
		for i := range jobs {
			if jobs[i].Phase == phase {
				last = &jobs[i]
			}
		}
		if last == nil || !last.Status.Terminal() {
			continue
		}

		ui.Output(fmt.Sprintf("Phase %s finished: status=%s", phase, last.Status))
		if last.Status != structs.JobStatusDone {
			if msg := formatJobError(*last); msg != "" {
				ui.Error(msg)
			}
			return 1, nil
		}
		return 0, nil
	}
	return 0, nil
}
