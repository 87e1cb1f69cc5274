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

	"github.com/gosuri/uilive"
	"github.com/posener/complete"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/forge/dispatch"
)

type StatusCommand struct {
	Meta

	watch    bool
	interval time.Duration
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: forge status [run_id] [options]

  Display the status of every run, or the detail of one run: its current
  phase and status, the last completed transition, and the per-phase job
  rows from the queue.

General Options:
` + generalOptionsUsage() + `

Status Options:

  -watch
    Continuously refresh the view in place until interrupted.

  -interval <duration>
    Refresh interval for -watch. Defaults to 2s.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display the status of runs"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(),
		complete.Flags{
			"-watch":    complete.PredictNothing,
			"-interval": complete.PredictAnything,
		})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&c.watch, "watch", false, "")
	flags.DurationVar(&c.interval, "interval", 2*time.Second, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) > 1 {
		c.Ui.Error("This command takes at most one argument: [run_id]")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if err := c.setupEnv(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	runID := ""
	if len(args) == 1 {
		runID = args[0]
	}

	logger := c.Logger()
	d, store, _, err := c.dispatcher(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening data root: %s", err))
		return 1
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.watch {
		out, err := c.render(ctx, d, runID)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error querying status: %s", err))
			return 1
		}
		c.Ui.Output(out)
		return 0
	}

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	for {
		out, err := c.render(ctx, d, runID)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error querying status: %s", err))
			return 1
		}
		fmt.Fprintln(writer, out)

		select {
		case <-ctx.Done():
			return 0
		case <-time.After(c.interval):
		}
	}
}

func (c *StatusCommand) render(ctx context.Context, d *dispatch.Dispatcher, runID string) (string, error) {
	if runID == "" {
		return c.renderList(ctx, d)
	}
	return c.renderDetail(ctx, d, runID)
}

func (c *StatusCommand) renderList(ctx context.Context, d *dispatch.Dispatcher) (string, error) {
	summaries, err := d.List(ctx)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "No runs found", nil
	}

	rows := make([]string, 0, len(summaries)+1)
	rows = append(rows, "ID|Phase|Status|Created|Task")
	for _, s := range summaries {
		rows = append(rows, fmt.Sprintf("%s|%s|%s|%s|%s",
			limit(s.RunID, 8), s.Phase, s.Status,
			prettyTimeDiff(s.CreatedAt), limit(s.Prompt, 40)))
	}
	return columnize.SimpleFormat(rows), nil
}

func (c *StatusCommand) renderDetail(ctx context.Context, d *dispatch.Dispatcher, runID string) (string, error) {
	st, err := d.Status(ctx, runID)
	if err != nil {
		return "", err
	}

	basic := []string{
		fmt.Sprintf("ID|%s", st.RunID),
		fmt.Sprintf("Phase|%s", st.Phase),
		fmt.Sprintf("Status|%s", st.Status),
		fmt.Sprintf("Iteration|%d/%d", st.Iteration, st.MaxIter),
		fmt.Sprintf("Created|%s", prettyTimeDiff(st.CreatedAt)),
		fmt.Sprintf("Repo|%s", st.RepoURL),
		fmt.Sprintf("Branch|%s", st.Branch),
		fmt.Sprintf("Task|%s", limit(st.Prompt, 80)),
	}
	if st.LastEntry != nil {
		basic = append(basic, fmt.Sprintf("Last Transition|%s %s at %s",
			st.LastEntry.Phase, st.LastEntry.Status, st.LastEntry.EndedAt))
	}

	var b strings.Builder
	b.WriteString(columnize.SimpleFormat(basic))

	if len(st.Notes) > 0 {
		b.WriteString("\n\n")
		b.WriteString(c.Colorize().Color("[bold]Notes[reset]"))
		for _, n := range st.Notes {
			b.WriteString("\n  - " + n)
		}
	}

	if len(st.Jobs) > 0 {
		rows := make([]string, 0, len(st.Jobs)+1)
		rows = append(rows, "Job|Phase|Status|Attempt|Updated|Error")
		for _, j := range st.Jobs {
			rows = append(rows, fmt.Sprintf("%d|%s|%s|%d|%s|%s",
				j.ID, j.Phase, j.Status, j.Attempt,
				prettyTimeDiff(j.UpdatedAt), formatJobError(j)))
		}
		b.WriteString("\n\n")
		b.WriteString(c.Colorize().Color("[bold]Jobs[reset]"))
		b.WriteString("\n")
		b.WriteString(columnize.SimpleFormat(rows))
	}

	return b.String(), nil
}
