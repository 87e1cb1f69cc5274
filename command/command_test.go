// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"strings"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/forge/ci"
)

func testMeta(t *testing.T) (Meta, *cli.MockUi) {
	t.Helper()
	ui := cli.NewMockUi()
	return Meta{Ui: ui}, ui
}

func TestRunCommand_Validation(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &RunCommand{Meta: meta}

	// no task argument
	must.Eq(t, 1, cmd.Run([]string{"-repo", "https://example.com/r.git"}))
	must.StrContains(t, ui.ErrorWriter.String(), "one argument")

	// missing -repo
	meta, ui = testMeta(t)
	cmd = &RunCommand{Meta: meta}
	must.Eq(t, 1, cmd.Run([]string{"do the thing"}))
	must.StrContains(t, ui.ErrorWriter.String(), "-repo")
}

func TestStatusCommand_NoRuns(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &StatusCommand{Meta: meta}

	must.Eq(t, 0, cmd.Run([]string{"-root", t.TempDir()}))
	must.StrContains(t, ui.OutputWriter.String(), "No runs found")
}

func TestStatusCommand_TooManyArgs(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &StatusCommand{Meta: meta}

	must.Eq(t, 1, cmd.Run([]string{"one", "two"}))
	must.StrContains(t, ui.ErrorWriter.String(), "at most one argument")
}

func TestStatusCommand_UnknownRun(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &StatusCommand{Meta: meta}

	must.Eq(t, 1, cmd.Run([]string{"-root", t.TempDir(), "no-such-run"}))
	must.StrContains(t, ui.ErrorWriter.String(), "not found")
}

func TestCancelCommand_Validation(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &CancelCommand{Meta: meta}

	must.Eq(t, 1, cmd.Run([]string{}))
	must.StrContains(t, ui.ErrorWriter.String(), "one argument")
}

func TestCancelCommand_UnknownRunIsIdempotent(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &CancelCommand{Meta: meta}

	// cancelling a run that never existed still exits zero
	must.Eq(t, 0, cmd.Run([]string{"-root", t.TempDir(), "no-such-run"}))
	must.StrContains(t, ui.OutputWriter.String(), "cancelled")
}

func TestWorkerCommand_Validation(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &WorkerCommand{Meta: meta}

	must.Eq(t, 1, cmd.Run([]string{"-num", "0"}))
	must.StrContains(t, ui.ErrorWriter.String(), "-num")

	meta, ui = testMeta(t)
	cmd = &WorkerCommand{Meta: meta}
	must.Eq(t, 1, cmd.Run([]string{"stray"}))
	must.StrContains(t, ui.ErrorWriter.String(), "no arguments")
}

func TestPhaseCommand_Validation(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &PhaseCommand{Meta: meta, phase: "implement"}

	must.Eq(t, 1, cmd.Run([]string{}))
	must.StrContains(t, ui.ErrorWriter.String(), "-run")

	// unknown run directory
	meta, ui = testMeta(t)
	cmd = &PhaseCommand{Meta: meta, phase: "implement"}
	must.Eq(t, 1, cmd.Run([]string{"-root", t.TempDir(), "-run", "runs/no-such-run"}))
	must.StrContains(t, ui.ErrorWriter.String(), "not found")
}

func TestPlanCommand_Validation(t *testing.T) {
	ci.Parallel(t)

	meta, ui := testMeta(t)
	cmd := &PlanCommand{Meta: meta}

	must.Eq(t, 1, cmd.Run([]string{"-repo", "https://example.com/r.git"}))
	must.StrContains(t, ui.ErrorWriter.String(), "one argument")

	meta, ui = testMeta(t)
	cmd = &PlanCommand{Meta: meta}
	must.Eq(t, 1, cmd.Run([]string{"do the thing"}))
	must.StrContains(t, ui.ErrorWriter.String(), "-repo")
}

func TestVersionCommand(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	commands := Commands(&Meta{Ui: ui})
	factory := commands["version"]
	cmd, err := factory()
	must.NoError(t, err)

	// the factory wires the mock ui through
	vc, ok := cmd.(*VersionCommand)
	must.True(t, ok)
	vc.Ui = ui

	must.Eq(t, 0, vc.Run(nil))
	must.True(t, strings.HasPrefix(ui.OutputWriter.String(), "Forge "))
}

func TestHelp_NamesGeneralOptions(t *testing.T) {
	ci.Parallel(t)

	meta, _ := testMeta(t)
	for _, cmd := range []cli.Command{
		&RunCommand{Meta: meta},
		&WorkerCommand{Meta: meta},
		&StatusCommand{Meta: meta},
		&CancelCommand{Meta: meta},
		&PlanCommand{Meta: meta},
		&PhaseCommand{Meta: meta, phase: "review"},
	} {
		must.StrContains(t, cmd.Help(), "-root")
		must.StrContains(t, cmd.Help(), "Usage: forge")
	}
}
