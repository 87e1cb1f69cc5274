// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"

	"github.com/hashicorp/forge/version"
)

const (
	// EnvForgeCLINoColor is an env var that toggles colored UI output.
	EnvForgeCLINoColor = `FORGE_CLI_NO_COLOR`

	// EnvForgeCLIForceColor is an env var that forces colored UI output.
	EnvForgeCLIForceColor = `FORGE_CLI_FORCE_COLOR`
)

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands for Forge. The meta
// parameter lets you set meta options that are passed to the commands.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"run": func() (cli.Command, error) {
			return &RunCommand{Meta: meta}, nil
		},
		"worker": func() (cli.Command, error) {
			return &WorkerCommand{Meta: meta}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{Meta: meta}, nil
		},
		"cancel": func() (cli.Command, error) {
			return &CancelCommand{Meta: meta}, nil
		},
		"plan": func() (cli.Command, error) {
			return &PlanCommand{Meta: meta}, nil
		},
		"implement": func() (cli.Command, error) {
			return &PhaseCommand{Meta: meta, phase: "implement"}, nil
		},
		"review": func() (cli.Command, error) {
			return &PhaseCommand{Meta: meta, phase: "review"}, nil
		},
		"test": func() (cli.Command, error) {
			return &PhaseCommand{Meta: meta, phase: "test"}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
