// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/forge/command"
	"github.com/hashicorp/forge/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI and returns the process exit code.
func Run(args []string) int {
	c := cli.NewCLI("forge", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(&command.Meta{})
	c.Autocomplete = true
	c.HelpFunc = cli.BasicHelpFunc("forge")

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
