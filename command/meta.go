// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/cli"
	envparse "github.com/hashicorp/go-envparse"
	hclog "github.com/hashicorp/go-hclog"
	colorable "github.com/mattn/go-colorable"
	"github.com/mitchellh/colorstring"
	"github.com/posener/complete"

	"github.com/hashicorp/forge/dispatch"
	"github.com/hashicorp/forge/executor"
	"github.com/hashicorp/forge/executor/mock"
	"github.com/hashicorp/forge/queue"
	"github.com/hashicorp/forge/rundir"
)

const (
	// EnvForgeRoot overrides the default data root.
	EnvForgeRoot = "FORGE_ROOT"

	// EnvForgeLogLevel overrides the default log level.
	EnvForgeLogLevel = "FORGE_LOG_LEVEL"

	// DefaultDataRoot is where runs, workspaces and the queue database live
	// when neither the flag nor the environment names a root.
	DefaultDataRoot = "./forge-data"
)

// Meta contains the meta-options and functionality that nearly every forge
// command inherits.
type Meta struct {
	Ui cli.Ui

	// These are set by the command line flags.
	root     string
	logLevel string
	envFile  string

	// Whether to not-colorize output
	noColor bool

	// Whether to force colorized output
	forceColor bool
}

// FlagSet returns a FlagSet with the common flags that every command
// implements.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	f.StringVar(&m.root, "root", "", "")
	f.StringVar(&m.logLevel, "log-level", "", "")
	f.StringVar(&m.envFile, "env-file", "", "")
	f.BoolVar(&m.noColor, "no-color", false, "")
	f.BoolVar(&m.forceColor, "force-color", false, "")

	f.SetOutput(&uiErrorWriter{ui: m.Ui})

	return f
}

// AutocompleteFlags returns the set of flag completions common to every
// command.
func (m *Meta) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-root":        complete.PredictDirs("*"),
		"-log-level":   complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-env-file":    complete.PredictFiles("*"),
		"-no-color":    complete.PredictNothing,
		"-force-color": complete.PredictNothing,
	}
}

// generalOptionsUsage is appended to every command's help output.
func generalOptionsUsage() string {
	return `
  -root <dir>
    Data root holding runs, workspaces and the queue database.
    Defaults to $FORGE_ROOT, then ` + DefaultDataRoot + `.

  -log-level <level>
    Log level: TRACE, DEBUG, INFO, WARN, ERROR. Defaults to
    $FORGE_LOG_LEVEL, then INFO.

  -env-file <path>
    Load environment variables from the given file before reading the
    environment.

  -no-color
    Disables colored command output.

  -force-color
    Forces colored command output.`
}

// Colorize returns the colorizer honoring the color flags.
func (m *Meta) Colorize() *colorstring.Colorize {
	ui := m.Ui
	coloredUi := false

	for {
		if ui == nil {
			break
		}
		switch t := ui.(type) {
		case *cli.BasicUi:
			coloredUi = t.Writer == colorable.NewColorableStdout() ||
				t.Writer == colorable.NewColorableStderr()
			ui = nil
		case *cli.ColoredUi:
			coloredUi = true
			ui = nil
		case *cli.ConcurrentUi:
			ui = t.Ui
		case *cli.PrefixedUi:
			ui = t.Ui
		default:
			ui = nil
		}
	}

	return &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: m.noColor || (!m.forceColor && !coloredUi),
		Reset:   true,
	}
}

// setupEnv loads the -env-file (if any) into the process environment.
// Existing variables win.
func (m *Meta) setupEnv() error {
	if m.envFile == "" {
		return nil
	}
	f, err := os.Open(m.envFile)
	if err != nil {
		return fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse env file: %w", err)
	}
	for k, v := range vars {
		if _, exists := os.LookupEnv(k); !exists {
			os.Setenv(k, v)
		}
	}
	return nil
}

// DataRoot resolves the data root: flag, then environment, then default.
func (m *Meta) DataRoot() string {
	if m.root != "" {
		return m.root
	}
	if v := os.Getenv(EnvForgeRoot); v != "" {
		return v
	}
	return DefaultDataRoot
}

// Logger builds the root logger for the command.
func (m *Meta) Logger() hclog.Logger {
	level := m.logLevel
	if level == "" {
		level = os.Getenv(EnvForgeLogLevel)
	}
	if level == "" {
		level = "INFO"
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "forge",
		Level:  hclog.LevelFromString(level),
		Output: colorable.NewColorableStderr(),
		Color:  hclog.AutoColor,
	})
}

// openStores opens the queue database and the run directory store under
// the data root.
func (m *Meta) openStores(logger hclog.Logger) (*queue.Store, *rundir.Store, error) {
	runs := rundir.New(m.DataRoot())
	if err := os.MkdirAll(m.DataRoot(), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data root: %w", err)
	}
	store, err := queue.Open(runs.QueuePath(), queue.Config{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return store, runs, nil
}

// dispatcher wires a Dispatcher over freshly opened stores.
func (m *Meta) dispatcher(logger hclog.Logger) (*dispatch.Dispatcher, *queue.Store, *rundir.Store, error) {
	store, runs, err := m.openStores(logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return dispatch.New(store, runs, logger), store, runs, nil
}

// executors returns the phase executor set commands run with. The external
// LLM-backed executors live outside this repository; the scriptable
// in-memory set stands in for them for local dry runs.
func (m *Meta) executors() executor.Set {
	return mock.New().Set()
}
