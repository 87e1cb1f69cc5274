// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package gitws

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/forge/ci"
)

// fakeRunner records invocations and replays scripted responses keyed on the
// git subcommand.
type fakeRunner struct {
	mu    sync.Mutex
	calls []fakeCall

	// out and fail are keyed by the subcommand (args[0]); unknown commands
	// succeed with empty output.
	out  map[string]string
	fail map[string]error
}

type fakeCall struct {
	dir   string
	stdin string
	args  []string
}

func (f *fakeRunner) Run(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{dir: dir, stdin: stdin, args: args})
	f.mu.Unlock()

	cmd := args[0]
	if err, ok := f.fail[cmd]; ok {
		return "", err
	}
	return f.out[cmd], nil
}

func (f *fakeRunner) argLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.calls))
	for i, c := range f.calls {
		lines[i] = strings.Join(c.args, " ")
	}
	return lines
}

func testWorkspace(r Runner) *Workspace {
	return New(r, hclog.NewNullLogger())
}

func TestCheckVersion(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	w := testWorkspace(&fakeRunner{out: map[string]string{"version": "git version 2.39.5\n"}})
	must.NoError(t, w.CheckVersion(ctx))

	w = testWorkspace(&fakeRunner{out: map[string]string{"version": "git version 2.19.0\n"}})
	must.Error(t, w.CheckVersion(ctx))

	w = testWorkspace(&fakeRunner{fail: map[string]error{"version": fmt.Errorf("exec: not found")}})
	must.Error(t, w.CheckVersion(ctx))

	// unparseable output is tolerated
	w = testWorkspace(&fakeRunner{out: map[string]string{"version": "git version mystery.build"}})
	must.NoError(t, w.CheckVersion(ctx))

	// as is no output at all
	w = testWorkspace(&fakeRunner{out: map[string]string{"version": "  \n"}})
	must.NoError(t, w.CheckVersion(ctx))
}

func TestClone(t *testing.T) {
	ci.Parallel(t)

	r := &fakeRunner{}
	w := testWorkspace(r)
	dir := filepath.Join(t.TempDir(), "ws", "run-1")
	must.NoError(t, w.Clone(context.Background(), "https://example.com/repo.git", dir))

	lines := r.argLines()
	must.Len(t, 1, lines)
	must.Eq(t, "clone https://example.com/repo.git "+dir, lines[0])
}

func TestResolveBaseBranch(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	// preferred branch exists: verified then checked out
	r := &fakeRunner{}
	w := testWorkspace(r)
	branch, err := w.ResolveBaseBranch(ctx, "/ws", "develop")
	must.NoError(t, err)
	must.Eq(t, "develop", branch)
	must.Eq(t, []string{
		"rev-parse --verify --quiet develop",
		"checkout develop",
	}, r.argLines())
}

func TestResolveBaseBranch_FallsBackToHead(t *testing.T) {
	ci.Parallel(t)

	// no candidate branch verifies; the clone's HEAD wins
	r := &fakeRunner{
		out:  map[string]string{},
		fail: map[string]error{"rev-parse": fmt.Errorf("unknown revision")},
	}
	// rev-parse fails for the verify probes; redirect the HEAD query
	calls := 0
	probe := &probeRunner{inner: r, onRevParse: func(args []string) (string, error, bool) {
		calls++
		if len(args) >= 2 && args[1] == "--abbrev-ref" {
			return "trunk\n", nil, true
		}
		return "", nil, false
	}}

	w := testWorkspace(probe)
	branch, err := w.ResolveBaseBranch(context.Background(), "/ws", "")
	must.NoError(t, err)
	must.Eq(t, "trunk", branch)
	// main and master probed, then HEAD resolved
	must.Eq(t, 3, calls)
}

// probeRunner intercepts rev-parse calls before delegating.
type probeRunner struct {
	inner      Runner
	onRevParse func(args []string) (string, error, bool)
}

func (p *probeRunner) Run(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	if args[0] == "rev-parse" {
		if out, err, handled := p.onRevParse(args); handled {
			return out, err
		}
	}
	return p.inner.Run(ctx, dir, stdin, args...)
}

func TestCreateBranch(t *testing.T) {
	ci.Parallel(t)

	r := &fakeRunner{}
	w := testWorkspace(r)
	must.NoError(t, w.CreateBranch(context.Background(), "/ws", "forge/add-retry-logic"))
	must.Eq(t, []string{"checkout -b forge/add-retry-logic"}, r.argLines())
}

func TestApply(t *testing.T) {
	ci.Parallel(t)

	r := &fakeRunner{}
	w := testWorkspace(r)
	diff := "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n"
	must.NoError(t, w.Apply(context.Background(), "/ws", diff))

	must.Len(t, 1, r.calls)
	must.Eq(t, []string{"apply", "--whitespace=nowarn", "--recount"}, r.calls[0].args)
	must.Eq(t, diff, r.calls[0].stdin)
	must.Eq(t, "/ws", r.calls[0].dir)
}

func TestDiff(t *testing.T) {
	ci.Parallel(t)

	r := &fakeRunner{out: map[string]string{"diff": "the diff"}}
	w := testWorkspace(r)

	out, err := w.Diff(context.Background(), "/ws", []string{"a.go", "b.go"})
	must.NoError(t, err)
	must.Eq(t, "the diff", out)
	must.Eq(t, []string{"diff -- a.go b.go"}, r.argLines())
}

func TestBranchName(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "forge/add-retry-logic", BranchName("forge", "Add retry logic"))
}

func TestSlug(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		in   string
		want string
	}{
		{"Add retry logic", "add-retry-logic"},
		{"Fix   spaces\tand tabs", "fix-spaces-and-tabs"},
		{"__weird!!punct..", "weird-punct"},
		{"ALLCAPS", "allcaps"},
		{"", "task"},
		{"!!!", "task"},
		{"ends-with-dash-", "ends-with-dash"},
		{
			"a very long prompt that keeps going and going well past the slug cap",
			"a-very-long-prompt-that-keeps-going-and",
		},
	}
	for _, tc := range cases {
		must.Eq(t, tc.want, Slug(tc.in), must.Sprintf("Slug(%q)", tc.in))
	}
}
