// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package escapingfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/forge/ci"
)

func TestPathEscapesWorkspace(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name    string
		path    string
		escapes bool
	}{
		{"plain file", "plan.json", false},
		{"nested file", "sub/dir/file.json", false},
		{"dot", ".", false},
		{"internal dotdot", "a/../b.json", false},
		{"parent", "../outside.json", true},
		{"deep traversal", "a/../../outside.json", true},
		{"double parent", "../../etc/passwd", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			escapes, err := PathEscapesWorkspace(t.TempDir(), tc.path)
			must.NoError(t, err)
			must.Eq(t, tc.escapes, escapes)
		})
	}
}

func TestPathEscapesWorkspace_RelativeRoot(t *testing.T) {
	ci.Parallel(t)

	// a relative root is resolved before comparison
	escapes, err := PathEscapesWorkspace("relative/root", "inside.json")
	must.NoError(t, err)
	must.False(t, escapes)

	escapes, err = PathEscapesWorkspace("relative/root", "../../../outside.json")
	must.NoError(t, err)
	must.True(t, escapes)
}

func TestPathEscapesWorkspaceDir(t *testing.T) {
	ci.Parallel(t)

	base := t.TempDir()
	must.NoError(t, os.MkdirAll(filepath.Join(base, "inner"), 0o755))
	must.NoError(t, os.WriteFile(filepath.Join(base, "inner", "file.txt"), []byte("x"), 0o644))

	escapes, err := PathEscapesWorkspaceDir(base, "inner/file.txt")
	must.NoError(t, err)
	must.False(t, escapes)

	// nonexistent targets are judged by their closest existing parent
	escapes, err = PathEscapesWorkspaceDir(base, "inner/not-yet-written.txt")
	must.NoError(t, err)
	must.False(t, escapes)

	escapes, err = PathEscapesWorkspaceDir(base, "../sibling.txt")
	must.NoError(t, err)
	must.True(t, escapes)
}

func TestPathEscapesWorkspaceDir_Symlink(t *testing.T) {
	ci.Parallel(t)

	base := t.TempDir()

	// a link pointing above the workspace escapes it
	must.NoError(t, os.Symlink(filepath.Dir(base), filepath.Join(base, "link")))
	escapes, err := PathEscapesWorkspaceDir(base, "link/file.txt")
	must.NoError(t, err)
	must.True(t, escapes)

	// a link to a file inside the workspace does not
	must.NoError(t, os.WriteFile(filepath.Join(base, "target.txt"), []byte("x"), 0o644))
	must.NoError(t, os.Symlink(filepath.Join(base, "target.txt"), filepath.Join(base, "inlink")))
	escapes, err = PathEscapesWorkspaceDir(base, "inlink")
	must.NoError(t, err)
	must.False(t, escapes)
}
