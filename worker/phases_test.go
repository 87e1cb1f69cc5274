// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/forge/ci"
	"github.com/hashicorp/forge/executor"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		must.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		must.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestExpandPlan(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"pkg/a.go":       "package pkg\n",
		"pkg/b.go":       "package pkg\n",
		"pkg/inner/c.go": "package inner\n",
		"README.md":      "readme\n",
	})

	plan := &executor.Plan{
		AllowedFiles: []string{"pkg/**/*.go", "docs/new.md"},
		Steps: []executor.PlanStep{
			{ID: "step-1", File: "pkg/*.go", Description: "touch the pkg files"},
			{ID: "step-2", File: "README.md"},
		},
	}

	allowed, steps, err := expandPlan(root, plan)
	must.NoError(t, err)

	// globs expand; non-glob entries pass through even when absent on disk
	must.SliceContains(t, allowed, "pkg/a.go")
	must.SliceContains(t, allowed, "pkg/b.go")
	must.SliceContains(t, allowed, filepath.Join("pkg", "inner", "c.go"))
	must.SliceContains(t, allowed, "docs/new.md")
	must.SliceContains(t, allowed, "README.md")

	// a multi-match step splits with suffixed ids; a single-file step keeps its id
	must.Len(t, 3, steps)
	must.Eq(t, "step-1#1", steps[0].ID)
	must.Eq(t, "pkg/a.go", steps[0].File)
	must.Eq(t, "touch the pkg files", steps[0].Description)
	must.Eq(t, "step-1#2", steps[1].ID)
	must.Eq(t, "pkg/b.go", steps[1].File)
	must.Eq(t, "step-2", steps[2].ID)
}

func TestExpandPlan_SingleMatchKeepsID(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"pkg/only.go": "package pkg\n"})

	plan := &executor.Plan{
		Steps: []executor.PlanStep{{ID: "step-1", File: "pkg/*.go"}},
	}
	_, steps, err := expandPlan(root, plan)
	must.NoError(t, err)
	must.Len(t, 1, steps)
	must.Eq(t, "step-1", steps[0].ID)
	must.Eq(t, "pkg/only.go", steps[0].File)
}

func TestIsGlob(t *testing.T) {
	ci.Parallel(t)

	must.True(t, isGlob("pkg/*.go"))
	must.True(t, isGlob("pkg/**/*.go"))
	must.True(t, isGlob("file?.txt"))
	must.True(t, isGlob("a[bc].go"))
	must.True(t, isGlob("{a,b}.go"))
	must.False(t, isGlob("plain/path.go"))
}

func TestInjectFiles(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "alpha", "b.go": "beta"})

	files := injectFiles(root, []string{"a.go", "b.go", "missing.go"})
	must.Eq(t, map[string]string{"a.go": "alpha", "b.go": "beta"}, files)
}

func TestCheckAllowed(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	allowed := []string{"pkg/a.go", "README.md"}

	must.NoError(t, checkAllowed(root, "pkg/a.go", allowed))
	must.NoError(t, checkAllowed(root, "README.md", allowed))

	err := checkAllowed(root, "pkg/other.go", allowed)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "not in the plan's allowed files")

	err = checkAllowed(root, "../outside.go", allowed)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "escapes the workspace")

	// escape check wins even for allowed-looking traversals
	err = checkAllowed(root, "pkg/../../a.go", append(allowed, "pkg/../../a.go"))
	must.Error(t, err)
}

func TestDiffFiles(t *testing.T) {
	ci.Parallel(t)

	diff := `diff --git a/pkg/a.go b/pkg/a.go
--- a/pkg/a.go
+++ b/pkg/a.go
@@ -1 +1 @@
-old
+new
diff --git a/pkg/b.go b/pkg/b.go
new file mode 100644
--- /dev/null
+++ b/pkg/b.go
@@ -0,0 +1 @@
+fresh
diff --git a/pkg/c.go b/pkg/c.go
deleted file mode 100644
--- a/pkg/c.go
+++ /dev/null
`
	must.Eq(t, []string{"pkg/a.go", "pkg/b.go", "pkg/c.go"}, diffFiles(diff))
	must.SliceEmpty(t, diffFiles(""))
}
