// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package escapingfs

import (
	"os"
	"path/filepath"
	"strings"
)

// PathEscapesWorkspace returns true if path, interpreted relative to the
// workspace root, escapes the root using relative components.
//
// Only the lexical path is examined; use PathEscapesWorkspaceDir when the
// real filesystem is available and symlinks must be considered.
func PathEscapesWorkspace(root, path string) (bool, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	abs, err := filepath.Abs(filepath.Join(base, path))
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(rel, ".."), nil
}

// pathEscapesBaseViaSymlink returns if full escapes base, taking into account
// evaluation of symlinks.
//
// The base directory must be an absolute path.
func pathEscapesBaseViaSymlink(base, full string) (bool, error) {
	resolveSym, err := filepath.EvalSymlinks(full)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(resolveSym, base)
	if err != nil {
		return true, nil
	}

	// note: this is not the same as !filepath.IsAbs; we are asking if the
	// relative path is descendent of the base path, indicating it does not
	// escape.
	isRelative := strings.HasPrefix(rel, "..") || rel == "."
	escapes := !isRelative
	return escapes, nil
}

// PathEscapesWorkspaceDir returns true if base/path escapes the given base
// directory.
//
// Escaping a directory can be done with relative paths (e.g. ../../ etc.) or
// by using symlinks. This checks both methods.
//
// The base directory must be an absolute path.
func PathEscapesWorkspaceDir(base, path string) (bool, error) {
	full := filepath.Join(base, path)

	// If the full path doesn't exist, the symlink check below cannot resolve
	// it; walk up to the closest existing parent and check that instead.
	probe := full
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return false, err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	escapes, err := pathEscapesBaseViaSymlink(base, probe)
	if err != nil {
		return false, err
	}
	if escapes {
		return true, nil
	}

	return PathEscapesWorkspace(base, path)
}
