// Package tools implements the built-in tools the agent loop can invoke
// directly: read_file, write_file, list_dir and run_cmd. All file paths are
// resolved against the workspace root unless the config explicitly allows
// stepping outside it.
package tools

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolveWorkspacePath turns a tool-supplied path into an absolute one.
// Relative paths are anchored at the workspace root. ".." components are
// always rejected; paths resolving outside the root are rejected unless
// allowOutside is set.
func ResolveWorkspacePath(root, raw string, allowOutside bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "."
	}
	for _, part := range strings.Split(filepath.ToSlash(raw), "/") {
		if part == ".." {
			return "", errors.New("path with '..' is not allowed")
		}
	}

	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if allowOutside {
		return abs, nil
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
		return "", errors.New("path is outside workspace")
	}
	return abs, nil
}
