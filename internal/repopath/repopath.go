// Package repopath canonicalizes paths against a run-scoped repository root.
//
// All boundary inputs (manifest entries, Codex-produced citation paths,
// LLM-produced file names) pass through Root.Rel before use; anything that
// resolves outside the root is rejected with an EscapeError.
package repopath

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// EscapeError reports a path that resolves outside the repository root.
type EscapeError struct {
	Path string
	Root string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("path %q resolves outside repository root %q", e.Path, e.Root)
}

// Root is an absolute repository root directory.
type Root struct {
	dir string
}

// NewRoot resolves dir to an absolute, symlink-free root.
func NewRoot(dir string) (Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, fmt.Errorf("resolve repo root %q: %w", dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return Root{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (r Root) Dir() string { return r.dir }

// Rel resolves p (absolute or root-relative) and returns its repository-
// relative, forward-slash-normalized form. Returns *EscapeError when the
// resolved path is not the root or a descendant of it.
func (r Root) Rel(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", &EscapeError{Path: p, Root: r.dir}
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.dir, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "", &EscapeError{Path: p, Root: r.dir}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &EscapeError{Path: p, Root: r.dir}
	}
	return filepath.ToSlash(rel), nil
}

// Abs returns the absolute path for a repository-relative path.
func (r Root) Abs(rel string) string {
	return filepath.Join(r.dir, filepath.FromSlash(rel))
}

// UTCNow returns the current UTC time in RFC 3339 form with second
// precision, e.g. "2024-05-01T12:00:00Z".
func UTCNow() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// UTCStamp returns the current UTC time as a filesystem-safe stamp,
// e.g. "20240501_120000".
func UTCStamp() string {
	return time.Now().UTC().Format("20060102_150405")
}
