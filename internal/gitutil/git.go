// Package gitutil reads VCS metadata from the audited repository.
//
// It only reads: anchor never mutates the target repo. All helpers degrade
// gracefully when git is absent or the directory is not a repository.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent metadata reads
	// stay deterministic and never spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// ShortHead returns the abbreviated HEAD commit hash, or "no_git" when the
// directory is not a repository or git is unavailable.
func ShortHead(dir string) string {
	out, _, err := runGit(dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "no_git"
	}
	return strings.TrimSpace(out)
}

// IsDirty reports whether the working tree has uncommitted changes.
// Returns false when git state cannot be read.
func IsDirty(dir string) bool {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

// ChangedFiles returns repo-relative paths changed since the given ref
// and/or within the last windowDays. Either selector may be empty/zero.
// Failures yield an empty list: diff seeds are best-effort inputs.
func ChangedFiles(dir, since string, windowDays int) []string {
	args := []string{"diff", "--name-only"}
	if since = strings.TrimSpace(since); since != "" {
		args = append(args, since)
	}
	if windowDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")
		args = append(args, "--since", cutoff)
	}
	out, _, err := runGit(dir, args...)
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files
}
