// Package codex launches the Codex CLI as a deterministic, read-only
// analysis subprocess.
//
// The dispatcher owns the full process lifecycle: sandbox wrapping, stdin
// prompt delivery, concurrent stream draining, wall-clock timeouts with
// process-group termination, retry with exponential backoff, and a
// content-addressed result cache keyed by (prompt, repo hash, version).
package codex

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrNotFound is returned when the codex binary cannot be located.
var ErrNotFound = fmt.Errorf("codex binary not found")

// TimeoutError reports that every attempt exceeded the wall-clock timeout.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("codex timed out after %s (%d attempts)", e.Timeout, e.Attempts)
}

// ExitError reports a non-zero codex exit after retries were exhausted.
type ExitError struct {
	Result ExecResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("codex exited %d: %s", e.Result.Returncode, strings.TrimSpace(e.Result.Stderr))
}

// ExecResult is the structured outcome of one codex invocation. Stdout holds
// the final assistant message (the --output-last-message file contents), not
// the raw stream.
type ExecResult struct {
	Stdout      string   `json:"stdout"`
	Stderr      string   `json:"stderr"`
	Returncode  int      `json:"returncode"`
	DurationSec float64  `json:"duration_sec"`
	Cmd         []string `json:"cmd"`
}

// Options configures a Client. Zero values select the documented defaults.
type Options struct {
	// BinPath overrides PATH lookup of the codex executable.
	BinPath string

	// Retries is the number of additional attempts after a timeout or
	// non-zero exit.
	Retries int

	// BackoffBase is the exponential backoff base in seconds (delay =
	// BackoffBase^attempt). Defaults to 2.
	BackoffBase float64

	// CacheDir holds content-addressed ExecResults. Defaults to
	// ~/.cache/anchor/codex. Empty string with NoCache disables caching.
	CacheDir string
	NoCache  bool

	// NetworkSandbox wraps the command in a network-denial launcher when one
	// is available on the host. Best-effort: absence is logged, not fatal.
	NetworkSandbox bool

	// ForwardStdout/ForwardStderr additionally receive the child's streams
	// as they are drained.
	ForwardStdout io.Writer
	ForwardStderr io.Writer

	// Semaphore, when non-nil, caps simultaneous codex children system-wide.
	Semaphore *semaphore.Weighted

	Log *zap.Logger
}

// Client is a reusable dispatcher for codex invocations.
type Client struct {
	binPath     string
	version     string
	wrapper     []string
	retries     int
	backoffBase float64
	cacheDir    string
	noCache     bool
	fwdOut      io.Writer
	fwdErr      io.Writer
	sem         *semaphore.Weighted
	log         *zap.Logger

	// lookPath and runVersion are swappable for tests.
	lookPath   func(string) (string, error)
	runCommand func(name string, args ...string) error
}

// NewClient locates the binary, probes for a sandbox wrapper, and reads the
// codex version for cache-key stability.
func NewClient(opts Options) (*Client, error) {
	c := &Client{
		retries:     opts.Retries,
		backoffBase: opts.BackoffBase,
		cacheDir:    opts.CacheDir,
		noCache:     opts.NoCache,
		fwdOut:      opts.ForwardStdout,
		fwdErr:      opts.ForwardStderr,
		sem:         opts.Semaphore,
		log:         opts.Log,
		lookPath:    exec.LookPath,
		runCommand: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 2.0
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.cacheDir == "" && !c.noCache {
		c.cacheDir = defaultCacheDir()
	}

	c.binPath = strings.TrimSpace(opts.BinPath)
	if c.binPath == "" {
		path, err := c.lookPath("codex")
		if err != nil {
			return nil, ErrNotFound
		}
		c.binPath = path
	}

	if opts.NetworkSandbox {
		c.wrapper = c.probeSandbox()
	}
	c.log.Info("codex dispatcher ready",
		zap.String("bin", c.binPath),
		zap.Bool("network_sandbox", len(c.wrapper) > 0),
		zap.Strings("sandbox_wrapper", c.wrapper),
	)

	c.version = c.readVersion()
	return c, nil
}

// SandboxActive reports whether invocations are wrapped in a network-denial
// launcher.
func (c *Client) SandboxActive() bool { return len(c.wrapper) > 0 }

// Version is the codex CLI version string used in cache keys.
func (c *Client) Version() string { return c.version }

// probeSandbox prefers firejail, falling back to unshare verified by a
// one-shot probe. Returns nil when no launcher works on this host.
func (c *Client) probeSandbox() []string {
	if runtime.GOOS != "linux" {
		return nil
	}
	if fj, err := c.lookPath("firejail"); err == nil {
		return []string{fj, "--quiet", "--net=none"}
	}
	if un, err := c.lookPath("unshare"); err == nil {
		if err := c.runCommand(un, "-n", "true"); err == nil {
			return []string{un, "-n"}
		}
	}
	return nil
}

func (c *Client) readVersion() string {
	out, err := exec.Command(c.binPath, "--version").Output()
	if err != nil {
		return "unknown"
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "unknown"
	}
	return v
}

// bypassFlags are codex flags that would defeat its own approval/sandbox
// model. The dispatcher refuses them unconditionally.
var bypassFlags = []string{
	"--dangerously-bypass-approvals-and-sandbox",
	"--full-auto",
	"--yolo",
}

func checkExtraFlags(flags []string) error {
	for _, f := range flags {
		trimmed := strings.TrimSpace(f)
		for _, deny := range bypassFlags {
			if trimmed == deny {
				return fmt.Errorf("refusing privileged codex flag %q", trimmed)
			}
		}
		if strings.Contains(trimmed, "bypass") {
			return fmt.Errorf("refusing privileged codex flag %q", trimmed)
		}
	}
	return nil
}
