package codex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the per-invocation wall-clock limit when the request
// does not specify one.
const DefaultTimeout = 60 * time.Second

// ExecRequest describes one codex invocation.
type ExecRequest struct {
	Prompt     string
	Workdir    string
	ExtraFlags []string
	Timeout    time.Duration
}

var errAttemptTimeout = errors.New("attempt timed out")

// Exec runs codex with the invariant read-only flag set and returns the
// structured result. Results are memoized by (prompt, repo hash, version);
// a cache hit returns the stored result without spawning a process.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := checkExtraFlags(req.ExtraFlags); err != nil {
		return ExecResult{}, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	key := CacheKey(req.Prompt, RepoHash(req.Workdir), c.version)
	if res, ok := c.lookupCache(key); ok {
		c.log.Debug("codex cache hit", zap.String("key", key))
		return res, nil
	}

	var last ExecResult
	for attempt := 1; ; attempt++ {
		res, err := c.execOnce(ctx, req, timeout)
		switch {
		case err == nil && res.Returncode == 0:
			c.storeCache(key, res)
			return res, nil
		case errors.Is(err, errAttemptTimeout):
			c.log.Warn("codex attempt timed out",
				zap.Int("attempt", attempt),
				zap.Duration("timeout", timeout),
			)
			if attempt > c.retries {
				return ExecResult{}, &TimeoutError{Timeout: timeout, Attempts: attempt}
			}
		case err != nil:
			// Spawn/IO failures and context cancellation are not retried.
			return ExecResult{}, err
		default:
			last = res
			c.log.Warn("codex exited non-zero",
				zap.Int("attempt", attempt),
				zap.Int("returncode", res.Returncode),
			)
			if attempt > c.retries {
				return ExecResult{}, &ExitError{Result: last}
			}
		}
		delay := time.Duration(math.Pow(c.backoffBase, float64(attempt)) * float64(time.Second))
		if !sleepWithContext(ctx, delay) {
			return ExecResult{}, context.Cause(ctx)
		}
	}
}

func (c *Client) execOnce(ctx context.Context, req ExecRequest, timeout time.Duration) (ExecResult, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return ExecResult{}, err
		}
		defer c.sem.Release(1)
	}

	lastMsg, err := os.CreateTemp("", "codex_last_*")
	if err != nil {
		return ExecResult{}, err
	}
	lastMsgPath := lastMsg.Name()
	_ = lastMsg.Close()
	defer func() { _ = os.Remove(lastMsgPath) }()

	argv := append([]string{}, c.wrapper...)
	argv = append(argv,
		c.binPath,
		"exec",
		"--output-last-message", lastMsgPath,
		"--skip-git-repo-check",
		"-C", req.Workdir,
	)
	argv = append(argv, req.ExtraFlags...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResult{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return ExecResult{}, err
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	outDst := io.Writer(&stdoutBuf)
	if c.fwdOut != nil {
		outDst = io.MultiWriter(&stdoutBuf, c.fwdOut)
	}
	errDst := io.Writer(&stderrBuf)
	if c.fwdErr != nil {
		errDst = io.MultiWriter(&stderrBuf, c.fwdErr)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{}, err
	}

	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		_, _ = io.Copy(outDst, stdoutPipe)
	}()
	go func() {
		defer drain.Done()
		_, _ = io.Copy(errDst, stderrPipe)
	}()

	waitCh := make(chan error, 1)
	go func() {
		drain.Wait()
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		killProcessGroup(cmd, syscall.SIGKILL)
		waitErr = <-waitCh
	case <-ctx.Done():
		// Forward an interrupt first so codex can clean up, then make sure
		// the group is gone.
		killProcessGroup(cmd, syscall.SIGINT)
		select {
		case waitErr = <-waitCh:
		case <-time.After(2 * time.Second):
			killProcessGroup(cmd, syscall.SIGKILL)
			waitErr = <-waitCh
		}
		return ExecResult{}, context.Cause(ctx)
	}
	duration := time.Since(start)

	if timedOut {
		return ExecResult{}, errAttemptTimeout
	}

	returncode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			returncode = exitErr.ExitCode()
		} else {
			return ExecResult{}, waitErr
		}
	}

	msg := ""
	if b, err := os.ReadFile(lastMsgPath); err == nil {
		msg = stripFences(strings.TrimSpace(string(b)))
	}

	return ExecResult{
		Stdout:      msg,
		Stderr:      stderrBuf.String(),
		Returncode:  returncode,
		DurationSec: duration.Seconds(),
		Cmd:         argv,
	}, nil
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(sig)
		return
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = cmd.Process.Signal(sig)
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// stripFences removes an optional Markdown code fence wrapper around the
// final assistant message.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.HasPrefix(lines[n-1], "```") {
		lines = lines[:n-1]
	}
	return strings.Join(lines, "\n")
}
