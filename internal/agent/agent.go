// Package agent turns orchestrator task strings into Codex invocations and
// normalizes the replies. It is the only code that mints Codex prompts.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/codex"
	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/repopath"
)

// Dispatcher is the slice of the codex client the agent needs.
type Dispatcher interface {
	Exec(ctx context.Context, req codex.ExecRequest) (codex.ExecResult, error)
}

// InvalidObservationError reports a reply that failed validation during a
// stage where it cannot be degraded to an error observation.
type InvalidObservationError struct {
	Stage  string
	Reason string
}

func (e *InvalidObservationError) Error() string {
	return fmt.Sprintf("invalid %s reply: %s", e.Stage, e.Reason)
}

// Task stages.
const (
	StageDiscover = "discover"
	StageExec     = "exec"
)

// Task is one parsed orchestrator task.
type Task struct {
	Stage string
	Path  string
	Lens  string // discover only
	Goal  string // exec only
	Raw   string
}

// ParseTask parses the two task shapes the engine produces:
//
//	codex:discover:<path>[::<lens>]
//	codex:exec:<path>::<goal>
func ParseTask(s string) (Task, error) {
	rest, ok := strings.CutPrefix(s, "codex:")
	if !ok {
		return Task{}, fmt.Errorf("unrecognized task %q", s)
	}
	stage, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return Task{}, fmt.Errorf("unrecognized task %q", s)
	}
	switch stage {
	case StageDiscover:
		path, lens, _ := strings.Cut(rest, "::")
		if path == "" {
			return Task{}, fmt.Errorf("discover task missing path: %q", s)
		}
		return Task{Stage: StageDiscover, Path: path, Lens: lens, Raw: s}, nil
	case StageExec:
		path, goal, ok := strings.Cut(rest, "::")
		if !ok || path == "" || goal == "" {
			return Task{}, fmt.Errorf("exec task needs <path>::<goal>: %q", s)
		}
		return Task{Stage: StageExec, Path: path, Goal: goal, Raw: s}, nil
	}
	return Task{}, fmt.Errorf("unknown task stage %q", stage)
}

// Agent executes parsed tasks through the dispatcher.
type Agent struct {
	Codex   Dispatcher
	Root    *repopath.Root
	Log     *zap.Logger
	Timeout time.Duration
}

func New(d Dispatcher, root *repopath.Root, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{Codex: d, Root: root, Log: log, Timeout: codex.DefaultTimeout}
}

// Run executes one task string. For discover tasks the validated reply JSON
// is returned and failures are errors. For exec tasks the return value is
// always a valid exec observation: dispatcher and validation failures are
// rewritten into error observations.
func (a *Agent) Run(ctx context.Context, task string) (string, error) {
	t, err := ParseTask(task)
	if err != nil {
		return "", err
	}
	rel, err := a.Root.Rel(t.Path)
	if err != nil {
		return "", err
	}
	switch t.Stage {
	case StageDiscover:
		raw, err := a.Discover(ctx, rel, t.Lens)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case StageExec:
		obs := a.ExecTask(ctx, rel, t.Goal)
		b, err := json.Marshal(obs)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("unknown task stage %q", t.Stage)
}

// Discover runs the discovery stage on one file. The reply is validated and
// its highlights truncated to three; a seed cannot be fabricated, so
// failures surface as errors.
func (a *Agent) Discover(ctx context.Context, relPath, lens string) (json.RawMessage, error) {
	res, err := a.Codex.Exec(ctx, codex.ExecRequest{
		Prompt:  buildDiscoverPrompt(relPath, lens),
		Workdir: a.Root.Dir(),
		Timeout: a.timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", relPath, err)
	}
	raw, err := validateDiscoverReply([]byte(res.Stdout))
	if err != nil {
		return nil, &InvalidObservationError{Stage: StageDiscover, Reason: err.Error()}
	}
	return raw, nil
}

// ExecTask runs one evidence-gathering task. The result is always a valid
// observation; anything that goes wrong becomes an error observation with
// empty citations and the reason in notes.
func (a *Agent) ExecTask(ctx context.Context, relPath, goal string) finding.Observation {
	res, err := a.Codex.Exec(ctx, codex.ExecRequest{
		Prompt:  buildExecPrompt(relPath, goal),
		Workdir: a.Root.Dir(),
		Timeout: a.timeout(),
	})
	if err != nil {
		return a.dispatchFailure(relPath, err)
	}
	obs, err := validateExecReply([]byte(res.Stdout))
	if err != nil {
		a.Log.Warn("exec reply invalid", zap.String("path", relPath), zap.Error(err))
		return errorObservation("error: invalid-observation", err.Error())
	}
	a.sanitizeCitations(&obs)
	return obs
}

func (a *Agent) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return codex.DefaultTimeout
}

// dispatchFailure maps dispatcher errors to the fixed error-observation
// vocabulary the judge understands.
func (a *Agent) dispatchFailure(relPath string, err error) finding.Observation {
	var toErr *codex.TimeoutError
	if errors.As(err, &toErr) {
		a.Log.Warn("exec task timed out", zap.String("path", relPath))
		return errorObservation("error: timeout", toErr.Error())
	}
	var exitErr *codex.ExitError
	if errors.As(err, &exitErr) {
		a.Log.Warn("exec task exited non-zero",
			zap.String("path", relPath),
			zap.Int("returncode", exitErr.Result.Returncode),
		)
		return errorObservation(
			fmt.Sprintf("error: codex-exit %d", exitErr.Result.Returncode),
			strings.TrimSpace(exitErr.Result.Stderr),
		)
	}
	return errorObservation("error: dispatch", err.Error())
}

// sanitizeCitations drops citations whose path escapes the repository root
// and applies the missing-citation rewrite afterwards.
func (a *Agent) sanitizeCitations(obs *finding.Observation) {
	kept := obs.Citations[:0]
	for _, c := range obs.Citations {
		rel, err := a.Root.Rel(c.Path)
		if err != nil {
			a.Log.Warn("citation path escapes repo", zap.String("path", c.Path))
			continue
		}
		c.Path = rel
		kept = append(kept, c)
	}
	obs.Citations = kept
	if !strings.HasPrefix(obs.Summary, "error:") && len(obs.Citations) == 0 {
		obs.Summary = "error: missing-citation"
	}
}

func errorObservation(summary, notes string) finding.Observation {
	return finding.Observation{
		SchemaVersion: 1,
		Stage:         StageExec,
		Summary:       summary,
		Citations:     []finding.Citation{},
		Notes:         notes,
	}
}
