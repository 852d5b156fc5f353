package pipeline

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/live"
)

// execBatch runs one task batch through the agent with a bounded worker
// pool, then reorders results by input_sha1 so the evidence stream is
// deterministic regardless of completion timing.
func (e *Engine) execBatch(ctx context.Context, f *finding.Finding, c *finding.Condition, tasks []string) error {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]finding.ExecutedTask, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Opts.Workers)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			obs, err := e.Agent.Run(gctx, task)
			item := finding.ExecutedTask{Task: task, InputSHA1: finding.InputSHA1(task)}
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Observation = []byte(obs)
			}
			results[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].InputSHA1 < results[j].InputSHA1
	})

	for _, item := range results {
		if item.Error != "" || len(item.Observation) == 0 {
			continue
		}
		c.AppendEvidence(string(item.Observation))
	}
	f.TasksLog = append(f.TasksLog, finding.TaskBatch{Condition: c.Description, Executed: results})

	// Verb bookkeeping follows the deterministic order and lands in the
	// same snapshot as the batch it describes.
	for _, item := range results {
		if goal := goalOf(item.Task); goal != "" {
			c.MarkVerb(leadingVerb(goal))
		}
	}
	if err := e.Store.Save(f); err != nil {
		return err
	}

	e.Live.Emit(live.Event{Kind: live.KindStage, FindingID: f.FindingID, Stage: "exec",
		Condition: c.Description})
	e.Log.Debug("task batch executed",
		zap.String("finding_id", f.FindingID),
		zap.Int("tasks", len(tasks)),
	)
	return nil
}

// goalOf extracts the goal text from a codex:exec task string.
func goalOf(task string) string {
	_, goal, ok := strings.Cut(task, "::")
	if !ok {
		return ""
	}
	return goal
}
