package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/llm"
)

const planSystem = "You plan 1-3 evidence-gathering tasks for one condition of a security claim. " +
	"Each task is a single English instruction with mode \"exec\". " +
	"Begin each task with one of: search, read-file, ast-parse, callgraph, dataflow. " +
	"If the last observation was an error, change operation class. " +
	"The final task must directly test ACCEPT against REJECT and name the expected evidence shape (function and line range). " +
	"Respond only via the emit_tasks tool."

// syntheticCallgraphGoal is appended when the planner proposes no
// reachability work at all.
const syntheticCallgraphGoal = "callgraph shortest-path from any discovered sink symbol to any public entrypoint"

// plannedVerbs are the operation classes tasks are expected to start with.
var plannedVerbs = map[string]bool{
	"search": true, "read-file": true, "ast-parse": true, "callgraph": true, "dataflow": true,
}

// plan asks the LLM for tasks and applies the deterministic engine-side
// post-processing: dedupe, verb diversity, one task per verb, cap of three,
// synthetic callgraph fallback.
func (e *Engine) plan(ctx context.Context, f *finding.Finding, c *finding.Condition) ([]string, error) {
	primary := f.PrimaryFile()
	payload := map[string]any{
		"condition":       c.Description,
		"why":             c.Why,
		"accept":          c.Accept,
		"reject":          c.Reject,
		"suggested_tasks": c.SuggestedTasks,
	}
	if latest := latestSummary(c); latest != "" {
		payload["last_observation_summary"] = latest
	}

	args, err := e.callTool(ctx, llm.EmitTasksTool(), planSystem, payload)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", f.FindingID, err)
	}

	goals := goalsFromArgs(args)
	tasks := e.postprocess(primary, goals, c)
	e.Log.Debug("tasks planned",
		zap.String("finding_id", f.FindingID),
		zap.Int("proposed", len(goals)),
		zap.Int("kept", len(tasks)),
	)
	return tasks, nil
}

// goalsFromArgs keeps exec-mode tasks with non-empty text, deduplicated by
// (mode, text).
func goalsFromArgs(args map[string]any) []string {
	items, ok := args["tasks"].([]any)
	if !ok {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		mode := stringField(m, "mode")
		text := strings.TrimSpace(stringField(m, "task"))
		if mode != "exec" || text == "" {
			continue
		}
		key := mode + "\x00" + text
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, text)
	}
	return out
}

// postprocess turns goals into agent task strings under the diversity
// rules.
func (e *Engine) postprocess(primary string, goals []string, c *finding.Condition) []string {
	var kept []string
	verbSeen := map[string]bool{}
	hasReach := false
	for _, goal := range goals {
		verb := leadingVerb(goal)
		if e.Opts.PlanDiversity {
			if verb != "" && verb == c.LastVerb {
				continue
			}
			if len(c.UsedVerbs) < 3 && c.HasUsedVerb(verb) {
				continue
			}
		}
		// One task per distinct verb.
		if verb != "" && verbSeen[verb] {
			continue
		}
		verbSeen[verb] = true
		if verb == "callgraph" || verb == "dataflow" {
			hasReach = true
		}
		kept = append(kept, taskString(primary, goal))
		if len(kept) == 3 {
			break
		}
	}
	if !hasReach {
		kept = append(kept, taskString(primary, syntheticCallgraphGoal))
	}
	return kept
}

func taskString(primary, goal string) string {
	return "codex:exec:" + primary + "::" + goal
}

// leadingVerb extracts the normalized operation-class verb a goal starts
// with, or "" when it starts with something else.
func leadingVerb(goal string) string {
	fields := strings.Fields(strings.ToLower(goal))
	if len(fields) == 0 {
		return ""
	}
	verb := strings.Trim(fields[0], ":,.")
	if plannedVerbs[verb] {
		return verb
	}
	return ""
}

// latestSummary returns the most recent observation summary, if any.
func latestSummary(c *finding.Condition) string {
	for i := len(c.Evidence) - 1; i >= 0; i-- {
		if s := observationSummary(c.Evidence[i]); s != "" {
			return s
		}
	}
	return ""
}
