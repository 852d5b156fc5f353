package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/llm"
)

const judgeSystem = "You judge one condition of a security claim against its ACCEPT/REJECT contract. " +
	"Prefer the latest successful observation; if it conflicts with an earlier success, return failed and explain. " +
	"If code claims lack usable citations, return unknown and specify the missing citation. " +
	"Respond only via the judge_condition tool."

// judge resolves the condition state from its evidence: local guards first,
// then the judge_condition tool.
func (e *Engine) judge(ctx context.Context, f *finding.Finding, c *finding.Condition) error {
	if len(c.Evidence) == 0 {
		c.State = finding.StateUnknown
		c.Rationale = "no evidence"
		return nil
	}

	latest := latestSuccessfulEvidence(c)
	var obs map[string]any
	if err := json.Unmarshal([]byte(latest), &obs); err != nil {
		c.State = finding.StateUnknown
		c.Rationale = "latest observation not valid JSON"
		return nil
	}
	if missing := missingFields(obs, "summary", "citations"); missing != "" {
		c.State = finding.StateUnknown
		c.Rationale = "missing " + missing
		return nil
	}

	args, err := e.callTool(ctx, llm.JudgeConditionTool(), judgeSystem, map[string]any{
		"condition":      c.Description,
		"accept":         c.Accept,
		"reject":         c.Reject,
		"summary":        obs["summary"],
		"citations":      obs["citations"],
		"prev_summaries": previousSummaries(c, 2),
	})
	if err != nil {
		return fmt.Errorf("judge %s: %w", f.FindingID, err)
	}

	state, err := finding.ParseConditionState(stringField(args, "state"))
	if err != nil {
		c.State = finding.StateUnknown
		c.Rationale = "judge returned unparseable state"
		return nil
	}
	c.State = state
	c.Rationale = stringField(args, "rationale")
	c.EvidenceRefs = intSlice(args["evidence_refs"])
	e.Log.Debug("condition judged",
		zap.String("finding_id", f.FindingID),
		zap.String("state", string(c.State)),
	)
	return nil
}

// latestSuccessfulEvidence returns the newest observation whose summary is
// not an error, falling back to the newest observation.
func latestSuccessfulEvidence(c *finding.Condition) string {
	for i := len(c.Evidence) - 1; i >= 0; i-- {
		s := observationSummary(c.Evidence[i])
		if s != "" && !strings.HasPrefix(s, "error:") {
			return c.Evidence[i]
		}
	}
	return c.Evidence[len(c.Evidence)-1]
}

// previousSummaries collects up to n summaries preceding the newest entry,
// newest first, for conflict detection.
func previousSummaries(c *finding.Condition, n int) []string {
	var out []string
	for i := len(c.Evidence) - 2; i >= 0 && len(out) < n; i-- {
		if s := observationSummary(c.Evidence[i]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func observationSummary(raw string) string {
	var v struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ""
	}
	return v.Summary
}

// missingFields names absent keys, matching the guard's fixed rationale
// vocabulary.
func missingFields(m map[string]any, keys ...string) string {
	var missing []string
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	return strings.Join(missing, ", ")
}
