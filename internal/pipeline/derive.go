package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/live"
	"github.com/anchorsec/anchor/internal/llm"
)

const deriveSystem = "You decompose one security-bug claim into 1-5 minimal, objectively checkable conditions. " +
	"Each condition carries ACCEPT and REJECT contract text a later judge will test evidence against. " +
	"Respond only via the emit_conditions tool."

// derive appends top-level conditions to a freshly seeded finding.
func (e *Engine) derive(ctx context.Context, f *finding.Finding) error {
	highlights := seedHighlights(f.Evidence.Seed, 3)
	args, err := e.callTool(ctx, llm.EmitConditionsTool(), deriveSystem, map[string]any{
		"claim":           f.Claim,
		"related_files":   f.Files,
		"seed_highlights": highlights,
	})
	if err != nil {
		return fmt.Errorf("derive %s: %w", f.FindingID, err)
	}
	conds := conditionsFromArgs(args, 5)
	if len(conds) == 0 {
		return fmt.Errorf("derive %s: no conditions emitted", f.FindingID)
	}
	f.Conditions = conds
	if err := e.Store.Save(f); err != nil {
		return fmt.Errorf("persist finding %s: %w", f.FindingID, err)
	}
	e.Live.Emit(live.Event{Kind: live.KindStage, FindingID: f.FindingID, Stage: "derive",
		Detail: fmt.Sprintf("%d conditions", len(conds))})
	e.Log.Debug("conditions derived",
		zap.String("finding_id", f.FindingID),
		zap.Int("count", len(conds)),
	)
	return nil
}

// conditionsFromArgs converts an emit_conditions payload, capping the count.
func conditionsFromArgs(args map[string]any, maxCount int) []*finding.Condition {
	items, ok := args["conditions"].([]any)
	if !ok {
		return nil
	}
	if len(items) > maxCount {
		items = items[:maxCount]
	}
	var out []*finding.Condition
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		c := &finding.Condition{
			Description:    stringField(m, "desc"),
			Why:            stringField(m, "why"),
			Accept:         stringField(m, "accept"),
			Reject:         stringField(m, "reject"),
			SuggestedTasks: stringSlice(m["suggested_tasks"]),
			State:          finding.StateUnknown,
		}
		if c.Description == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// seedHighlights extracts up to n highlight objects from the discovery
// reply.
func seedHighlights(seed json.RawMessage, n int) []any {
	var v struct {
		Evidence struct {
			Highlights []any `json:"highlights"`
		} `json:"evidence"`
	}
	if err := json.Unmarshal(seed, &v); err != nil {
		return nil
	}
	hl := v.Evidence.Highlights
	if len(hl) > n {
		hl = hl[:n]
	}
	return hl
}
