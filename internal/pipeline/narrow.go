package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/live"
	"github.com/anchorsec/anchor/internal/llm"
)

const narrowSystem = "A condition of a security claim could not be judged. " +
	"Emit 1-3 mutually informative sub-conditions, each targeting an unmet part of the parent's ACCEPT/REJECT contract. " +
	"Respond only via the emit_conditions tool."

// narrow splits an unknown condition into sub-conditions, resolves each
// with one cycle, and aggregates their states back into the parent.
func (e *Engine) narrow(ctx context.Context, f *finding.Finding, c *finding.Condition) error {
	args, err := e.callTool(ctx, llm.EmitConditionsTool(), narrowSystem, map[string]any{
		"parent_condition":     c.Description,
		"parent_accept":        c.Accept,
		"parent_reject":        c.Reject,
		"blocking_uncertainty": c.Rationale,
		"last_evidence":        lastEvidence(c),
	})
	if err != nil {
		return fmt.Errorf("narrow %s: %w", f.FindingID, err)
	}
	children := conditionsFromArgs(args, 3)
	if len(children) == 0 {
		return nil
	}
	c.Subconditions = append(c.Subconditions, children...)
	if err := e.Store.Save(f); err != nil {
		return err
	}
	e.Live.Emit(live.Event{Kind: live.KindStage, FindingID: f.FindingID, Stage: "narrow",
		Condition: c.Description,
		Detail:    fmt.Sprintf("%d sub-conditions", len(children))})

	for _, child := range children {
		if err := e.resolve(ctx, f, child, 0, 1, false); err != nil {
			return err
		}
	}
	c.State = aggregate(children)
	if c.State != finding.StateUnknown {
		c.Rationale = "aggregated from sub-conditions"
	}
	e.Log.Debug("condition narrowed",
		zap.String("finding_id", f.FindingID),
		zap.Int("children", len(children)),
		zap.String("state", string(c.State)),
	)
	return e.Store.Save(f)
}

// aggregate folds child states into the parent: all satisfied wins, any
// failure without a success loses, everything else stays unknown.
func aggregate(children []*finding.Condition) finding.ConditionState {
	satisfied, failed := 0, 0
	for _, child := range children {
		switch child.State {
		case finding.StateSatisfied:
			satisfied++
		case finding.StateFailed:
			failed++
		}
	}
	switch {
	case satisfied == len(children) && len(children) > 0:
		return finding.StateSatisfied
	case failed > 0 && satisfied == 0:
		return finding.StateFailed
	}
	return finding.StateUnknown
}

func lastEvidence(c *finding.Condition) string {
	if len(c.Evidence) == 0 {
		return ""
	}
	return c.Evidence[len(c.Evidence)-1]
}
