// Package pipeline is the per-finding state machine: derive conditions,
// plan and execute evidence-gathering tasks, judge, and narrow unresolved
// conditions, under a two-phase breadth/depth budget.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/live"
	"github.com/anchorsec/anchor/internal/llm"
	"github.com/anchorsec/anchor/internal/repopath"
)

// AgentRunner executes one task string and returns the observation JSON.
type AgentRunner interface {
	Run(ctx context.Context, task string) (string, error)
}

// LLM is the generate half of the reasoning client.
type LLM interface {
	Generate(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Options are the engine knobs.
type Options struct {
	Model           string
	ReasoningEffort string
	ServiceTier     string
	Workers         int
	BFSBudget       int
	MaxSteps        int
	PlanDiversity   bool
}

// Metrics summarizes the scheduler's work for the run envelope.
type Metrics struct {
	BreadthExamined     int     `json:"breadth_examined"`
	DepthEscalated      int     `json:"depth_escalated"`
	EscalationHitRate   float64 `json:"escalation_hit_rate"`
	AvgUniqueVerbsStep2 float64 `json:"avg_unique_verbs_per_condition_step2"`
}

// Engine drives findings to verdicts.
type Engine struct {
	LLM   LLM
	Agent AgentRunner
	Store *finding.Store
	Root  *repopath.Root
	Opts  Options
	Log   *zap.Logger
	Live  live.Sink
}

func New(l LLM, a AgentRunner, store *finding.Store, root *repopath.Root, opts Options, log *zap.Logger, sink live.Sink) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = live.NopSink{}
	}
	return &Engine{LLM: l, Agent: a, Store: store, Root: root, Opts: opts, Log: log, Live: sink}
}

// escalation is one still-unknown top-level condition after the breadth
// pass, remembered with its score.
type escalation struct {
	f     *finding.Finding
	c     *finding.Condition
	score int
}

// ProcessFindings runs the two-phase scheduler over every seeded finding:
// a breadth pass giving each top-level condition one resolve cycle, then a
// depth pass over the highest-scoring unknowns, then verdict assignment.
func (e *Engine) ProcessFindings(ctx context.Context, findings []*finding.Finding) (Metrics, error) {
	var m Metrics

	// Breadth pass.
	var pending []escalation
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return m, context.Cause(ctx)
		}
		if len(f.Conditions) == 0 {
			if err := e.derive(ctx, f); err != nil {
				return m, err
			}
		}
		for _, c := range f.Conditions {
			m.BreadthExamined++
			if err := e.resolve(ctx, f, c, 0, 1, false); err != nil {
				return m, err
			}
			if c.State == finding.StateUnknown {
				pending = append(pending, escalation{f: f, c: c, score: e.score(c)})
			}
		}
	}

	// Depth pass: highest score first, input order breaking ties.
	sortEscalations(pending)
	budget := e.Opts.BFSBudget
	if budget > len(pending) {
		budget = len(pending)
	}
	resolved := 0
	verbSum := 0
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return m, context.Cause(ctx)
		}
		esc := pending[i]
		m.DepthEscalated++
		if err := e.resolve(ctx, esc.f, esc.c, 1, e.Opts.MaxSteps, true); err != nil {
			return m, err
		}
		if esc.c.State != finding.StateUnknown {
			resolved++
		}
		verbSum += len(esc.c.UsedVerbs)
	}
	if m.DepthEscalated > 0 {
		m.EscalationHitRate = float64(resolved) / float64(m.DepthEscalated)
		m.AvgUniqueVerbsStep2 = float64(verbSum) / float64(m.DepthEscalated)
	}

	// Verdicts.
	for _, f := range findings {
		f.Verdict = verdict(f.Conditions)
		f.Status = finding.StatusProcessed
		if err := e.Store.Save(f); err != nil {
			return m, fmt.Errorf("persist finding %s: %w", f.FindingID, err)
		}
		e.Live.Emit(live.Event{Kind: live.KindVerdict, FindingID: f.FindingID, Detail: string(f.Verdict.State)})
		e.Log.Info("finding adjudicated",
			zap.String("finding_id", f.FindingID),
			zap.String("verdict", string(f.Verdict.State)),
		)
	}
	return m, nil
}

// resolve runs plan/exec/judge cycles for one condition, narrowing once if
// allowed and the judge stays unknown with budget to spare.
func (e *Engine) resolve(ctx context.Context, f *finding.Finding, c *finding.Condition, startStep, maxSteps int, allowNarrow bool) error {
	for step := startStep; step < maxSteps; step++ {
		if c.State != finding.StateUnknown {
			return nil
		}
		tasks, err := e.plan(ctx, f, c)
		if err != nil {
			return err
		}
		if err := e.execBatch(ctx, f, c, tasks); err != nil {
			return err
		}
		if err := e.judge(ctx, f, c); err != nil {
			return err
		}
		if err := e.Store.Save(f); err != nil {
			return fmt.Errorf("persist finding %s: %w", f.FindingID, err)
		}
		if c.State == finding.StateUnknown && allowNarrow && step+1 < maxSteps && len(c.Subconditions) == 0 {
			return e.narrow(ctx, f, c)
		}
	}
	return nil
}

// verdict maps the multiset of top-level condition states to the finding
// verdict.
func verdict(conds []*finding.Condition) *finding.Verdict {
	if len(conds) == 0 {
		return &finding.Verdict{State: finding.VerdictUnknown, Reason: "conditions unresolved"}
	}
	satisfied, failed := 0, 0
	for _, c := range conds {
		switch c.State {
		case finding.StateSatisfied:
			satisfied++
		case finding.StateFailed:
			failed++
		}
	}
	switch {
	case satisfied == len(conds):
		return &finding.Verdict{State: finding.VerdictTruePositive, Reason: "all conditions satisfied"}
	case failed > 0 && satisfied == 0:
		return &finding.Verdict{State: finding.VerdictFalsePositive, Reason: "at least one condition failed"}
	}
	return &finding.Verdict{State: finding.VerdictUnknown, Reason: "conditions unresolved"}
}

// sortEscalations orders by score descending; the stable sort preserves
// input order on ties.
func sortEscalations(pending []escalation) {
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].score > pending[j].score
	})
}
