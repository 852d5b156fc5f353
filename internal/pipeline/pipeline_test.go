package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/llm"
	"github.com/anchorsec/anchor/internal/repopath"
)

// fakeLLM serves scripted tool arguments per forced tool. A queue's last
// entry is sticky so repeated calls keep answering.
type fakeLLM struct {
	mu     sync.Mutex
	script map[string][]map[string]any
}

func (l *fakeLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.script[req.ToolChoice]
	if len(q) == 0 {
		return llm.Response{}, fmt.Errorf("no scripted response for %s", req.ToolChoice)
	}
	args := q[0]
	if len(q) > 1 {
		l.script[req.ToolChoice] = q[1:]
	}
	b, err := json.Marshal(args)
	if err != nil {
		return llm.Response{}, err
	}
	body := map[string]any{
		"output": []any{map[string]any{
			"type":      "function_call",
			"name":      req.ToolChoice,
			"arguments": string(b),
		}},
	}
	raw, _ := json.Marshal(body)
	return llm.Response{Raw: raw, Body: body}, nil
}

// fakeAgent returns canned observations per task.
type fakeAgent struct {
	mu    sync.Mutex
	reply func(task string) string
	tasks []string
}

func (a *fakeAgent) Run(ctx context.Context, task string) (string, error) {
	a.mu.Lock()
	a.tasks = append(a.tasks, task)
	a.mu.Unlock()
	return a.reply(task), nil
}

func successObs(path string, start, end int) string {
	return fmt.Sprintf(`{"schema_version":1,"stage":"exec","summary":"path found","citations":[{"path":"%s","start_line":%d,"end_line":%d}]}`, path, start, end)
}

const timeoutObs = `{"schema_version":1,"stage":"exec","summary":"error: timeout","citations":[]}`

func judgeArgs(state, rationale string) map[string]any {
	return map[string]any{
		"schema_version": 1,
		"stage":          "judge",
		"state":          state,
		"rationale":      rationale,
		"evidence_refs":  []any{0},
	}
}

func conditionArgs(descs ...string) map[string]any {
	items := make([]any, 0, len(descs))
	for _, d := range descs {
		items = append(items, map[string]any{
			"desc":   d,
			"why":    "w",
			"accept": "callgraph shows a path to X",
			"reject": "no path exists",
		})
	}
	return map[string]any{"schema_version": 1, "stage": "derive", "conditions": items}
}

func taskArgs(goals ...string) map[string]any {
	items := make([]any, 0, len(goals))
	for _, g := range goals {
		items = append(items, map[string]any{"task": g, "why": "w", "mode": "exec"})
	}
	return map[string]any{"schema_version": 1, "stage": "plan", "tasks": items}
}

func testEngine(t *testing.T, l LLM, a AgentRunner, opts Options) (*Engine, *finding.Store, *repopath.Root) {
	t.Helper()
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, "examples"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src := "def entry():\n    pass\n\ndef x():\n    pass\n"
	if err := os.WriteFile(filepath.Join(repo, "examples", "e1.py"), []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root, err := repopath.NewRoot(repo)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	store := &finding.Store{Dir: t.TempDir()}
	if opts.Model == "" {
		opts.Model = "gpt-5-codex"
	}
	return New(l, a, store, &root, opts, nil, nil), store, &root
}

func seededFinding(rel, claim string) *finding.Finding {
	return &finding.Finding{
		FindingID:     finding.ID(rel),
		SchemaVersion: finding.SchemaVersion,
		Claim:         claim,
		Files:         []string{rel},
		Evidence:      finding.SeedEvidence{Seed: json.RawMessage(`{"evidence":{"highlights":[]}}`)},
		SeedSource:    finding.SourceManual,
		Status:        finding.StatusSeeded,
	}
}

func TestProcessFindings_HappyPath(t *testing.T) {
	l := &fakeLLM{script: map[string][]map[string]any{
		"emit_conditions": {conditionArgs("X is reachable from a public entrypoint")},
		"emit_tasks":      {taskArgs("callgraph to X")},
		"judge_condition": {judgeArgs("satisfied", "path found and cited")},
	}}
	a := &fakeAgent{reply: func(string) string { return successObs("examples/e1.py", 10, 15) }}
	e, store, _ := testEngine(t, l, a, Options{Workers: 2, BFSBudget: 10})

	f := seededFinding("examples/e1.py", "X is reachable")
	if err := store.Save(f); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := e.ProcessFindings(context.Background(), []*finding.Finding{f})
	if err != nil {
		t.Fatalf("ProcessFindings: %v", err)
	}
	if f.Verdict == nil || f.Verdict.State != finding.VerdictTruePositive {
		t.Fatalf("verdict = %+v", f.Verdict)
	}
	if f.Conditions[0].State != finding.StateSatisfied {
		t.Fatalf("condition state = %q", f.Conditions[0].State)
	}
	if f.Status != finding.StatusProcessed {
		t.Fatalf("status = %q", f.Status)
	}
	if m.BreadthExamined != 1 || m.DepthEscalated != 0 {
		t.Fatalf("metrics = %+v", m)
	}

	got, err := store.Load(f.FindingID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Verdict.State != finding.VerdictTruePositive {
		t.Fatalf("persisted verdict = %+v", got.Verdict)
	}
}

func TestProcessFindings_TimeoutDegradesToUnknown(t *testing.T) {
	l := &fakeLLM{script: map[string][]map[string]any{
		"emit_conditions": {
			conditionArgs("X is reachable from a public entrypoint"),
			conditionArgs("the sink symbol exists", "an entrypoint calls into the module"),
		},
		"emit_tasks":      {taskArgs("search for the handler")},
		"judge_condition": {judgeArgs("unknown", "missing citation")},
	}}
	a := &fakeAgent{reply: func(string) string { return timeoutObs }}
	e, store, _ := testEngine(t, l, a, Options{Workers: 2, BFSBudget: 10})

	f := seededFinding("examples/e1.py", "X is reachable")
	if err := store.Save(f); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := e.ProcessFindings(context.Background(), []*finding.Finding{f})
	if err != nil {
		t.Fatalf("ProcessFindings: %v", err)
	}
	if f.Verdict.State != finding.VerdictUnknown {
		t.Fatalf("verdict = %+v", f.Verdict)
	}
	c := f.Conditions[0]
	if c.State != finding.StateUnknown {
		t.Fatalf("condition state = %q", c.State)
	}
	if len(c.Subconditions) != 2 {
		t.Fatalf("subconditions = %d, want 2", len(c.Subconditions))
	}
	for _, child := range c.Subconditions {
		if child.State != finding.StateUnknown {
			t.Fatalf("child state = %q", child.State)
		}
	}
	if m.DepthEscalated != 1 || m.EscalationHitRate != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestProcessFindings_DepthBudget(t *testing.T) {
	judgeQueue := []map[string]any{
		judgeArgs("unknown", "inconclusive"),
		judgeArgs("unknown", "inconclusive"),
		judgeArgs("satisfied", "resolved on escalation"),
	}
	l := &fakeLLM{script: map[string][]map[string]any{
		"emit_tasks":      {taskArgs("read-file the handler")},
		"judge_condition": judgeQueue,
	}}
	a := &fakeAgent{reply: func(task string) string {
		if strings.Contains(task, "examples/e1.py") {
			return successObs("examples/e1.py", 1, 2)
		}
		return timeoutObs
	}}
	e, store, root := testEngine(t, l, a, Options{Workers: 2, BFSBudget: 1, MaxSteps: 3})

	// Second target file so both findings resolve paths.
	if err := os.WriteFile(filepath.Join(root.Dir(), "examples", "e2.py"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	strong := seededFinding("examples/e1.py", "claim one")
	strong.Conditions = []*finding.Condition{{Description: "c-strong", Accept: "a", Reject: "r", State: finding.StateUnknown}}
	weak := seededFinding("examples/e2.py", "claim two")
	weak.Conditions = []*finding.Condition{{Description: "c-weak", Accept: "a", Reject: "r", State: finding.StateUnknown}}
	for _, f := range []*finding.Finding{strong, weak} {
		if err := store.Save(f); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	m, err := e.ProcessFindings(context.Background(), []*finding.Finding{strong, weak})
	if err != nil {
		t.Fatalf("ProcessFindings: %v", err)
	}
	if m.DepthEscalated != 1 {
		t.Fatalf("DepthEscalated = %d, want 1", m.DepthEscalated)
	}
	if strong.Conditions[0].State != finding.StateSatisfied {
		t.Fatalf("escalated condition state = %q", strong.Conditions[0].State)
	}
	if weak.Conditions[0].State != finding.StateUnknown {
		t.Fatalf("budget-starved condition state = %q", weak.Conditions[0].State)
	}
	if strong.Verdict.State != finding.VerdictTruePositive || weak.Verdict.State != finding.VerdictUnknown {
		t.Fatalf("verdicts = %v / %v", strong.Verdict, weak.Verdict)
	}
	if m.EscalationHitRate != 1 {
		t.Fatalf("EscalationHitRate = %v", m.EscalationHitRate)
	}
}

func TestPostprocess_VerbDiversityAndSyntheticTask(t *testing.T) {
	e, _, _ := testEngine(t, nil, nil, Options{PlanDiversity: true})
	c := &finding.Condition{}
	c.MarkVerb("search")

	tasks := e.postprocess("examples/e1.py", []string{"search for X", "search again for X"}, c)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v, want only the synthetic task", tasks)
	}
	if !strings.Contains(tasks[0], syntheticCallgraphGoal) {
		t.Fatalf("synthetic task missing: %v", tasks)
	}
}

func TestPostprocess_OneTaskPerVerbAndCap(t *testing.T) {
	e, _, _ := testEngine(t, nil, nil, Options{})
	c := &finding.Condition{}
	tasks := e.postprocess("p.py", []string{
		"search for X",
		"search for Y",
		"read-file handler",
		"dataflow from input to sink",
		"ast-parse handler",
	}, c)
	if len(tasks) != 3 {
		t.Fatalf("tasks = %v, want 3", tasks)
	}
	// One search task only, and dataflow fills the last slot, so the
	// synthetic fallback must not fire.
	joined := strings.Join(tasks, "\n")
	if strings.Count(joined, "search") != 1 {
		t.Fatalf("duplicate verb kept: %v", tasks)
	}
	if strings.Contains(joined, syntheticCallgraphGoal) {
		t.Fatalf("synthetic task fired despite dataflow: %v", tasks)
	}
}

func TestPostprocess_SyntheticWhenNoReachabilityVerb(t *testing.T) {
	e, _, _ := testEngine(t, nil, nil, Options{})
	tasks := e.postprocess("p.py", []string{"search for X"}, &finding.Condition{})
	if len(tasks) != 2 || !strings.Contains(tasks[1], syntheticCallgraphGoal) {
		t.Fatalf("tasks = %v", tasks)
	}
}

func TestExecBatch_DeterministicOrder(t *testing.T) {
	a := &fakeAgent{reply: func(task string) string {
		return fmt.Sprintf(`{"schema_version":1,"stage":"exec","summary":"did %s","citations":[{"path":"examples/e1.py","start_line":1,"end_line":1}]}`, goalOf(task))
	}}
	e, store, _ := testEngine(t, nil, a, Options{Workers: 4})
	f := seededFinding("examples/e1.py", "claim")
	c := &finding.Condition{Description: "c", State: finding.StateUnknown}
	f.Conditions = []*finding.Condition{c}
	if err := store.Save(f); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tasks := []string{
		"codex:exec:examples/e1.py::search one",
		"codex:exec:examples/e1.py::read-file two",
		"codex:exec:examples/e1.py::dataflow three",
	}
	if err := e.execBatch(context.Background(), f, c, tasks); err != nil {
		t.Fatalf("execBatch: %v", err)
	}

	wantOrder := append([]string{}, tasks...)
	sort.Slice(wantOrder, func(i, j int) bool {
		return finding.InputSHA1(wantOrder[i]) < finding.InputSHA1(wantOrder[j])
	})
	if len(c.Evidence) != 3 {
		t.Fatalf("evidence = %d entries", len(c.Evidence))
	}
	for i, raw := range c.Evidence {
		if !strings.Contains(raw, goalOf(wantOrder[i])) {
			t.Fatalf("evidence[%d] = %s, want goal %q", i, raw, goalOf(wantOrder[i]))
		}
	}
	if len(f.TasksLog) != 1 || len(f.TasksLog[0].Executed) != 3 {
		t.Fatalf("tasks_log = %+v", f.TasksLog)
	}
	for i := 1; i < len(f.TasksLog[0].Executed); i++ {
		if f.TasksLog[0].Executed[i-1].InputSHA1 > f.TasksLog[0].Executed[i].InputSHA1 {
			t.Fatalf("tasks_log not ordered by input_sha1")
		}
	}

	// The on-disk snapshot carries the batch's verb bookkeeping.
	saved, err := store.Load(f.FindingID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := saved.Conditions[0]
	if len(sc.UsedVerbs) != 3 || sc.LastVerb == "" {
		t.Fatalf("persisted verbs = %v last=%q", sc.UsedVerbs, sc.LastVerb)
	}
	for _, verb := range []string{"search", "read-file", "dataflow"} {
		if !sc.HasUsedVerb(verb) {
			t.Fatalf("persisted used_verbs missing %q: %v", verb, sc.UsedVerbs)
		}
	}
}

func TestJudge_LocalGuards(t *testing.T) {
	e, _, _ := testEngine(t, nil, nil, Options{})
	f := seededFinding("examples/e1.py", "claim")

	c := &finding.Condition{State: finding.StateUnknown}
	if err := e.judge(context.Background(), f, c); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if c.State != finding.StateUnknown || c.Rationale != "no evidence" {
		t.Fatalf("no-evidence guard: %q / %q", c.State, c.Rationale)
	}

	c = &finding.Condition{State: finding.StateUnknown, Evidence: []string{"not json"}}
	if err := e.judge(context.Background(), f, c); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if c.Rationale != "latest observation not valid JSON" {
		t.Fatalf("rationale = %q", c.Rationale)
	}

	c = &finding.Condition{State: finding.StateUnknown, Evidence: []string{`{"stage":"exec"}`}}
	if err := e.judge(context.Background(), f, c); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if c.Rationale != "missing summary, citations" {
		t.Fatalf("rationale = %q", c.Rationale)
	}
}

func TestScore_Table(t *testing.T) {
	e, _, root := testEngine(t, nil, nil, Options{})
	// examples/sink.py line 2 holds a sink keyword.
	if err := os.WriteFile(filepath.Join(root.Dir(), "examples", "sink.py"), []byte("import os\nsubprocess.run(cmd)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name     string
		evidence []string
		want     int
	}{
		{"no evidence", nil, 0},
		{"error only", []string{timeoutObs}, 0},
		{"citation no sink", []string{successObs("examples/e1.py", 1, 2)}, 2},
		{"citation with sink", []string{successObs("examples/sink.py", 1, 2)}, 4},
		{
			"citation sink and taint",
			[]string{`{"schema_version":1,"stage":"exec","summary":"user-controlled value reaches the call","citations":[{"path":"examples/sink.py","start_line":2,"end_line":2}]}`},
			5,
		},
	}
	for _, tc := range cases {
		c := &finding.Condition{Evidence: tc.evidence}
		if got := e.score(c); got != tc.want {
			t.Fatalf("%s: score = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestAggregate_Table(t *testing.T) {
	mk := func(states ...finding.ConditionState) []*finding.Condition {
		var out []*finding.Condition
		for _, s := range states {
			out = append(out, &finding.Condition{State: s})
		}
		return out
	}
	cases := []struct {
		children []*finding.Condition
		want     finding.ConditionState
	}{
		{mk(finding.StateSatisfied, finding.StateSatisfied), finding.StateSatisfied},
		{mk(finding.StateFailed, finding.StateUnknown), finding.StateFailed},
		{mk(finding.StateFailed, finding.StateSatisfied), finding.StateUnknown},
		{mk(finding.StateUnknown, finding.StateUnknown), finding.StateUnknown},
	}
	for i, tc := range cases {
		if got := aggregate(tc.children); got != tc.want {
			t.Fatalf("case %d: aggregate = %q, want %q", i, got, tc.want)
		}
	}
}

func TestVerdict_Table(t *testing.T) {
	mk := func(states ...finding.ConditionState) []*finding.Condition {
		var out []*finding.Condition
		for _, s := range states {
			out = append(out, &finding.Condition{State: s})
		}
		return out
	}
	cases := []struct {
		conds []*finding.Condition
		want  finding.VerdictState
	}{
		{mk(finding.StateSatisfied), finding.VerdictTruePositive},
		{mk(finding.StateSatisfied, finding.StateSatisfied), finding.VerdictTruePositive},
		{mk(finding.StateFailed), finding.VerdictFalsePositive},
		{mk(finding.StateFailed, finding.StateUnknown), finding.VerdictFalsePositive},
		{mk(finding.StateSatisfied, finding.StateFailed), finding.VerdictUnknown},
		{mk(finding.StateSatisfied, finding.StateUnknown), finding.VerdictUnknown},
		{mk(finding.StateUnknown), finding.VerdictUnknown},
		{nil, finding.VerdictUnknown},
	}
	for i, tc := range cases {
		if got := verdict(tc.conds); got.State != tc.want {
			t.Fatalf("case %d: verdict = %q, want %q", i, got.State, tc.want)
		}
	}
}
