package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anchorsec/anchor/internal/config"
	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/llm"
	"github.com/anchorsec/anchor/internal/repopath"
	"github.com/anchorsec/anchor/internal/seed"
)

type fakeLLM struct {
	script map[string][]map[string]any
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	q := f.script[req.ToolChoice]
	if len(q) == 0 {
		return llm.Response{}, fmt.Errorf("unscripted tool %s", req.ToolChoice)
	}
	args := q[0]
	if len(q) > 1 {
		f.script[req.ToolChoice] = q[1:]
	}
	b, err := json.Marshal(args)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Body: map[string]any{
		"output": []any{map[string]any{
			"type":      "function_call",
			"name":      req.ToolChoice,
			"arguments": string(b),
		}},
	}}, nil
}

type fakeAgent struct {
	discoverErr error
	discovered  []string
}

func (a *fakeAgent) Discover(_ context.Context, relPath, lens string) (json.RawMessage, error) {
	a.discovered = append(a.discovered, relPath+"::"+lens)
	if a.discoverErr != nil {
		return nil, a.discoverErr
	}
	raw := fmt.Sprintf(`{"schema_version":1,"stage":"discover","claim":"Command injection in %s","files":[%q],"evidence":{"highlights":[{"path":%q,"region":{"start_line":1,"end_line":2},"why":"shell call"}]}}`, relPath, relPath, relPath)
	return json.RawMessage(raw), nil
}

func (a *fakeAgent) Run(_ context.Context, task string) (string, error) {
	return `{"schema_version":1,"stage":"exec","summary":"sink reached from handler","citations":[{"path":"app.py","start_line":1,"end_line":1}],"notes":""}`, nil
}

func testConfig(t *testing.T, root string) config.Config {
	t.Helper()
	manifest := filepath.Join(root, "seeds.txt")
	if err := os.WriteFile(manifest, []byte("app.py\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Manifest = manifest
	cfg.RepoRoot = root
	cfg.FindingsDir = filepath.Join(root, "findings")
	cfg.Model = "gpt-5-codex"
	cfg.Hotspots = false
	cfg.AutoLens = false
	cfg.Workers = 1
	cfg.BFSBudget = 0
	cfg.PlanDiversity = false
	return cfg
}

func testRunner(t *testing.T, cfg config.Config, l *fakeLLM, a *fakeAgent) *Runner {
	t.Helper()
	root, err := repopath.NewRoot(cfg.RepoRoot)
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, &root, l, a, nil, "test")
}

func happyScript() *fakeLLM {
	return &fakeLLM{script: map[string][]map[string]any{
		"emit_conditions": {{
			"schema_version": 1,
			"stage":          "derive",
			"conditions": []any{map[string]any{
				"desc":   "attacker input reaches the shell call",
				"accept": "dataflow from request to subprocess",
				"reject": "input validated before the call",
			}},
		}},
		"emit_tasks": {{
			"schema_version": 1,
			"stage":          "plan",
			"tasks": []any{map[string]any{
				"task": "search for subprocess calls in app.py",
				"why":  "locate the sink",
				"mode": "exec",
			}},
		}},
		"judge_condition": {{
			"schema_version": 1,
			"stage":          "judge",
			"state":          "satisfied",
			"rationale":      "citation shows the tainted call",
			"evidence_refs":  []any{0},
		}},
	}}
}

func TestRun_WritesEnvelopeAndVerdict(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("import subprocess\nsubprocess.run(cmd)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, dir)
	r := testRunner(t, cfg, happyScript(), &fakeAgent{})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(cfg.FindingsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "run_") {
		t.Fatalf("want one run dir, got %v", entries)
	}
	runDir := filepath.Join(cfg.FindingsDir, entries[0].Name())

	b, err := os.ReadFile(filepath.Join(runDir, "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatal(err)
	}
	if env.RunID != entries[0].Name() {
		t.Fatalf("run_id %q != dir %q", env.RunID, entries[0].Name())
	}
	if env.StartedAt == "" || env.FinishedAt == "" {
		t.Fatalf("timestamps missing: %+v", env)
	}
	if env.Counts.ManifestFiles != 1 || env.Counts.FindingsWritten != 1 || env.Counts.Errors != 0 {
		t.Fatalf("counts = %+v", env.Counts)
	}
	if env.SeedSources[finding.SourceManual] != 1 {
		t.Fatalf("seed_sources = %v", env.SeedSources)
	}
	if len(env.ManifestSHA1) != 40 {
		t.Fatalf("manifest_sha1 = %q", env.ManifestSHA1)
	}
	if env.LLM.Model != "gpt-5-codex" {
		t.Fatalf("llm model = %q", env.LLM.Model)
	}
	if env.BreadthExamined != 1 || env.DepthEscalated != 0 {
		t.Fatalf("scheduler metrics = %+v", env)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error %q", env.Error)
	}

	store := &finding.Store{Dir: runDir}
	f, err := store.Load(finding.ID("app.py"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != finding.StatusProcessed {
		t.Fatalf("status = %q", f.Status)
	}
	if f.Verdict == nil || f.Verdict.State != finding.VerdictTruePositive {
		t.Fatalf("verdict = %+v", f.Verdict)
	}
	if f.Provenance.RunID != env.RunID || f.Provenance.FileSize == 0 || len(f.Provenance.InputHash) != 40 {
		t.Fatalf("provenance = %+v", f.Provenance)
	}

	feed, err := os.ReadFile(filepath.Join(runDir, "live.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range []string{"run_start", "seeded", "verdict", "run_end"} {
		if !strings.Contains(string(feed), `"kind":"`+kind+`"`) {
			t.Fatalf("live feed missing %s:\n%s", kind, feed)
		}
	}
}

func TestRun_ManifestErrorBeforeRunDir(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir) // seeds.txt names app.py, which does not exist
	r := testRunner(t, cfg, happyScript(), &fakeAgent{})

	err := r.Run(context.Background())
	var merr *seed.ManifestError
	if !errors.As(err, &merr) {
		t.Fatalf("want ManifestError, got %v", err)
	}
	if _, statErr := os.Stat(cfg.FindingsDir); !os.IsNotExist(statErr) {
		t.Fatalf("run dir created despite manifest error: %v", statErr)
	}
}

func TestRun_LLMFailureRecordedInEnvelope(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('x')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, dir)
	r := testRunner(t, cfg, &fakeLLM{script: map[string][]map[string]any{}}, &fakeAgent{})

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("want error from engine failure")
	}

	entries, err := os.ReadDir(cfg.FindingsDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("run dir: %v %v", entries, err)
	}
	b, err := os.ReadFile(filepath.Join(cfg.FindingsDir, entries[0].Name(), "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatal(err)
	}
	if env.Error == "" || env.Counts.Errors != 1 {
		t.Fatalf("envelope did not record failure: %+v", env)
	}
	if env.FinishedAt == "" {
		t.Fatal("finished_at missing on failure")
	}
}

func TestRun_DiscoverFailureDegradesSeed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('x')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, dir)
	r := testRunner(t, cfg, happyScript(), &fakeAgent{discoverErr: errors.New("codex unavailable")})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries, err := os.ReadDir(cfg.FindingsDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("run dir: %v %v", entries, err)
	}
	b, err := os.ReadFile(filepath.Join(cfg.FindingsDir, entries[0].Name(), "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatal(err)
	}
	if env.Counts.FindingsWritten != 0 || env.Counts.Errors != 1 {
		t.Fatalf("counts = %+v", env.Counts)
	}
}
