// Package runner owns one run: manifest validation, the timestamped run
// directory, the run.json envelope, seeding through the discover stage, and
// the engine invocation.
package runner

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/anchorsec/anchor/internal/config"
	"github.com/anchorsec/anchor/internal/finding"
	"github.com/anchorsec/anchor/internal/fsutil"
	"github.com/anchorsec/anchor/internal/gitutil"
	"github.com/anchorsec/anchor/internal/live"
	"github.com/anchorsec/anchor/internal/pipeline"
	"github.com/anchorsec/anchor/internal/repopath"
	"github.com/anchorsec/anchor/internal/seed"
)

// DiscoverAgent is the task agent surface the runner needs: discovery for
// seeding plus task execution for the engine.
type DiscoverAgent interface {
	pipeline.AgentRunner
	Discover(ctx context.Context, relPath, lens string) (json.RawMessage, error)
}

// Envelope is the run.json document, written atomically at start and end.
type Envelope struct {
	RunID        string         `json:"run_id"`
	ManifestPath string         `json:"manifest_path"`
	StartedAt    string         `json:"started_at"`
	FinishedAt   string         `json:"finished_at,omitempty"`
	Counts       Counts         `json:"counts"`
	Git          GitInfo        `json:"git"`
	Version      string         `json:"version"`
	ManifestSHA1 string         `json:"manifest_sha1"`
	LLM          LLMInfo        `json:"llm"`
	SeedSources  map[string]int `json:"seed_sources,omitempty"`

	AutoLensedFiles     int            `json:"auto_lensed_files,omitempty"`
	DiscoverRunsByLens  map[string]int `json:"discover_runs_by_lens,omitempty"`
	UniqueClaimsPerLens map[string]int `json:"unique_claims_per_lens,omitempty"`

	BreadthExamined     int     `json:"breadth_examined,omitempty"`
	DepthEscalated      int     `json:"depth_escalated,omitempty"`
	EscalationHitRate   float64 `json:"escalation_hit_rate,omitempty"`
	AvgUniqueVerbsStep2 float64 `json:"avg_unique_verbs_per_condition_step2,omitempty"`

	Error string `json:"error,omitempty"`
}

type Counts struct {
	ManifestFiles   int `json:"manifest_files"`
	FindingsWritten int `json:"findings_written"`
	Errors          int `json:"errors"`
}

type GitInfo struct {
	Commit string `json:"commit"`
	Dirty  bool   `json:"dirty"`
}

type LLMInfo struct {
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort"`
	ServiceTier     string `json:"service_tier"`
}

// Runner wires one run together.
type Runner struct {
	Cfg     config.Config
	Root    *repopath.Root
	LLM     pipeline.LLM
	Agent   DiscoverAgent
	Log     *zap.Logger
	Version string

	// now is swappable for tests.
	now func() string
}

func New(cfg config.Config, root *repopath.Root, l pipeline.LLM, a DiscoverAgent, log *zap.Logger, version string) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Cfg: cfg, Root: root, LLM: l, Agent: a, Log: log, Version: version, now: repopath.UTCStamp}
}

// Run executes one full pass. Manifest validation happens before any run
// directory exists; fatal errors are recorded in run.json and returned.
func (r *Runner) Run(ctx context.Context) error {
	selector := seed.NewSelector(r.Root, seed.Options{
		Hotspots:          r.Cfg.Hotspots,
		HotspotCategories: r.Cfg.HotspotCategories,
		AutoLens:          r.Cfg.AutoLens,
		GitSince:          r.Cfg.GitSince,
		GitWindowDays:     r.Cfg.GitWindowDays,
	}, r.Log)
	seeds, err := selector.Select(r.Cfg.Manifest)
	if err != nil {
		return err
	}

	runDir, runID, err := r.openRunDir()
	if err != nil {
		return err
	}
	store := &finding.Store{Dir: runDir}

	env := &Envelope{
		RunID:        runID,
		ManifestPath: r.Cfg.Manifest,
		StartedAt:    repopath.UTCNow(),
		Git: GitInfo{
			Commit: gitutil.ShortHead(r.Root.Dir()),
			Dirty:  gitutil.IsDirty(r.Root.Dir()),
		},
		Version:      r.Version,
		ManifestSHA1: fileSHA1(r.Cfg.Manifest),
		LLM: LLMInfo{
			Model:           r.Cfg.Model,
			ReasoningEffort: r.Cfg.ReasoningEffort,
			ServiceTier:     r.Cfg.ServiceTier,
		},
		SeedSources: seed.CountSources(seeds),
	}
	env.Counts.ManifestFiles = env.SeedSources[finding.SourceManual]
	if err := writeEnvelope(runDir, env); err != nil {
		return err
	}

	sink := r.openSink(runDir)
	defer sink.Close()
	sink.Emit(live.Event{Kind: live.KindRunStart, Detail: runID})

	findings := r.seedFindings(ctx, selector, store, seeds, runID, env, sink)

	engine := pipeline.New(r.LLM, r.Agent, store, r.Root, pipeline.Options{
		Model:           r.Cfg.Model,
		ReasoningEffort: r.Cfg.ReasoningEffort,
		ServiceTier:     r.Cfg.ServiceTier,
		Workers:         r.Cfg.Workers,
		BFSBudget:       r.Cfg.BFSBudget,
		PlanDiversity:   r.Cfg.PlanDiversity,
	}, r.Log, sink)

	metrics, engineErr := engine.ProcessFindings(ctx, findings)
	env.BreadthExamined = metrics.BreadthExamined
	env.DepthEscalated = metrics.DepthEscalated
	env.EscalationHitRate = metrics.EscalationHitRate
	env.AvgUniqueVerbsStep2 = metrics.AvgUniqueVerbsStep2
	env.Counts.FindingsWritten = len(findings)
	env.FinishedAt = repopath.UTCNow()
	if engineErr != nil {
		env.Counts.Errors++
		env.Error = engineErr.Error()
		sink.Emit(live.Event{Kind: live.KindFatal, Detail: engineErr.Error()})
	}
	sink.Emit(live.Event{Kind: live.KindRunEnd, Detail: runID})
	if err := writeEnvelope(runDir, env); err != nil {
		return err
	}
	if engineErr != nil {
		return engineErr
	}
	r.Log.Info("run complete",
		zap.String("run_id", runID),
		zap.Int("findings", len(findings)),
	)
	return nil
}

// seedFindings runs discover over every seed and persists the resulting
// findings. Discover failures degrade the seed, never the run.
func (r *Runner) seedFindings(ctx context.Context, selector *seed.Selector, store *finding.Store, seeds []seed.Seed, runID string, env *Envelope, sink live.Sink) []*finding.Finding {
	discoverRuns := map[string]int{}
	claims := map[string]map[string]bool{}
	var findings []*finding.Finding
	seenID := map[string]bool{}

	for _, s := range seeds {
		if ctx.Err() != nil {
			break
		}
		lenses := []string{s.Lens}
		if r.Cfg.AutoLens {
			if auto := selector.LensesFor(s.Path); len(auto) > 0 {
				lenses = auto
				env.AutoLensedFiles++
			}
		}
		var f *finding.Finding
		for _, lens := range lenses {
			key := lens
			if key == "" {
				key = "none"
			}
			discoverRuns[key]++
			raw, err := r.Agent.Discover(ctx, s.Path, lens)
			if err != nil {
				env.Counts.Errors++
				r.Log.Warn("discover failed",
					zap.String("path", s.Path),
					zap.String("lens", lens),
					zap.Error(err),
				)
				continue
			}
			claim := claimFrom(raw, s.Path)
			if claims[key] == nil {
				claims[key] = map[string]bool{}
			}
			claims[key][claim] = true
			if f == nil {
				f = r.buildFinding(s, raw, claim, runID)
			}
		}
		if f == nil || seenID[f.FindingID] {
			continue
		}
		if err := store.Save(f); err != nil {
			env.Counts.Errors++
			r.Log.Warn("persist finding failed", zap.String("finding_id", f.FindingID), zap.Error(err))
			continue
		}
		seenID[f.FindingID] = true
		findings = append(findings, f)
		sink.Emit(live.Event{Kind: live.KindSeeded, FindingID: f.FindingID, Detail: s.Path})
	}

	env.DiscoverRunsByLens = discoverRuns
	env.UniqueClaimsPerLens = map[string]int{}
	for lens, set := range claims {
		env.UniqueClaimsPerLens[lens] = len(set)
	}
	return findings
}

func (r *Runner) buildFinding(s seed.Seed, raw json.RawMessage, claim string, runID string) *finding.Finding {
	abs := r.Root.Abs(s.Path)
	var size int64
	if info, err := os.Stat(abs); err == nil {
		size = info.Size()
	}
	return &finding.Finding{
		FindingID:           finding.ID(s.Path),
		SchemaVersion:       finding.SchemaVersion,
		OrchestratorVersion: r.Version,
		Claim:               claim,
		Files:               filesFrom(raw, s.Path),
		Evidence:            finding.SeedEvidence{Seed: raw},
		SeedSource:          s.Source,
		Provenance: finding.Provenance{
			RunID:     runID,
			CreatedAt: repopath.UTCNow(),
			InputHash: fileSHA1(abs),
			FileSize:  size,
			Path:      s.Path,
		},
		Status: finding.StatusSeeded,
	}
}

// openRunDir creates findings/run_<stamp>_<gitshort>, re-stamping on
// collision.
func (r *Runner) openRunDir() (string, string, error) {
	short := gitutil.ShortHead(r.Root.Dir())
	for attempt := 0; ; attempt++ {
		runID := fmt.Sprintf("run_%s_%s", r.now(), short)
		dir := filepath.Join(r.Cfg.FindingsDir, runID)
		err := os.MkdirAll(filepath.Dir(dir), 0o755)
		if err == nil {
			err = os.Mkdir(dir, 0o755)
		}
		if err == nil {
			return dir, runID, nil
		}
		if !os.IsExist(err) || attempt >= 3 {
			return "", "", fmt.Errorf("create run dir: %w", err)
		}
		time.Sleep(time.Second)
	}
}

func (r *Runner) openSink(runDir string) live.Sink {
	var mirror io.Writer
	if r.Cfg.Live {
		mirror = os.Stdout
	}
	sink, err := live.NewNDJSONSink(filepath.Join(runDir, "live.ndjson"), mirror, r.Cfg.LiveFormat)
	if err != nil {
		r.Log.Warn("live feed disabled", zap.Error(err))
		return live.NopSink{}
	}
	return sink
}

func writeEnvelope(runDir string, env *Envelope) error {
	if err := fsutil.WriteJSONAtomic(filepath.Join(runDir, "run.json"), env); err != nil {
		return fmt.Errorf("write run.json: %w", err)
	}
	return nil
}

func claimFrom(raw json.RawMessage, rel string) string {
	var v struct {
		Claim string `json:"claim"`
	}
	if err := json.Unmarshal(raw, &v); err == nil && v.Claim != "" {
		return v.Claim
	}
	return "Review " + rel
}

func filesFrom(raw json.RawMessage, rel string) []string {
	var v struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(raw, &v); err == nil && len(v.Files) > 0 {
		return v.Files
	}
	return []string{rel}
}

func fileSHA1(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
