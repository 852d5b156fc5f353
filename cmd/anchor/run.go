package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/anchorsec/anchor/internal/agent"
	"github.com/anchorsec/anchor/internal/codex"
	"github.com/anchorsec/anchor/internal/config"
	"github.com/anchorsec/anchor/internal/llm"
	"github.com/anchorsec/anchor/internal/repopath"
	"github.com/anchorsec/anchor/internal/runner"
)

var runFlags struct {
	manifest        string
	findingsDir     string
	repoRoot        string
	model           string
	reasoningEffort string
	serviceTier     string
	live            bool
	liveFormat      string
	gitSince        string
	gitWindow       int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one audit pass over the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &cfg)
		if verbose {
			cfg.Verbose = true
		}
		if cfg.Model == "" {
			cfg.Model = "gpt-5-codex"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log, err := newLogger(cfg.Verbose)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		root, err := repopath.NewRoot(cfg.RepoRoot)
		if err != nil {
			return err
		}

		dispatcher, err := codex.NewClient(codex.Options{
			Retries:        cfg.CodexRetries,
			NetworkSandbox: true,
			Semaphore:      semaphore.NewWeighted(int64(cfg.Workers)),
			Log:            log,
		})
		if err != nil {
			return err
		}
		llmClient, err := llm.NewClient(cfg.OpenAIRetries, log)
		if err != nil {
			return err
		}
		if cfg.MemoDir != "" {
			llmClient.MemoDir = cfg.MemoDir
		}
		taskAgent := agent.New(dispatcher, &root, log)

		r := runner.New(cfg, &root, llmClient, taskAgent, log, version)
		if err := r.Run(ctx); err != nil {
			log.Error("run failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	set := map[string]func(){
		"manifest":         func() { cfg.Manifest = runFlags.manifest },
		"findings-dir":     func() { cfg.FindingsDir = runFlags.findingsDir },
		"repo-root":        func() { cfg.RepoRoot = runFlags.repoRoot },
		"model":            func() { cfg.Model = runFlags.model },
		"reasoning-effort": func() { cfg.ReasoningEffort = runFlags.reasoningEffort },
		"service-tier":     func() { cfg.ServiceTier = runFlags.serviceTier },
		"live":             func() { cfg.Live = runFlags.live },
		"live-format":      func() { cfg.LiveFormat = runFlags.liveFormat },
		"git-since":        func() { cfg.GitSince = runFlags.gitSince },
		"git-window":       func() { cfg.GitWindowDays = runFlags.gitWindow },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.manifest, "manifest", "", "Seed manifest file, one repo-relative path per line")
	f.StringVar(&runFlags.findingsDir, "findings-dir", "", "Directory that receives run_<stamp> directories")
	f.StringVar(&runFlags.repoRoot, "repo-root", "", "Repository root to audit")
	f.StringVar(&runFlags.model, "model", "", "Judge model name")
	f.StringVar(&runFlags.reasoningEffort, "reasoning-effort", "", "Reasoning effort passed to reasoning models")
	f.StringVar(&runFlags.serviceTier, "service-tier", "", "Service tier for LLM calls")
	f.BoolVar(&runFlags.live, "live", false, "Mirror the event feed to stdout")
	f.StringVar(&runFlags.liveFormat, "live-format", "", "Live mirror format: text or json")
	f.StringVar(&runFlags.gitSince, "git-since", "", "Seed from files changed since this git ref")
	f.IntVar(&runFlags.gitWindow, "git-window", 0, "Seed from files changed in the last N days")
	rootCmd.AddCommand(runCmd)
}
