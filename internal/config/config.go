// Package config collects the run configuration from defaults, an optional
// YAML file, and ANCHOR_* environment flags. Precedence: flags over env over
// file over defaults; the flag layer is applied by the CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full run configuration.
type Config struct {
	Manifest        string `yaml:"manifest"`
	FindingsDir     string `yaml:"findings_dir"`
	RepoRoot        string `yaml:"repo_root"`
	Model           string `yaml:"model"`
	ReasoningEffort string `yaml:"reasoning_effort"`
	ServiceTier     string `yaml:"service_tier"`
	Live            bool   `yaml:"live"`
	LiveFormat      string `yaml:"live_format"`
	Verbose         bool   `yaml:"verbose"`
	GitSince        string `yaml:"git_since"`
	GitWindowDays   int    `yaml:"git_window_days"`

	OpenAIRetries     int      `yaml:"openai_retries"`
	CodexRetries      int      `yaml:"codex_retries"`
	Hotspots          bool     `yaml:"hotspots"`
	HotspotCategories []string `yaml:"hotspot_categories"`
	AutoLens          bool     `yaml:"auto_lens"`
	PlanDiversity     bool     `yaml:"plan_diversity"`
	BFSBudget         int      `yaml:"bfs_budget"`
	Workers           int      `yaml:"workers"`
	MemoDir           string   `yaml:"memo_dir"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Manifest:      "manifest.txt",
		FindingsDir:   "findings",
		RepoRoot:      ".",
		LiveFormat:    "text",
		GitWindowDays: 14,
		OpenAIRetries: 3,
		CodexRetries:  3,
		Hotspots:      true,
		AutoLens:      true,
		PlanDiversity: true,
		BFSBudget:     10,
		Workers:       4,
	}
}

// Load builds the configuration from defaults, then the optional file, then
// the environment.
func Load(file string) (Config, error) {
	cfg := Defaults()
	if file != "" {
		if err := cfg.applyFile(file); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyFile strict-decodes a YAML config file over the current values.
func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.OpenAIRetries = envInt("ANCHOR_OPENAI_RETRIES", c.OpenAIRetries)
	c.CodexRetries = envInt("ANCHOR_CODEX_RETRIES", c.CodexRetries)
	c.Hotspots = envBool("ANCHOR_HOTSPOTS", c.Hotspots)
	if v, ok := os.LookupEnv("ANCHOR_HOTSPOT_CATEGORIES"); ok {
		c.HotspotCategories = splitList(v)
	}
	c.AutoLens = envBool("ANCHOR_AUTO_LENS", c.AutoLens)
	c.PlanDiversity = envBool("ANCHOR_PLAN_DIVERSITY", c.PlanDiversity)
	c.BFSBudget = envInt("ANCHOR_BFS_BUDGET", c.BFSBudget)
	c.Workers = envInt("ANCHOR_WORKERS", c.Workers)
	if v, ok := os.LookupEnv("ANCHOR_LIVE"); ok {
		c.Live = parseBool(v, c.Live)
	}
	if v, ok := os.LookupEnv("ANCHOR_LIVE_FORMAT"); ok {
		c.LiveFormat = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("ANCHOR_GIT_SINCE"); ok {
		c.GitSince = strings.TrimSpace(v)
	}
	c.GitWindowDays = envInt("ANCHOR_GIT_WINDOW", c.GitWindowDays)
	if v, ok := os.LookupEnv("LLM_MEMO_DIR"); ok {
		c.MemoDir = strings.TrimSpace(v)
	}
}

// Validate rejects values no component can act on.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.BFSBudget < 0 {
		return fmt.Errorf("bfs budget must be >= 0, got %d", c.BFSBudget)
	}
	switch c.LiveFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("live format must be text or json, got %q", c.LiveFormat)
	}
	return nil
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return parseBool(v, def)
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
