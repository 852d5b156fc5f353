package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	if c.OpenAIRetries != 3 || c.CodexRetries != 3 || c.BFSBudget != 10 || c.Workers != 4 || c.GitWindowDays != 14 {
		t.Fatalf("numeric defaults wrong: %+v", c)
	}
	if !c.Hotspots || !c.AutoLens || !c.PlanDiversity {
		t.Fatalf("feature flags should default on: %+v", c)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANCHOR_OPENAI_RETRIES", "5")
	t.Setenv("ANCHOR_CODEX_RETRIES", "1")
	t.Setenv("ANCHOR_HOTSPOTS", "off")
	t.Setenv("ANCHOR_HOTSPOT_CATEGORIES", "subprocess, serialization")
	t.Setenv("ANCHOR_BFS_BUDGET", "2")
	t.Setenv("ANCHOR_WORKERS", "8")
	t.Setenv("ANCHOR_GIT_WINDOW", "30")
	t.Setenv("LLM_MEMO_DIR", "/tmp/memo")

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.OpenAIRetries != 5 || c.CodexRetries != 1 || c.BFSBudget != 2 || c.Workers != 8 || c.GitWindowDays != 30 {
		t.Fatalf("env ints not applied: %+v", c)
	}
	if c.Hotspots {
		t.Fatalf("ANCHOR_HOTSPOTS=off ignored")
	}
	if len(c.HotspotCategories) != 2 || c.HotspotCategories[0] != "subprocess" {
		t.Fatalf("categories = %v", c.HotspotCategories)
	}
	if c.MemoDir != "/tmp/memo" {
		t.Fatalf("memo dir = %q", c.MemoDir)
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchor.yaml")
	if err := os.WriteFile(path, []byte("workers: 2\nbfs_budget: 7\nmodel: gpt-5-codex\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ANCHOR_WORKERS", "6")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Workers != 6 {
		t.Fatalf("env should win over file: workers = %d", c.Workers)
	}
	if c.BFSBudget != 7 || c.Model != "gpt-5-codex" {
		t.Fatalf("file values not applied: %+v", c)
	}
}

func TestLoad_UnknownFileFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchor.yaml")
	if err := os.WriteFile(path, []byte("workrs: 2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("typoed config field accepted")
	}
}

func TestValidate(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	c.Workers = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("workers=0 accepted")
	}
	c = Defaults()
	c.LiveFormat = "xml"
	if err := c.Validate(); err == nil {
		t.Fatalf("live format xml accepted")
	}
}
