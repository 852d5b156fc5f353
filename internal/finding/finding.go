// Package finding holds the per-claim record the pipeline mutates and
// persists. The on-disk finding_<id>.json files are the single source of
// truth; everything in memory is reconstructable from them.
package finding

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const SchemaVersion = 1

// ConditionState is the resolution state of one condition.
type ConditionState string

const (
	StateUnknown   ConditionState = "unknown"
	StateSatisfied ConditionState = "satisfied"
	StateFailed    ConditionState = "failed"
)

// ParseConditionState validates a wire-level state string.
func ParseConditionState(s string) (ConditionState, error) {
	switch ConditionState(s) {
	case StateUnknown, StateSatisfied, StateFailed:
		return ConditionState(s), nil
	}
	return "", fmt.Errorf("unknown condition state %q", s)
}

// VerdictState is the final adjudication of a finding.
type VerdictState string

const (
	VerdictTruePositive  VerdictState = "TRUE_POSITIVE"
	VerdictFalsePositive VerdictState = "FALSE_POSITIVE"
	VerdictUnknown       VerdictState = "UNKNOWN"
)

// ParseVerdictState validates a wire-level verdict string.
func ParseVerdictState(s string) (VerdictState, error) {
	switch VerdictState(s) {
	case VerdictTruePositive, VerdictFalsePositive, VerdictUnknown:
		return VerdictState(s), nil
	}
	return "", fmt.Errorf("unknown verdict state %q", s)
}

// Finding status values.
const (
	StatusSeeded    = "seeded"
	StatusProcessed = "processed"
)

// Seed sources.
const (
	SourceManual  = "manual"
	SourceHotspot = "hotspot"
	SourceDiff    = "diff"
	SourceDep     = "dep"
)

// Citation points into a specific line range of a repo-relative file.
type Citation struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	SHA1      string `json:"sha1,omitempty"`
}

// Observation is a validated exec-stage reply. If Summary starts with
// "error:" then Citations must be empty.
type Observation struct {
	SchemaVersion int        `json:"schema_version"`
	Stage         string     `json:"stage"`
	Summary       string     `json:"summary"`
	Citations     []Citation `json:"citations"`
	Notes         string     `json:"notes,omitempty"`
}

// Condition is one objectively checkable predicate with its ACCEPT/REJECT
// contract. Evidence is append-only; Subconditions form a tree owned by the
// parent.
type Condition struct {
	Description    string         `json:"description"`
	Why            string         `json:"why"`
	Accept         string         `json:"accept"`
	Reject         string         `json:"reject"`
	SuggestedTasks []string       `json:"suggested_tasks"`
	State          ConditionState `json:"state"`
	Rationale      string         `json:"rationale"`
	Evidence       []string       `json:"evidence"`
	EvidenceRefs   []int          `json:"evidence_refs"`
	Subconditions  []*Condition   `json:"subconditions"`
	UsedVerbs      []string       `json:"used_verbs"`
	LastVerb       string         `json:"last_verb"`
}

// AppendEvidence records one raw observation JSON blob. Past entries are
// never rewritten.
func (c *Condition) AppendEvidence(raw string) {
	c.Evidence = append(c.Evidence, raw)
}

// MarkVerb records an executed operation-class verb.
func (c *Condition) MarkVerb(verb string) {
	if verb == "" {
		return
	}
	c.LastVerb = verb
	for _, v := range c.UsedVerbs {
		if v == verb {
			return
		}
	}
	c.UsedVerbs = append(c.UsedVerbs, verb)
}

// HasUsedVerb reports whether verb was executed for this condition before.
func (c *Condition) HasUsedVerb(verb string) bool {
	for _, v := range c.UsedVerbs {
		if v == verb {
			return true
		}
	}
	return false
}

// ExecutedTask is one entry of a tasks_log batch.
type ExecutedTask struct {
	Task        string          `json:"task"`
	InputSHA1   string          `json:"input_sha1"`
	Observation json.RawMessage `json:"observation,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// TaskBatch is one EXEC round for a condition, appended to tasks_log.
type TaskBatch struct {
	Condition string         `json:"condition"`
	Executed  []ExecutedTask `json:"executed"`
}

// Verdict is the finding-level outcome.
type Verdict struct {
	State  VerdictState `json:"state"`
	Reason string       `json:"reason"`
}

// Provenance records where and when a finding was seeded.
type Provenance struct {
	RunID     string `json:"run_id"`
	CreatedAt string `json:"created_at"`
	InputHash string `json:"input_hash"`
	FileSize  int64  `json:"file_size"`
	Path      string `json:"path"`
}

// SeedEvidence wraps the discovery-stage reply verbatim.
type SeedEvidence struct {
	Seed json.RawMessage `json:"seed"`
}

// Finding is the persisted per-claim record.
type Finding struct {
	FindingID           string       `json:"finding_id"`
	SchemaVersion       int          `json:"schema_version"`
	OrchestratorVersion string       `json:"orchestrator_version"`
	Claim               string       `json:"claim"`
	Files               []string     `json:"files"`
	Evidence            SeedEvidence `json:"evidence"`
	SeedSource          string       `json:"seed_source"`
	Provenance          Provenance   `json:"provenance"`
	Status              string       `json:"status"`
	Conditions          []*Condition `json:"conditions"`
	TasksLog            []TaskBatch  `json:"tasks_log"`
	Verdict             *Verdict     `json:"verdict,omitempty"`
}

// PrimaryFile is the first referenced file, the one the claim is anchored to.
func (f *Finding) PrimaryFile() string {
	if len(f.Files) == 0 {
		return ""
	}
	return f.Files[0]
}

// ID derives the stable finding identifier from a repo-relative path:
// the first 12 hex chars of its SHA-1. Stable across runs by construction.
func ID(relPath string) string {
	sum := sha1.Sum([]byte(relPath))
	return hex.EncodeToString(sum[:])[:12]
}

// InputSHA1 is the content address of one task string, used to order EXEC
// results deterministically.
func InputSHA1(task string) string {
	sum := sha1.Sum([]byte(task))
	return hex.EncodeToString(sum[:])
}
