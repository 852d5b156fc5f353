package pipeline

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/anchorsec/anchor/internal/finding"
)

var sinkKeywords = []string{"subprocess", "tarfile", "yaml.load"}

var taintKeywords = []string{"user-controlled", "taint", "entrypoint"}

// score computes the deterministic escalation heuristic for one condition:
// +2 for a successful observation with at least one citation, +2 when a
// cited region contains a sink keyword, +1 for taint language in the
// summary or notes.
func (e *Engine) score(c *finding.Condition) int {
	if len(c.Evidence) == 0 {
		return 0
	}
	var obs finding.Observation
	if err := json.Unmarshal([]byte(latestSuccessfulEvidence(c)), &obs); err != nil {
		return 0
	}

	score := 0
	isError := strings.HasPrefix(obs.Summary, "error:")
	if !isError && len(obs.Citations) > 0 {
		score += 2
	}
	if e.citedRegionHasSink(obs.Citations) {
		score += 2
	}
	text := strings.ToLower(obs.Summary + " " + obs.Notes)
	for _, kw := range taintKeywords {
		if strings.Contains(text, kw) {
			score++
			break
		}
	}
	return score
}

// citedRegionHasSink reads each cited line range and looks for a sink
// keyword.
func (e *Engine) citedRegionHasSink(citations []finding.Citation) bool {
	for _, cit := range citations {
		rel, err := e.Root.Rel(cit.Path)
		if err != nil {
			continue
		}
		b, err := os.ReadFile(e.Root.Abs(rel))
		if err != nil {
			continue
		}
		lines := strings.Split(string(b), "\n")
		start, end := cit.StartLine, cit.EndLine
		if start < 1 {
			start = 1
		}
		if end > len(lines) {
			end = len(lines)
		}
		for i := start; i <= end; i++ {
			for _, kw := range sinkKeywords {
				if strings.Contains(lines[i-1], kw) {
					return true
				}
			}
		}
	}
	return false
}
