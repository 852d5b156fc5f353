package agent

import (
	"fmt"
	"strings"
)

// banner is the fixed system-role text prefixed to every Codex prompt.
const banner = "Deterministic security auditor. No network. No writes. JSON only.\n" +
	"You are one stage in a fixed pipeline; your JSON output is consumed verbatim by the next stage."

func buildDiscoverPrompt(relPath, lens string) string {
	var b strings.Builder
	b.WriteString(banner)
	b.WriteString("\n\nSTAGE: discover\n\n")
	fmt.Fprintf(&b, "Audit the file %s for one concrete, falsifiable security claim.\n", relPath)
	if lens != "" {
		fmt.Fprintf(&b, "Bias the search toward the %q vulnerability class.\n", lens)
	}
	b.WriteString("\nRespond with exactly one JSON object:\n")
	b.WriteString(`{"schema_version":1,"stage":"discover","claim":"<one falsifiable sentence>",` +
		`"evidence":{"highlights":[{"path":"<repo-relative>","region":{"start_line":N,"end_line":N},"why":"<reason>"}]}}`)
	b.WriteString("\n1 to 3 highlights. Paths must be repository-relative.\n")
	return b.String()
}

func buildExecPrompt(relPath, goal string) string {
	var b strings.Builder
	b.WriteString(banner)
	b.WriteString("\n\nSTAGE: exec\n\n")
	fmt.Fprintf(&b, "Target file: %s\nTask: %s\n", relPath, goal)
	b.WriteString("\nRespond with exactly one JSON object:\n")
	b.WriteString(`{"schema_version":1,"stage":"exec","summary":"<what you established>",` +
		`"citations":[{"path":"<repo-relative>","start_line":N,"end_line":N}],"notes":"<optional detail>"}`)
	b.WriteString("\nEvery code claim needs a citation into a specific line range.\n")
	b.WriteString("If the task cannot be completed, set summary to a string starting with \"error:\" and leave citations empty.\n")
	return b.String()
}
