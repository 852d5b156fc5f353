// Command anchor audits a Python repository: it seeds security claims,
// gathers evidence through a sandboxed codex subprocess, and adjudicates
// each claim with an LLM judge.
package main

func main() {
	Execute()
}
