// Package bootstrap holds the runner file every generated project is
// started with. Its head is shown to the model in the first prompt; the
// whole file is written into the project after generation.
package bootstrap

import (
	_ "embed"
	"strings"
)

// RunnerPath is where the runner lives inside a generated project
const RunnerPath = "server/run_express.ts"

// promptCut separates the part of the runner shown to the model from the
// part that only runs in the generated project.
const promptCut = "/* PROMPT_IGNORE */"

//go:embed assets/run_express.ts
var runner string

// Runner returns the complete runner file
func Runner() string {
	return runner
}

// PromptSnippet returns the part of the runner shown in the first prompt
func PromptSnippet() string {
	head, _, _ := strings.Cut(runner, promptCut)
	return strings.TrimSpace(head)
}
