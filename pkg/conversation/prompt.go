package conversation

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/harun/appgen/pkg/bootstrap"
)

// ContinuePrompt is appended as a user turn after every non-final reply
const ContinuePrompt = "OK. print next file, if any. You can say /* FINISHED */ when done."

//go:embed prompts/first_turn.tmpl
var firstTurnSource string

var firstTurn = template.Must(template.New("first_turn").Parse(firstTurnSource))

// BuildPrompt renders the first user turn for a description. The runner
// snippet is delivered as prompt content and is never scanned for markers.
func BuildPrompt(description string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", fmt.Errorf("empty app description")
	}

	var b strings.Builder
	err := firstTurn.Execute(&b, struct {
		Description string
		RunnerPath  string
		Runner      string
	}{
		Description: description,
		RunnerPath:  bootstrap.RunnerPath,
		Runner:      bootstrap.PromptSnippet(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
