package postprocess

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestPath is the generated app's package manifest
const ManifestPath = "package.json"

// ErrMalformedManifest is returned when package.json is not a usable manifest
var ErrMalformedManifest = errors.New("malformed package.json")

// ManifestSchema is the minimal shape a manifest needs to be normalized
const ManifestSchema = `{
	"type": "object",
	"properties": {
		"dependencies": {"type": "object"}
	}
}`

// ForcedDependencies are the packages the runner needs, pinned to latest
var ForcedDependencies = []string{
	"esbuild",
	"socket.io",
	"socket.io-client",
	"cookie-parser",
	"express",
}

var manifestSchema = gojsonschema.NewStringLoader(ManifestSchema)

var prettyOptions = &pretty.Options{Width: 80, Indent: "    "}

// NormalizeManifest validates a package.json, forces the runner dependencies
// to "latest" and re-indents it with four spaces.
func NormalizeManifest(content string) (string, error) {
	if !gjson.Valid(content) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMalformedManifest)
	}

	result, err := gojsonschema.Validate(manifestSchema, gojsonschema.NewStringLoader(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return "", fmt.Errorf("%w: %s", ErrMalformedManifest, strings.Join(msgs, "; "))
	}

	doc := content
	for _, dep := range ForcedDependencies {
		doc, err = sjson.Set(doc, "dependencies."+escapePath(dep), "latest")
		if err != nil {
			return "", fmt.Errorf("failed to set dependency %s: %w", dep, err)
		}
	}

	out := pretty.PrettyOptions([]byte(doc), prettyOptions)
	return strings.TrimRight(string(out), "\n"), nil
}

func escapePath(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}
