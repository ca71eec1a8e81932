package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/harun/appgen/pkg/assembler"
	"github.com/harun/appgen/pkg/bootstrap"
	"github.com/harun/appgen/pkg/output"
)

func setupTestProcessor(t *testing.T) (*Processor, *assembler.Assembler, *output.Dir, *[]assembler.Event) {
	t.Helper()
	var events []assembler.Event
	files := assembler.New(func(e assembler.Event) { events = append(events, e) })
	dir, err := output.Open(t.TempDir(), "test")
	require.NoError(t, err)
	return New(zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)), files, dir, &events
}

func generate(t *testing.T, files *assembler.Assembler, dir *output.Dir, contents map[string]string) {
	t.Helper()
	for p, c := range contents {
		files.Put(p, c)
	}
	_, err := dir.WriteAll(contents)
	require.NoError(t, err)
}

func TestNormalizeManifest(t *testing.T) {
	got, err := NormalizeManifest(`{"name":"todo","dependencies":{"react":"18.2.0","express":"4.0.0"}}`)
	require.NoError(t, err)

	assert.Equal(t, "18.2.0", gjson.Get(got, "dependencies.react").String())
	for _, dep := range ForcedDependencies {
		assert.Equal(t, "latest", gjson.Get(got, "dependencies."+escapePath(dep)).String(), dep)
	}
	assert.Contains(t, got, "\n    \"name\": \"todo\"")
	assert.NotContains(t, got, "\n  \"name\"")
}

func TestNormalizeManifestCreatesDependencies(t *testing.T) {
	got, err := NormalizeManifest(`{"name":"todo"}`)
	require.NoError(t, err)
	assert.Equal(t, "latest", gjson.Get(got, `dependencies.socket\.io`).String())
}

func TestNormalizeManifestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `{"name": "todo",`},
		{"array", `["a"]`},
		{"dependencies not object", `{"dependencies": "react"}`},
		{"trailing literal", "{}\n/* FINISHED */"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeManifest(tt.content)
			assert.ErrorIs(t, err, ErrMalformedManifest)
		})
	}
}

func TestRunInjectsDefaults(t *testing.T) {
	p, files, dir, events := setupTestProcessor(t)
	p.Bundle = false
	generate(t, files, dir, map[string]string{"README.md": "# Todo\n"})

	require.NoError(t, p.Run(context.Background(), files, dir))

	c := files.Contents()
	assert.Equal(t, DefaultServerIndex, c[ServerEntry])
	assert.Equal(t, bootstrap.Runner(), c[bootstrap.RunnerPath])
	assert.Contains(t, c[ShellPath], `<div id="root"></div>`)
	assert.NotContains(t, c[ShellPath], "/dist/")

	onDisk, err := dir.ReadFile(bootstrap.RunnerPath)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.Runner(), onDisk)

	var finalized []string
	for _, e := range *events {
		if e.Kind == assembler.FileFinalized {
			finalized = append(finalized, e.Path)
		}
	}
	assert.Subset(t, finalized, []string{ServerEntry, bootstrap.RunnerPath, ShellPath})
}

func TestRunKeepsGeneratedServerEntry(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	p.Bundle = false
	generate(t, files, dir, map[string]string{ServerEntry: "import './run_express';\n"})

	require.NoError(t, p.Run(context.Background(), files, dir))
	assert.Equal(t, "import './run_express';\n", files.Contents()[ServerEntry])
}

func TestRunNormalizesManifest(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	p.Bundle = false
	generate(t, files, dir, map[string]string{ManifestPath: `{"dependencies":{"react":"latest"}}`})

	require.NoError(t, p.Run(context.Background(), files, dir))

	onDisk, err := dir.ReadFile(ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, "latest", gjson.Get(onDisk, "dependencies.express").String())
	assert.Equal(t, onDisk, files.Contents()[ManifestPath])
}

func TestRunSkipsMalformedManifest(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	p.Bundle = false
	generate(t, files, dir, map[string]string{ManifestPath: "not json"})

	require.NoError(t, p.Run(context.Background(), files, dir))
	assert.Equal(t, "not json", files.Contents()[ManifestPath])
}

func TestRunBundlesClient(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	generate(t, files, dir, map[string]string{
		"client/index.tsx": "import './index.css';\nconst id: string = 'root';\ndocument.getElementById(id);\n",
		"client/index.css": "body { margin: 0; }\n",
	})

	require.NoError(t, p.Run(context.Background(), files, dir))

	shell := files.Contents()[ShellPath]
	assert.Contains(t, shell, `<link rel="stylesheet" href="/dist/index.css" />`)
	assert.Contains(t, shell, `import '/dist/index.js';`)
	assert.FileExists(t, filepath.Join(dir.Path(), DistDir, "index.js"))
}

func TestRunFallsBackToTSEntry(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	generate(t, files, dir, map[string]string{"client/index.ts": "console.log('hi');\n"})

	require.NoError(t, p.Run(context.Background(), files, dir))
	assert.Contains(t, files.Contents()[ShellPath], `import '/dist/index.js';`)
}

func TestRunBuildFailureProducesBareShell(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	generate(t, files, dir, map[string]string{
		"client/index.tsx": "import { missing } from './nowhere';\nmissing();\n",
	})

	require.NoError(t, p.Run(context.Background(), files, dir))
	assert.Equal(t, Shell(nil), files.Contents()[ShellPath])
}

func TestRunWithoutOutput(t *testing.T) {
	p, files, _, _ := setupTestProcessor(t)
	require.NoError(t, p.Run(context.Background(), files, nil))
	assert.Contains(t, files.Contents(), ShellPath)
}

func TestRunHonorsCancellation(t *testing.T) {
	p, files, dir, _ := setupTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx, files, dir), context.Canceled)
}

func TestShell(t *testing.T) {
	got := Shell([]string{"index.css", "index.js", "chunk.map"})
	assert.Contains(t, got, `<link rel="stylesheet" href="/dist/index.css" />`)
	assert.Contains(t, got, `import '/dist/index.js';`)
	assert.NotContains(t, got, "chunk.map")
}
