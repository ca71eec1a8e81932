// Package postprocess finishes a completed app: it normalizes the manifest,
// injects the files every app needs and bundles the client.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"

	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/pkg/assembler"
	"github.com/harun/appgen/pkg/bootstrap"
)

const (
	// ServerEntry is the generated server entry point
	ServerEntry = "server/index.ts"
	// ShellPath is the HTML shell served by the runner
	ShellPath = "server/index.html"
	// DistDir receives the bundled client
	DistDir = "dist"
)

// ClientEntries are tried in order as the client bundle entry point
var ClientEntries = []string{"client/index.tsx", "client/index.ts"}

// DefaultServerIndex is injected when the app did not generate a server entry
const DefaultServerIndex = `import { app, io } from './run_express';
app.get("/robots.txt", (req, res) => {
  res.send("who's the robot here?");
});`

// Output is where injected files are persisted
type Output interface {
	Path() string
	WriteFile(rel, content string) error
	Exists(rel string) bool
}

// Processor runs the post-processing steps
type Processor struct {
	logger zerolog.Logger
	// Bundle enables client bundling; it needs an output directory
	Bundle bool
}

// New creates a processor with bundling enabled
func New(logger zerolog.Logger) *Processor {
	return &Processor{
		logger: logger.With().Str("component", "postprocess").Logger(),
		Bundle: true,
	}
}

// Run post-processes the files of a completed session. Every injected file
// goes through files.Put so consumers see it, and is written to out when out
// is not nil. A malformed manifest or a failed client build is logged and
// skipped; only write failures and ctx cancellation are returned.
func (p *Processor) Run(ctx context.Context, files *assembler.Assembler, out Output) error {
	steps := []struct {
		name string
		fn   func(context.Context, *assembler.Assembler, Output) error
	}{
		{"manifest", p.manifest},
		{"server_entry", p.serverEntry},
		{"runner", p.runner},
		{"shell", p.shell},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := step.fn(ctx, files, out)
		observability.RecordPostprocessStep(step.name, err == nil)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (p *Processor) manifest(_ context.Context, files *assembler.Assembler, out Output) error {
	f, ok := files.File(ManifestPath)
	if !ok {
		return nil
	}
	normalized, err := NormalizeManifest(f.Content)
	if err != nil {
		if errors.Is(err, ErrMalformedManifest) {
			p.logger.Warn().Err(err).Msg("Skipping manifest normalization")
			return nil
		}
		return err
	}
	p.logger.Debug().Msg("package.json updated")
	return put(files, out, ManifestPath, normalized)
}

func (p *Processor) serverEntry(_ context.Context, files *assembler.Assembler, out Output) error {
	if f, ok := files.File(ServerEntry); ok && strings.TrimSpace(f.Content) != "" {
		return nil
	}
	p.logger.Debug().Msg("Injecting default server entry")
	return put(files, out, ServerEntry, DefaultServerIndex)
}

func (p *Processor) runner(_ context.Context, files *assembler.Assembler, out Output) error {
	return put(files, out, bootstrap.RunnerPath, bootstrap.Runner())
}

func (p *Processor) shell(_ context.Context, files *assembler.Assembler, out Output) error {
	var assets []string
	if p.Bundle && out != nil {
		var err error
		assets, err = p.bundle(files, out)
		if err != nil {
			p.logger.Error().Err(err).Msg("Error building client")
			assets = nil
		}
	}
	return put(files, out, ShellPath, Shell(assets))
}

// bundle builds the client entry with esbuild and returns the produced
// asset file names.
func (p *Processor) bundle(files *assembler.Assembler, out Output) ([]string, error) {
	var entry string
	for _, candidate := range ClientEntries {
		if _, ok := files.File(candidate); ok && out.Exists(candidate) {
			entry = candidate
			break
		}
	}
	if entry == "" {
		return nil, errors.New("no client entry point")
	}

	dir, err := filepath.Abs(out.Path())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := api.Build(api.BuildOptions{
		AbsWorkingDir: dir,
		EntryPoints:   []string{filepath.Join(dir, filepath.FromSlash(entry))},
		Outdir:        filepath.Join(dir, DistDir),
		Bundle:        true,
		Write:         true,
		Format:        api.FormatESModule,
		LogLevel:      api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			msgs = append(msgs, m.Text)
		}
		return nil, fmt.Errorf("esbuild %s: %s", entry, strings.Join(msgs, "; "))
	}

	assets := make([]string, 0, len(result.OutputFiles))
	for _, f := range result.OutputFiles {
		assets = append(assets, filepath.Base(f.Path))
	}
	sort.Strings(assets)

	p.logger.Debug().
		Str("entry", entry).
		Strs("assets", assets).
		Dur("duration", time.Since(start)).
		Msg("Client bundled")
	return assets, nil
}

// Shell renders the HTML page that loads the bundled assets from /dist/
func Shell(assets []string) string {
	var css, js []string
	for _, a := range assets {
		switch path.Ext(a) {
		case ".css":
			css = append(css, `<link rel="stylesheet" href="/dist/`+a+`" />`)
		case ".js":
			js = append(js, `import '/dist/`+a+`';`)
		}
	}

	var b strings.Builder
	b.WriteString("<!doctype html>\n<html>\n")
	for _, l := range css {
		b.WriteString("  " + l + "\n")
	}
	b.WriteString(`  <meta name="viewport" content="width=device-width, initial-scale=1" />` + "\n")
	b.WriteString(`  <script type="module">` + "\n")
	for _, l := range js {
		b.WriteString("    " + l + "\n")
	}
	b.WriteString("  </script>\n")
	b.WriteString(`  <div id="root"></div>` + "\n")
	b.WriteString("</html>\n")
	return b.String()
}

func put(files *assembler.Assembler, out Output, rel, content string) error {
	files.Put(rel, content)
	if out == nil {
		return nil
	}
	return out.WriteFile(rel, content)
}
