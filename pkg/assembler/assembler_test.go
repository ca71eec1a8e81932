package assembler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/harun/appgen/pkg/marker"
)

type recorder struct {
	events []Event
}

func (r *recorder) emit(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func feed(a *Assembler, chunks ...string) marker.Observation {
	a.BeginTurn()
	for _, c := range chunks {
		a.Append(c)
	}
	return a.EndTurn("")
}

func TestAssemblerTwoFiles(t *testing.T) {
	rec := &recorder{}
	a := New(rec.emit)

	obs := feed(a, "/* FILE: server/index.ts */\nfoo\n/* END_FILE */\n/* FILE: client/index.tsx */\nbar\n/* END_APP */")

	assert.True(t, obs.Terminal)
	assert.Equal(t, map[string]string{
		"server/index.ts":  "foo\n",
		"client/index.tsx": "bar\n",
	}, a.Contents())

	var finalized []string
	for _, e := range rec.events {
		if e.Kind == FileFinalized {
			finalized = append(finalized, e.Path)
		}
	}
	assert.Equal(t, []string{"server/index.ts", "client/index.tsx"}, finalized)
	_, active := a.Active()
	assert.False(t, active)
}

func TestAssemblerChunksNeverContainMarkers(t *testing.T) {
	rec := &recorder{}
	a := New(rec.emit)

	feed(a, "/* FI", "LE: a.ts */\nconst x = 1;\n/* END", "_FILE */")

	var chunks strings.Builder
	for _, e := range rec.events {
		if e.Kind == ChunkAppended {
			assert.NotContains(t, e.Text, "/*")
			chunks.WriteString(e.Text)
		}
	}
	assert.Equal(t, "const x = 1;\n", chunks.String())
}

func TestAssemblerStopSequenceClosesFile(t *testing.T) {
	a := New(nil)

	a.BeginTurn()
	a.Append("/* FILE: README.md */\n# Todo\n")
	_, active := a.Active()
	require.True(t, active)
	a.EndTurn(marker.EndOfFileLiteral)

	f, ok := a.File("README.md")
	require.True(t, ok)
	assert.True(t, f.Finalized)
	assert.Equal(t, "# Todo\n", f.Content)
}

func TestAssemblerLengthTruncationKeepsFileOpen(t *testing.T) {
	a := New(nil)

	feed(a, "/* FILE: big.ts */\nfirst half ")
	path, active := a.Active()
	require.True(t, active)
	assert.Equal(t, "big.ts", path)

	feed(a, "second half\n/* END_FILE */")
	f, _ := a.File("big.ts")
	assert.True(t, f.Finalized)
	assert.Equal(t, "first half second half\n", f.Content)
}

func TestAssemblerStripsFences(t *testing.T) {
	a := New(nil)
	feed(a, "/* FILE: a.ts */\n```typescript\nlet a = 1;\n```\n/* END_FILE */")
	f, _ := a.File("a.ts")
	assert.Equal(t, "let a = 1;\n", f.Content)
}

func TestAssemblerRepeatedPathReplaces(t *testing.T) {
	rec := &recorder{}
	a := New(rec.emit)

	feed(a, "/* FILE: a.ts */\nold\n/* END_FILE */")
	feed(a, "/* FILE: ./a.ts */\nnew\n/* END_FILE */")

	f, _ := a.File("a.ts")
	assert.Equal(t, "new\n", f.Content)
	assert.Len(t, a.Files(), 1)
	assert.Contains(t, rec.kinds(), FileReset)
}

func TestAssemblerTextOutsideFilesIsDropped(t *testing.T) {
	rec := &recorder{}
	a := New(rec.emit)
	feed(a, "Sure! Here you go:\n/* FILE: a */\nx/* END_FILE */ trailing talk")
	assert.Equal(t, map[string]string{"a": "x"}, a.Contents())
	for _, e := range rec.events {
		if e.Kind == ChunkAppended {
			assert.Equal(t, "a", e.Path)
		}
	}
}

func TestAssemblerIgnoresEmptyPath(t *testing.T) {
	a := New(nil)
	feed(a, "/* FILE: ./ */\nlost\n/* END_FILE */\n/* FILE: a.ts */\nx\n/* END_FILE */")

	files := a.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "a.ts", files[0].Path)
	assert.True(t, files[0].Finalized)
	assert.Equal(t, "x\n", files[0].Content)
}

func TestAssemblerIgnoresTextAfterTerminalMarker(t *testing.T) {
	a := New(nil)
	feed(a, "/* FILE: a */\nx\n/* FINISHED */\n/* FILE: b */\ny")
	assert.Equal(t, map[string]string{"a": "x\n"}, a.Contents())
}

func TestAssemblerRollback(t *testing.T) {
	t.Run("restores open file and discards new ones", func(t *testing.T) {
		rec := &recorder{}
		a := New(rec.emit)

		feed(a, "/* FILE: a.ts */\nkept ")

		a.BeginTurn()
		a.Append("lost\n/* END_FILE */\n/* FILE: b.ts */\nghost")
		rec.events = nil
		a.Rollback()

		assert.Equal(t, []EventKind{FileReset, FileDiscarded}, rec.kinds())
		assert.Equal(t, "kept ", rec.events[0].Text)
		_, ok := a.File("b.ts")
		assert.False(t, ok)

		feed(a, "again\n/* END_FILE */")
		f, _ := a.File("a.ts")
		assert.Equal(t, "kept again\n", f.Content)
	})

	t.Run("restores a reopened finalized file", func(t *testing.T) {
		rec := &recorder{}
		a := New(rec.emit)
		feed(a, "/* FILE: a.ts */\nv1\n/* END_FILE */")

		a.BeginTurn()
		a.Append("/* FILE: a.ts */\nv2 partial")
		rec.events = nil
		a.Rollback()

		require.Len(t, rec.events, 1)
		assert.Equal(t, FileFinalized, rec.events[0].Kind)
		assert.Equal(t, "v1\n", rec.events[0].Text)
		f, _ := a.File("a.ts")
		assert.Equal(t, "v1\n", f.Content)
		assert.True(t, f.Finalized)
	})

	t.Run("untouched files emit nothing", func(t *testing.T) {
		rec := &recorder{}
		a := New(rec.emit)
		feed(a, "/* FILE: a.ts */\nv1\n/* END_FILE */")

		a.BeginTurn()
		a.Append("some preamble")
		rec.events = nil
		a.Rollback()
		assert.Empty(t, rec.events)
	})
}

func TestAssemblerClose(t *testing.T) {
	a := New(nil)
	a.BeginTurn()
	a.Append("/* FILE: partial.ts */\nhalf")
	a.Close()

	f, ok := a.File("partial.ts")
	require.True(t, ok)
	assert.True(t, f.Finalized)
	assert.Equal(t, "half", f.Content)
}

func TestAssemblerPut(t *testing.T) {
	rec := &recorder{}
	a := New(rec.emit)
	a.Put("./server/index.ts", "default")

	f, ok := a.File("server/index.ts")
	require.True(t, ok)
	assert.Equal(t, "default", f.Content)
	assert.Equal(t, []EventKind{FileFinalized}, rec.kinds())
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a\nb\n", "a\nb\n"},
		{"fences", "```ts\na\n```\n", "a\n"},
		{"fence without newline", "a\n```", "a\n"},
		{"nested fences", "```\n```js\na\n```\n```\n", "a\n"},
		{"inner fence kept", "a\n```\nb\n", "a\n```\nb\n"},
		{"literals", "{}\n/* FINISHED */", "{}\n"},
		{"file marker", "/* FILE: x.ts */x", "x"},
		{"fence revealed by literal", "```\n/* END_FILE */", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Strip(tt.in))
		})
	}
}

func genContent(t *rapid.T, label string) string {
	parts := rapid.SliceOfN(rapid.SampledFrom([]string{
		"a", "b", "z", " ", "\n", "\t", "{", "}", "(", ")", ";", "*", "=", "\"",
	}), 0, 30).Draw(t, label)
	return strings.Join(parts, "")
}

type pair struct {
	path    string
	content string
}

func genStream(t *rapid.T) ([]pair, string) {
	n := rapid.IntRange(1, 6).Draw(t, "files")
	pairs := make([]pair, n)
	var b strings.Builder
	for i := range pairs {
		path := fmt.Sprintf("src/file%d.ts", i)
		prefix := ""
		if rapid.Bool().Draw(t, "dotslash") {
			prefix = "./"
		}
		pairs[i] = pair{path: path, content: genContent(t, "content")}
		b.WriteString("/* FILE: " + prefix + path + " */\n")
		b.WriteString(pairs[i].content)
		b.WriteString(marker.EndOfFileLiteral)
		b.WriteString("\n")
	}
	return pairs, b.String()
}

func split(t *rapid.T, s string) []string {
	var chunks []string
	for len(s) > 0 {
		n := rapid.IntRange(1, len(s)).Draw(t, "chunk")
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pairs, stream := genStream(t)
		a := New(nil)
		feed(a, stream)

		got := a.Contents()
		if len(got) != len(pairs) {
			t.Fatalf("got %d files, want %d", len(got), len(pairs))
		}
		for _, p := range pairs {
			if got[p.path] != p.content {
				t.Fatalf("%s: got %q want %q", p.path, got[p.path], p.content)
			}
		}
	})
}

func TestSplitBoundaryInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, stream := genStream(t)

		whole := New(nil)
		feed(whole, stream)

		var chunks []Event
		pieces := New(func(e Event) { chunks = append(chunks, e) })
		feed(pieces, split(t, stream)...)

		want, got := whole.Contents(), pieces.Contents()
		if len(want) != len(got) {
			t.Fatalf("file count differs: %d vs %d", len(want), len(got))
		}
		for path, content := range want {
			if got[path] != content {
				t.Fatalf("%s differs: %q vs %q", path, got[path], content)
			}
		}

		// concatenated live chunks agree with the finalized content
		live := map[string]string{}
		for _, e := range chunks {
			if e.Kind == ChunkAppended {
				live[e.Path] += e.Text
			}
		}
		for path, content := range want {
			if live[path] != content {
				t.Fatalf("%s live chunks %q != %q", path, live[path], content)
			}
		}
	})
}

func TestStripIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom([]string{
			"a", "\n", " ", "```", "```ts", "/* END_FILE */", "/* FINISHED */", "/* FILE: a.ts */", "/*", "*/",
		}), 0, 30).Draw(t, "parts")
		once := Strip(strings.Join(parts, ""))
		if twice := Strip(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q", once, twice)
		}
	})
}

func TestSingleWriter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, stream := genStream(t)

		var active string
		a := New(func(e Event) {
			switch e.Kind {
			case ChunkAppended:
				if active == "" {
					active = e.Path
				}
				if e.Path != active {
					t.Fatalf("chunk for %s while %s is open", e.Path, active)
				}
			case FileFinalized:
				if active != "" && e.Path != active {
					t.Fatalf("finalized %s while %s is open", e.Path, active)
				}
				active = ""
			}
		})
		feed(a, split(t, stream)...)
	})
}
