package assembler

import (
	"github.com/harun/appgen/pkg/marker"
)

// EventKind identifies an assembler event
type EventKind int

const (
	// ChunkAppended carries settled text appended to the active file
	ChunkAppended EventKind = iota + 1
	// FileFinalized carries the authoritative content of a closed file
	FileFinalized
	// FileReset replaces a still-open file's content with Text
	FileReset
	// FileDiscarded drops a file that only a rolled-back attempt created
	FileDiscarded
)

func (k EventKind) String() string {
	switch k {
	case ChunkAppended:
		return "chunk-appended"
	case FileFinalized:
		return "file-finalized"
	case FileReset:
		return "file-reset"
	case FileDiscarded:
		return "file-discarded"
	default:
		return "unknown"
	}
}

// Event is emitted synchronously, in stream order
type Event struct {
	Kind EventKind
	Path string
	Text string
}

// File is a snapshot of one file record
type File struct {
	Path      string
	Content   string
	Finalized bool
}

type record struct {
	path      string
	raw       []byte
	content   string
	finalized bool
}

func (r *record) snapshot() File {
	f := File{Path: r.path, Finalized: r.finalized}
	if r.finalized {
		f.Content = r.content
	} else {
		f.Content = string(r.raw)
	}
	return f
}

type recordState struct {
	rec       *record
	n         int
	content   string
	finalized bool
}

type checkpoint struct {
	files       map[string]recordState
	order       []string
	active      string
	skipNewline bool
}

// Assembler owns the file map of one session.
//
// Text is attributed to at most one active file at a time. A File-Start
// marker for a path that already has a record starts a fresh write for that
// path: a FileReset with empty content is emitted and the new content
// replaces the old one once finalized.
type Assembler struct {
	emit  func(Event)
	files map[string]*record
	order []string

	active      string
	skipNewline bool

	scanner *marker.Scanner
	halted  bool
	cp      *checkpoint
}

// New creates an assembler that reports to emit. emit may be nil.
func New(emit func(Event)) *Assembler {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Assembler{
		emit:  emit,
		files: make(map[string]*record),
	}
}

// BeginTurn starts a new upstream attempt and checkpoints the file map so
// the attempt can be rolled back.
func (a *Assembler) BeginTurn() {
	a.scanner = marker.NewScanner()
	a.halted = false
	a.cp = a.checkpoint()
}

// Append feeds one text delta of the current attempt.
func (a *Assembler) Append(delta string) {
	if a.scanner == nil {
		a.BeginTurn()
	}
	a.apply(a.scanner.Feed(delta))
}

// EndTurn settles the attempt. stopSequence is the stop literal reported by
// the upstream service, if any; it closes the active file like an in-text
// marker would.
func (a *Assembler) EndTurn(stopSequence string) marker.Observation {
	if a.scanner == nil {
		a.BeginTurn()
	}
	a.apply(a.scanner.Flush())
	if kind, ok := marker.KindOf(stopSequence); ok && !a.halted {
		a.handle(marker.Marker{Kind: kind})
	}
	obs := a.scanner.Observation()
	a.scanner = nil
	a.cp = nil
	return obs
}

// Rollback undoes everything the current attempt did to the file map and
// emits the corrections consumers need to get back in sync.
func (a *Assembler) Rollback() {
	cp := a.cp
	a.scanner = nil
	a.halted = false
	a.cp = nil
	if cp == nil {
		return
	}

	current := a.order
	for _, path := range current {
		rec := a.files[path]
		st, existed := cp.files[path]
		if !existed {
			delete(a.files, path)
			a.emit(Event{Kind: FileDiscarded, Path: path})
			continue
		}
		touched := rec != st.rec || len(st.rec.raw) != st.n || st.rec.finalized != st.finalized
		st.rec.raw = st.rec.raw[:st.n]
		st.rec.content = st.content
		st.rec.finalized = st.finalized
		a.files[path] = st.rec
		if !touched {
			continue
		}
		if st.finalized {
			a.emit(Event{Kind: FileFinalized, Path: path, Text: st.content})
		} else {
			a.emit(Event{Kind: FileReset, Path: path, Text: string(st.rec.raw)})
		}
	}

	a.order = cp.order
	a.active = cp.active
	a.skipNewline = cp.skipNewline
}

// Close finalizes the active file, if any. Files already finalized are kept.
func (a *Assembler) Close() {
	if a.scanner != nil {
		a.apply(a.scanner.Flush())
		a.scanner = nil
		a.cp = nil
	}
	a.finalizeActive()
}

// Put stores a finalized file produced outside the stream, replacing any
// record for the same path.
func (a *Assembler) Put(path, content string) {
	path = marker.NormalizePath(path)
	if path == a.active {
		a.active = ""
		a.skipNewline = false
	}
	if _, ok := a.files[path]; !ok {
		a.order = append(a.order, path)
	}
	a.files[path] = &record{path: path, content: content, finalized: true}
	a.emit(Event{Kind: FileFinalized, Path: path, Text: content})
}

// Active returns the path currently being written.
func (a *Assembler) Active() (string, bool) {
	return a.active, a.active != ""
}

// File returns a snapshot of one file.
func (a *Assembler) File(path string) (File, bool) {
	rec, ok := a.files[path]
	if !ok {
		return File{}, false
	}
	return rec.snapshot(), true
}

// Files returns snapshots of all files in first-seen order.
func (a *Assembler) Files() []File {
	files := make([]File, 0, len(a.order))
	for _, path := range a.order {
		files = append(files, a.files[path].snapshot())
	}
	return files
}

// Contents returns the finalized files as a path to content map.
func (a *Assembler) Contents() map[string]string {
	out := make(map[string]string, len(a.files))
	for path, rec := range a.files {
		if rec.finalized {
			out[path] = rec.content
		}
	}
	return out
}

func (a *Assembler) apply(tokens []marker.Token) {
	for _, tok := range tokens {
		if a.halted {
			return
		}
		if tok.Marker != nil {
			a.handle(*tok.Marker)
			continue
		}
		a.write(tok.Text)
	}
}

func (a *Assembler) handle(m marker.Marker) {
	switch {
	case m.Kind == marker.FileStart:
		a.finalizeActive()
		a.open(m.Path)
	case m.Kind.Closing():
		a.finalizeActive()
		if m.Kind.Terminal() {
			a.halted = true
		}
	}
}

func (a *Assembler) open(path string) {
	rec := &record{path: path}
	if _, exists := a.files[path]; exists {
		a.files[path] = rec
		a.emit(Event{Kind: FileReset, Path: path})
	} else {
		a.files[path] = rec
		a.order = append(a.order, path)
	}
	a.active = path
	a.skipNewline = true
}

func (a *Assembler) write(text string) {
	if a.active == "" || text == "" {
		return
	}
	if a.skipNewline {
		a.skipNewline = false
		switch {
		case len(text) >= 2 && text[:2] == "\r\n":
			text = text[2:]
		case text[0] == '\n':
			text = text[1:]
		}
		if text == "" {
			return
		}
	}
	rec := a.files[a.active]
	rec.raw = append(rec.raw, text...)
	a.emit(Event{Kind: ChunkAppended, Path: a.active, Text: text})
}

func (a *Assembler) finalizeActive() {
	if a.active == "" {
		return
	}
	rec := a.files[a.active]
	rec.content = Strip(string(rec.raw))
	rec.finalized = true
	a.active = ""
	a.skipNewline = false
	a.emit(Event{Kind: FileFinalized, Path: rec.path, Text: rec.content})
}

func (a *Assembler) checkpoint() *checkpoint {
	cp := &checkpoint{
		files:       make(map[string]recordState, len(a.files)),
		order:       append([]string(nil), a.order...),
		active:      a.active,
		skipNewline: a.skipNewline,
	}
	for path, rec := range a.files {
		cp.files[path] = recordState{rec: rec, n: len(rec.raw), content: rec.content, finalized: rec.finalized}
	}
	return cp
}
