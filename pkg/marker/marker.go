package marker

import (
	"strings"
)

// Kind identifies a marker found in generated text
type Kind int

const (
	// FileStart opens a new file: /* FILE: path */
	FileStart Kind = iota + 1
	// EndOfFile closes the active file
	EndOfFile
	// EndOfApp signals that no more files follow
	EndOfApp
	// Finished signals that the whole generation is done
	Finished
)

// Marker literals as they appear in the stream.
const (
	EndOfFileLiteral = "/* END_FILE */"
	EndOfAppLiteral  = "/* END_APP */"
	FinishedLiteral  = "/* FINISHED */"

	fileStartPrefix = "/* FILE: "
	fileStartSuffix = " */"
	opener          = "/*"
)

// StopLiterals are sent upstream as stop sequences, in order.
var StopLiterals = []string{EndOfFileLiteral, EndOfAppLiteral, FinishedLiteral}

var literalKinds = []struct {
	literal string
	kind    Kind
}{
	{EndOfFileLiteral, EndOfFile},
	{EndOfAppLiteral, EndOfApp},
	{FinishedLiteral, Finished},
}

func (k Kind) String() string {
	switch k {
	case FileStart:
		return "file_start"
	case EndOfFile:
		return "end_of_file"
	case EndOfApp:
		return "end_of_app"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends the whole session.
func (k Kind) Terminal() bool {
	return k == EndOfApp || k == Finished
}

// Closing reports whether the kind closes the active file.
func (k Kind) Closing() bool {
	return k == EndOfFile || k.Terminal()
}

// Marker is a location in a turn's buffer where a marker was recognized.
// Offset is the index of the opening "/*", End the index after the closing "*/".
type Marker struct {
	Kind   Kind
	Path   string
	Offset int
	End    int
}

// KindOf maps a stop literal reported by the upstream service to its kind.
// It returns false for anything that is not one of the stop literals.
func KindOf(stopSequence string) (Kind, bool) {
	s := strings.TrimSpace(stopSequence)
	for _, lk := range literalKinds {
		if s == lk.literal {
			return lk.kind, true
		}
	}
	return 0, false
}

// NormalizePath strips a leading "./" from a marker path.
func NormalizePath(path string) string {
	for strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	return path
}

type matchState int

const (
	noMatch matchState = iota
	matched
	incomplete
)

// matchAt tries to recognize a marker starting at buf[i], which must be "/*".
// incomplete means buf ends before the marker could be confirmed or ruled out.
func matchAt(buf string, i int) (Marker, matchState) {
	rest := buf[i:]

	partial := false
	for _, lk := range literalKinds {
		if strings.HasPrefix(rest, lk.literal) {
			return Marker{Kind: lk.kind, Offset: i, End: i + len(lk.literal)}, matched
		}
		if len(rest) < len(lk.literal) && strings.HasPrefix(lk.literal, rest) {
			partial = true
		}
	}

	if !strings.HasPrefix(rest, fileStartPrefix) {
		if partial || (len(rest) < len(fileStartPrefix) && strings.HasPrefix(fileStartPrefix, rest)) {
			return Marker{}, incomplete
		}
		return Marker{}, noMatch
	}

	start := i + len(fileStartPrefix)
	j := start
	for j < len(buf) && !isSpace(buf[j]) {
		j++
	}
	if j == len(buf) {
		return Marker{}, incomplete
	}
	if j == start {
		// empty path
		return Marker{}, noMatch
	}

	tail := buf[j:]
	if strings.HasPrefix(tail, fileStartSuffix) {
		path := NormalizePath(buf[start:j])
		if path == "" || path == "." {
			return Marker{}, noMatch
		}
		return Marker{
			Kind:   FileStart,
			Path:   path,
			Offset: i,
			End:    j + len(fileStartSuffix),
		}, matched
	}
	if len(tail) < len(fileStartSuffix) && strings.HasPrefix(fileStartSuffix, tail) {
		return Marker{}, incomplete
	}
	return Marker{}, noMatch
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// Scan finds every complete marker in buffer whose offset is not already in
// found, records the new offsets in found, and returns them in order.
// Markers never overlap; scanning resumes after each recognized marker.
func Scan(buffer string, found map[int]struct{}) []Marker {
	var markers []Marker
	pos := 0
	for pos < len(buffer) {
		idx := strings.Index(buffer[pos:], opener)
		if idx < 0 {
			break
		}
		i := pos + idx
		m, state := matchAt(buffer, i)
		if state != matched {
			pos = i + 1
			continue
		}
		if _, seen := found[m.Offset]; !seen {
			if found != nil {
				found[m.Offset] = struct{}{}
			}
			markers = append(markers, m)
		}
		pos = m.End
	}
	return markers
}

// StripLiterals removes every marker from text until none remain.
func StripLiterals(text string) string {
	for {
		markers := Scan(text, nil)
		if len(markers) == 0 {
			return text
		}
		var b strings.Builder
		b.Grow(len(text))
		last := 0
		for _, m := range markers {
			b.WriteString(text[last:m.Offset])
			last = m.End
		}
		b.WriteString(text[last:])
		text = b.String()
	}
}
