package assembler

import (
	"regexp"
	"strings"

	"github.com/harun/appgen/pkg/marker"
)

// fenceLine matches a line made only of a code fence, optionally tagged
// with a language: ```, ```ts, ```json
var fenceLine = regexp.MustCompile("^[ \t]*```[A-Za-z0-9_.+#-]*[ \t]*\r?\n?$")

// Strip removes marker syntax and leading/trailing code-fence lines from a
// file's content. Strip(Strip(s)) == Strip(s) for every s.
func Strip(content string) string {
	for {
		next := trimFences(marker.StripLiterals(content))
		if next == content {
			return content
		}
		content = next
	}
}

func trimFences(content string) string {
	lines := strings.SplitAfter(content, "\n")

	// leading: first non-blank line is a fence
	for {
		first := firstNonBlank(lines)
		if first < 0 || !fenceLine.MatchString(lines[first]) {
			break
		}
		lines = lines[first+1:]
	}

	// trailing: last non-blank line is a fence
	for {
		last := lastNonBlank(lines)
		if last < 0 || !fenceLine.MatchString(lines[last]) {
			break
		}
		lines = lines[:last]
	}

	return strings.Join(lines, "")
}

func firstNonBlank(lines []string) int {
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			return i
		}
	}
	return -1
}

func lastNonBlank(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}
