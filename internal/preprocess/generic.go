package preprocess

import (
	"regexp"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rendis/mermend/internal/grammar"
)

var fenceLine = regexp.MustCompile("^\\s*(?:```+|~~~+)\\s*(?:mermaid|vega-lite|vegalite|chart)?\\s*$")

// stripFences removes code-fence lines and a bare "mermaid" tag line that
// precedes the header.
func stripFences(text string, _ grammar.Type) (string, error) {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	seenHeader := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if fenceLine.MatchString(line) {
			continue
		}
		if !seenHeader && strings.EqualFold(trimmed, "mermaid") {
			continue
		}
		if trimmed != "" && !isComment(trimmed) {
			seenHeader = true
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), nil
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

func nbspToSpace(r rune) rune {
	switch r {
	case '\u00a0', '\u2007', '\u202f':
		return ' '
	}
	return r
}

// normalizeUnicode applies NFKC after removing zero-width characters and
// byte order marks.
func normalizeUnicode(text string, _ grammar.Type) (string, error) {
	t := transform.Chain(
		runes.Remove(runes.Predicate(isZeroWidth)),
		runes.Map(nbspToSpace),
		norm.NFKC,
	)
	out, _, err := transform.String(t, text)
	if err != nil {
		return "", err
	}
	return out, nil
}

// normalizeWhitespace converts line endings to LF, trims trailing blanks,
// drops leading and trailing blank lines and collapses blank runs.
func normalizeWhitespace(text string, _ grammar.Type) (string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if len(out) > 0 {
				blank = true
			}
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), nil
}
