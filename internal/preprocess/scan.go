package preprocess

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rendis/mermend/internal/grammar"
)

// maskByte replaces protected characters in masked views of a line.
const maskByte = '\x00'

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "%%")
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// bodyRange returns the lines of text and the index of the first body line.
// Lines before it (front matter, comments, header) are left untouched.
func bodyRange(text string) ([]string, int) {
	lines := strings.Split(text, "\n")
	idx, _ := grammar.Header(text)
	return lines, idx + 1
}

// maskQuoted returns a copy of line where every byte inside a double-quoted
// span, quotes included, is maskByte. An unterminated quote masks to the end.
func maskQuoted(line string) string {
	b := []byte(line)
	in := false
	for i := range b {
		if b[i] == '"' {
			in = !in
			b[i] = maskByte
			continue
		}
		if in {
			b[i] = maskByte
		}
	}
	return string(b)
}

// replaceMasked runs re against a masked view of line and rebuilds the line
// from the original text using fn for every match.
func replaceMasked(line, masked string, re *regexp.Regexp, fn func(orig string, sub []int) string) string {
	matches := re.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) == 0 {
		return line
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(line[last:m[0]])
		sb.WriteString(fn(line, m))
		last = m[1]
	}
	sb.WriteString(line[last:])
	return sb.String()
}

// group returns submatch n of a match index slice, or "".
func group(s string, sub []int, n int) string {
	if 2*n+1 >= len(sub) || sub[2*n] < 0 {
		return ""
	}
	return s[sub[2*n]:sub[2*n+1]]
}

// splitFields splits on sep outside double quotes.
func splitFields(line string, sep byte) []string {
	var fields []string
	in := false
	start := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			in = !in
		case sep:
			if !in {
				fields = append(fields, line[start:i])
				start = i + 1
			}
		}
	}
	return append(fields, line[start:])
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// replaceIdent replaces whole-identifier occurrences of old outside quotes
// and bracketed labels.
func replaceIdent(line, old, repl string) string {
	masked := maskStructure(line)
	var sb strings.Builder
	i := 0
	for i < len(line) {
		j := strings.Index(masked[i:], old)
		if j < 0 {
			break
		}
		start := i + j
		end := start + len(old)
		before, _ := utf8.DecodeLastRuneInString(line[:start])
		after, _ := utf8.DecodeRuneInString(line[end:])
		if (start == 0 || !isIdentRune(before)) && (end == len(line) || !isIdentRune(after)) {
			sb.WriteString(line[i:start])
			sb.WriteString(repl)
		} else {
			sb.WriteString(line[i:end])
		}
		i = end
	}
	sb.WriteString(line[i:])
	return sb.String()
}

// flowchartSkip lists statements that never carry node shapes or links.
var flowchartSkip = []string{
	"classDef ", "class ", "style ", "linkStyle ", "click ", "direction ",
}

func isFlowchartDirective(trimmed string) bool {
	if isComment(trimmed) || trimmed == "end" {
		return true
	}
	for _, p := range flowchartSkip {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// shape is one node declaration like A[label] found on a line.
type shape struct {
	ID         string
	Start      int // index of the id
	LabelStart int // first byte after the opener
	LabelEnd   int // first byte of the closer
	End        int // first byte after the closer
	Open       string
	Close      string
}

func (s shape) label(line string) string {
	return line[s.LabelStart:s.LabelEnd]
}

type opener struct {
	open  string
	close []string
}

// openers are tried longest first.
var openers = []opener{
	{"(((", []string{")))"}},
	{"((", []string{"))"}},
	{"([", []string{"])"}},
	{"[[", []string{"]]"}},
	{"[(", []string{")]"}},
	{"[/", []string{"/]", `\]`}},
	{`[\`, []string{`\]`, "/]"}},
	{"{{", []string{"}}"}},
	{"[", []string{"]"}},
	{"(", []string{")"}},
	{"{", []string{"}"}},
}

var closeOf = map[byte]byte{'[': ']', '(': ')', '{': '}'}

// findShapes scans a flowchart line for node shapes. Text between pipes
// (edge labels) and inside quotes outside a shape is ignored.
func findShapes(line string) []shape {
	var shapes []shape
	i := 0
	inPipe := false
	for i < len(line) {
		c := line[i]
		switch {
		case c == '"':
			if end := strings.IndexByte(line[i+1:], '"'); end >= 0 {
				i += end + 2
				continue
			}
			return shapes
		case c == '|':
			inPipe = !inPipe
			i++
			continue
		case inPipe:
			i++
			continue
		}

		r, size := utf8.DecodeRuneInString(line[i:])
		if !isIdentRune(r) || (i > 0 && precededByIdent(line, i)) {
			i += size
			continue
		}
		idEnd := i
		for idEnd < len(line) {
			r, sz := utf8.DecodeRuneInString(line[idEnd:])
			if !isIdentRune(r) {
				break
			}
			idEnd += sz
		}
		sh, ok := shapeAt(line, i, idEnd)
		if !ok {
			i = idEnd
			continue
		}
		shapes = append(shapes, sh)
		i = sh.End
	}
	return shapes
}

func precededByIdent(line string, i int) bool {
	r, _ := utf8.DecodeLastRuneInString(line[:i])
	return isIdentRune(r)
}

func shapeAt(line string, idStart, idEnd int) (shape, bool) {
	rest := line[idEnd:]
	for _, op := range openers {
		if !strings.HasPrefix(rest, op.open) {
			continue
		}
		labelStart := idEnd + len(op.open)
		for _, quoteAware := range []bool{true, false} {
			labelEnd, cl, ok := findCloser(line, labelStart, op, quoteAware)
			if ok {
				return shape{
					ID:         line[idStart:idEnd],
					Start:      idStart,
					LabelStart: labelStart,
					LabelEnd:   labelEnd,
					End:        labelEnd + len(cl),
					Open:       op.open,
					Close:      cl,
				}, true
			}
		}
	}
	return shape{}, false
}

// findCloser locates the closer of op starting at from, counting nested
// brackets of the opener's outer kind.
func findCloser(line string, from int, op opener, quoteAware bool) (int, string, bool) {
	outer := op.open[0]
	inner := closeOf[outer]
	depth := 0
	inQuote := false
	for i := from; i < len(line); i++ {
		c := line[i]
		if quoteAware && c == '"' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		if depth == 0 {
			for _, cl := range op.close {
				if strings.HasPrefix(line[i:], cl) {
					return i, cl, true
				}
			}
		}
		switch c {
		case outer:
			depth++
		case inner:
			if depth > 0 {
				depth--
			}
		}
	}
	return 0, "", false
}

// rewriteLabels applies fn to every node label of the flowchart body and
// returns the rewritten text.
func rewriteLabels(text string, fn func(label string) string) string {
	lines, start := bodyRange(text)
	for i := start; i < len(lines); i++ {
		line := lines[i]
		if isFlowchartDirective(strings.TrimSpace(line)) {
			continue
		}
		shapes := findShapes(line)
		if len(shapes) == 0 {
			continue
		}
		var sb strings.Builder
		last := 0
		for _, sh := range shapes {
			sb.WriteString(line[last:sh.LabelStart])
			sb.WriteString(fn(sh.label(line)))
			last = sh.LabelEnd
		}
		sb.WriteString(line[last:])
		lines[i] = sb.String()
	}
	return strings.Join(lines, "\n")
}
