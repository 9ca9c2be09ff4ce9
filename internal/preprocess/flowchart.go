package preprocess

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/mermend/internal/grammar"
)

// maxLabelLines bounds how far a label opened on one line may continue.
const maxLabelLines = 8

// labelOpen reports whether line ends inside a bracket, quote or pipe.
func labelOpen(line string) bool {
	depth := 0
	inQuote, inPipe := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '|':
			inPipe = !inPipe
		case c == '[' || c == '(' || c == '{':
			depth++
		case c == ']' || c == ')' || c == '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return depth > 0 || inQuote || inPipe
}

// fixMultilineLabels joins labels that were broken across lines with <br/>.
// Labels that never close within maxLabelLines are left alone.
func fixMultilineLabels(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	for i := start; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if isFlowchartDirective(trimmed) || strings.HasPrefix(trimmed, "subgraph") || !labelOpen(line) {
			out = append(out, line)
			continue
		}
		joined := strings.TrimRight(line, " \t")
		closed := false
		j := i + 1
		for ; j < len(lines) && j <= i+maxLabelLines; j++ {
			joined += "<br/>" + strings.TrimSpace(lines[j])
			if !labelOpen(joined) {
				closed = true
				break
			}
		}
		if !closed {
			out = append(out, line)
			continue
		}
		out = append(out, joined)
		i = j
	}
	return strings.Join(out, "\n"), nil
}

// fixLabelQuotes collapses stray and duplicated quotes so a label carrying a
// quote is wrapped in exactly one pair, inner quotes become #quot;.
func fixLabelQuotes(text string, _ grammar.Type) (string, error) {
	return rewriteLabels(text, func(label string) string {
		if !strings.Contains(label, `"`) {
			return label
		}
		inner := strings.Trim(strings.TrimSpace(label), `"`)
		inner = strings.ReplaceAll(inner, `"`, "#quot;")
		return `"` + inner + `"`
	}), nil
}

const labelSpecial = `()[]{}<>:;/\|`

var brTag = regexp.MustCompile(`(?i)<br\s*/?>`)

// fixLabelSpecialChars quotes unquoted labels that contain characters the
// flowchart lexer treats as syntax.
func fixLabelSpecialChars(text string, _ grammar.Type) (string, error) {
	return rewriteLabels(text, func(label string) string {
		t := strings.TrimSpace(label)
		if t == "" || strings.HasPrefix(t, `"`) {
			return label
		}
		s := brTag.ReplaceAllString(label, "\x01")
		if !strings.ContainsAny(s, labelSpecial) && !strings.Contains(s, `\n`) {
			return label
		}
		s = strings.ReplaceAll(s, "<", "#lt;")
		s = strings.ReplaceAll(s, ">", "#gt;")
		s = strings.ReplaceAll(s, `\n`, "\x01")
		s = strings.ReplaceAll(s, "\x01", "<br/>")
		return `"` + s + `"`
	}), nil
}

var (
	pipeBeforeArrow = regexp.MustCompile(`([^\s\-=.>|])\s*\|([^|]+)\|\s*(-->|-\.->|==>|---|-\.-|===)\s*`)
	dashEdgeLabel   = regexp.MustCompile(`(^|[^\-<])--\s+([^\s|>\-][^|]*?)\s+(-->|---)\s*`)
	dotEdgeLabel    = regexp.MustCompile(`(^|[^\-<])-\.\s+([^\s|.][^|]*?)\s+\.->\s*`)
	thickEdgeLabel  = regexp.MustCompile(`(^|[^=<])==\s+([^\s|=][^|]*?)\s+==>\s*`)
)

// fixEdgeLabels rewrites label-before-arrow and inline-dash labels into the
// arrow|label| form. Quoted text is never touched.
func fixEdgeLabels(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	for i := start; i < len(lines); i++ {
		line := lines[i]
		if isFlowchartDirective(strings.TrimSpace(line)) {
			continue
		}
		line = replaceMasked(line, maskQuoted(line), pipeBeforeArrow, func(s string, m []int) string {
			return group(s, m, 1) + " " + group(s, m, 3) + "|" + strings.TrimSpace(group(s, m, 2)) + "| "
		})
		line = replaceMasked(line, maskQuoted(line), dashEdgeLabel, func(s string, m []int) string {
			return group(s, m, 1) + group(s, m, 3) + "|" + group(s, m, 2) + "| "
		})
		line = replaceMasked(line, maskQuoted(line), dotEdgeLabel, func(s string, m []int) string {
			return group(s, m, 1) + "-.->|" + group(s, m, 2) + "| "
		})
		line = replaceMasked(line, maskQuoted(line), thickEdgeLabel, func(s string, m []int) string {
			return group(s, m, 1) + "==>|" + group(s, m, 2) + "| "
		})
		lines[i] = line
	}
	return strings.Join(lines, "\n"), nil
}

var (
	linkToken     = regexp.MustCompile(`<?(?:-{2,}|={2,}|-\.+-|~{3,})[>ox]?`)
	linkStyleLine = regexp.MustCompile(`^(\s*)linkStyle\s+([0-9][0-9,\s]*?)\s+(\S.*)$`)
)

// maskStructure masks quoted text, bracketed labels and pipe labels so only
// node ids, links and separators remain visible.
func maskStructure(line string) string {
	b := []byte(line)
	depth := 0
	inQuote, inPipe := false, false
	for i, c := range b {
		switch {
		case c == '"':
			inQuote = !inQuote
			b[i] = maskByte
		case inQuote:
			b[i] = maskByte
		case c == '|':
			inPipe = !inPipe
			b[i] = maskByte
		case inPipe:
			b[i] = maskByte
		case c == '[' || c == '(' || c == '{':
			depth++
			b[i] = maskByte
		case c == ']' || c == ')' || c == '}':
			if depth > 0 {
				depth--
			}
			b[i] = maskByte
		case depth > 0:
			b[i] = maskByte
		}
	}
	return string(b)
}

// countLinks counts flowchart links in declaration order. A chain like
// A & B --> C & D contributes the product of its fan-outs per segment.
func countLinks(lines []string) int {
	total := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isFlowchartDirective(trimmed) || strings.HasPrefix(trimmed, "subgraph") {
			continue
		}
		for _, stmt := range strings.Split(maskStructure(line), ";") {
			parts := linkToken.Split(stmt, -1)
			for k := 0; k+1 < len(parts); k++ {
				total += fanout(parts[k]) * fanout(parts[k+1])
			}
		}
	}
	return total
}

func fanout(segment string) int {
	n := 0
	for _, p := range strings.Split(segment, "&") {
		if strings.Trim(p, " \t\x00") != "" {
			n++
		}
	}
	return max(n, 1)
}

// fixLinkStyleBounds drops linkStyle indexes that point past the last link.
func fixLinkStyleBounds(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	links := countLinks(lines[start:])
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	for _, line := range lines[start:] {
		m := linkStyleLine.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		var kept []string
		dropped := false
		for _, f := range strings.Split(m[2], ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			n, err := strconv.Atoi(f)
			if err != nil || n >= links {
				dropped = true
				continue
			}
			kept = append(kept, f)
		}
		switch {
		case !dropped:
			out = append(out, line)
		case len(kept) > 0:
			out = append(out, m[1]+"linkStyle "+strings.Join(kept, ",")+" "+m[3])
		}
	}
	return strings.Join(out, "\n"), nil
}
