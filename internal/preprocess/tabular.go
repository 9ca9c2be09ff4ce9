package preprocess

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/mermend/internal/grammar"
)

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// repairNumber extracts the first number from s, dropping currency signs,
// units and thousands separators around it.
func repairNumber(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if _, err := strconv.ParseFloat(t, 64); err == nil {
		return t, true
	}
	t = strings.NewReplacer("_", "", ",", "").Replace(t)
	num := numberPattern.FindString(t)
	if num == "" {
		return "", false
	}
	return num, true
}

// fixSankeyRows drops rows that do not have exactly three fields and
// repairs a value that is not a plain number.
func fixSankeyRows(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			out = append(out, line)
			continue
		}
		fields := splitFields(line, ',')
		if len(fields) != 3 {
			continue
		}
		value, ok := repairNumber(fields[2])
		if !ok {
			continue
		}
		if value == strings.TrimSpace(fields[2]) {
			out = append(out, line)
			continue
		}
		out = append(out, fields[0]+","+fields[1]+","+value)
	}
	return strings.Join(out, "\n"), nil
}

var pieDirectives = []string{"title", "showData", "accTitle", "accDescr"}

// fixPieSlices quotes slice labels, strips percent signs and drops slices
// without a numeric value.
func fixPieSlices(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) || hasAnyPrefix(trimmed, pieDirectives) {
			out = append(out, line)
			continue
		}
		idx := strings.LastIndex(trimmed, ":")
		if idx < 0 {
			continue
		}
		label := strings.TrimSpace(trimmed[:idx])
		raw := strings.TrimSpace(strings.ReplaceAll(trimmed[idx+1:], "%", ""))
		value, ok := repairNumber(raw)
		if !ok || label == "" {
			continue
		}
		if !(len(label) >= 2 && strings.HasPrefix(label, `"`) && strings.HasSuffix(label, `"`)) {
			label = `"` + strings.ReplaceAll(strings.Trim(label, `"`), `"`, "'") + `"`
		}
		fixed := indentOf(line) + label + " : " + value
		if strings.TrimRight(line, " \t") == fixed {
			out = append(out, line)
			continue
		}
		out = append(out, fixed)
	}
	return strings.Join(out, "\n"), nil
}

// fixGanttTasks inserts a dateFormat when missing and trims trailing commas
// from task lines.
func fixGanttTasks(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	hasFormat := false
	for i := start; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "dateFormat") {
			hasFormat = true
			continue
		}
		if strings.Contains(trimmed, ":") && strings.HasSuffix(trimmed, ",") {
			lines[i] = strings.TrimRight(strings.TrimRight(lines[i], " \t"), ", \t")
		}
	}
	if hasFormat || start == 0 {
		return strings.Join(lines, "\n"), nil
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:start]...)
	out = append(out, "    dateFormat YYYY-MM-DD")
	out = append(out, lines[start:]...)
	return strings.Join(out, "\n"), nil
}

var stateArrow = regexp.MustCompile(`(^|[^\-])->`)

// fixStateTransitions turns single-dash arrows into -->.
func fixStateTransitions(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	for i := start; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if isComment(trimmed) || strings.HasPrefix(strings.ToLower(trimmed), "note") {
			continue
		}
		head, tail, hasLabel := strings.Cut(line, ":")
		head = replaceMasked(head, maskQuoted(head), stateArrow, func(s string, m []int) string {
			return group(s, m, 1) + "-->"
		})
		if hasLabel {
			head += ":" + tail
		}
		lines[i] = head
	}
	return strings.Join(lines, "\n"), nil
}
