// Package oracle decides whether a possibly truncated definition is worth
// handing to a renderer.
package oracle

import (
	"strings"

	"github.com/rendis/mermend/internal/grammar"
)

// Verdict is the outcome of a completeness check.
type Verdict struct {
	Complete bool   `json:"complete"`
	Reason   string `json:"reason,omitempty"`
}

func incomplete(reason string) Verdict { return Verdict{Reason: reason} }

var complete = Verdict{Complete: true}

// check is a grammar-specific rule applied after the generic rule. It sees
// the content lines: non-blank, non-comment lines after the header.
type check func(content []string) Verdict

var checks = map[grammar.Type]check{
	grammar.Flowchart: checkFlowchart,
	grammar.Sequence:  checkSequence,
	grammar.Class:     checkClass,
	grammar.State:     checkState,
	grammar.ER:        checkER,
	grammar.Gantt:     checkGantt,
	grammar.Pie:       checkPie,
	grammar.Sankey:    checkSankey,
}

// IsComplete reports whether text is likely renderable as grammar g.
// It is pure and safe to call on every streamed prefix.
func IsComplete(text string, g grammar.Type) bool {
	return Explain(text, g).Complete
}

// Explain is IsComplete with the reason for a negative answer.
func Explain(text string, g grammar.Type) Verdict {
	if strings.TrimSpace(text) == "" {
		return incomplete("empty definition")
	}
	if g == "" {
		g = grammar.Detect(text)
	}
	if grammar.IsObject(g) || grammar.IsObject(grammar.Detect(text)) {
		return checkObject(text)
	}

	content := contentLines(text)
	if len(content) == 0 {
		return incomplete("no content after header")
	}
	family := grammar.Family(g)
	if family != grammar.Sankey {
		if v := checkBalanced(content, family); !v.Complete {
			return v
		}
		if dangling(content[len(content)-1]) {
			return incomplete("last line ends in an operator")
		}
	}
	if c, ok := checks[family]; ok {
		return c(content)
	}
	return complete
}

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "%%")
}

// contentLines returns trimmed body lines, skipping blanks and comments.
func contentLines(text string) []string {
	var out []string
	for _, l := range grammar.Body(text) {
		l = strings.TrimSpace(l)
		if l == "" || isComment(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// dangling reports whether a line stops right after a link, separator or
// label operator.
func dangling(line string) bool {
	line = strings.TrimRight(line, " \t")
	if line == "" {
		return false
	}
	switch line[len(line)-1] {
	case '|', '&', ',', ':', '-', '=':
		return true
	case '>':
		rest := strings.TrimRight(line, ">")
		return rest != "" && strings.ContainsRune("-=.", rune(rest[len(rest)-1]))
	}
	return false
}
