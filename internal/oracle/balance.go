package oracle

import (
	"regexp"

	"github.com/rendis/mermend/internal/grammar"
)

// freeText grammars carry prose in their statements, so brackets there are
// not structural.
var freeText = map[grammar.Type]bool{
	grammar.Sequence: true,
	grammar.Gantt:    true,
	grammar.Pie:      true,
	grammar.Journey:  true,
	grammar.Timeline: true,
	grammar.GitGraph: true,
	grammar.Mindmap:  true,
}

var (
	erToken = regexp.MustCompile(`[|}o][|o](?:--|\.\.)[|o][|{o]`)
	pairs   = map[byte]byte{')': '(', ']': '[', '}': '{'}
)

// checkBalanced verifies that (), [] and {} nest correctly across the
// content lines, ignoring quoted spans and, for flowcharts, pipe-delimited
// edge labels.
func checkBalanced(content []string, family grammar.Type) Verdict {
	if freeText[family] {
		return complete
	}
	var stack []byte
	for _, line := range content {
		if family == grammar.ER {
			line = erToken.ReplaceAllString(line, "    ")
		}
		inQuote, inPipe := false, false
		base := len(stack)
		for i := 0; i < len(line); i++ {
			c := line[i]
			switch {
			case c == '"':
				inQuote = !inQuote
			case inQuote:
			case c == '|' && family == grammar.Flowchart:
				inPipe = !inPipe
			case inPipe:
			case c == '>' && family == grammar.Flowchart && len(stack) == base && i > 0 && isIdentByte(line[i-1]):
				// asymmetric shape: id>label]
				stack = append(stack, '[')
			case c == '(' || c == '[' || c == '{':
				stack = append(stack, c)
			case c == ')' || c == ']' || c == '}':
				if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
					return incomplete("mismatched closing delimiter")
				}
				stack = stack[:len(stack)-1]
			}
		}
		if inQuote {
			return incomplete("unterminated quote")
		}
	}
	if len(stack) > 0 {
		return incomplete("unclosed delimiter")
	}
	return complete
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}
