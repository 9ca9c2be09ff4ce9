package preprocess

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/mermend/internal/grammar"
)

var sequenceBlockOpeners = map[string]bool{
	"loop": true, "alt": true, "opt": true, "par": true, "par_over": true,
	"critical": true, "break": true, "rect": true, "box": true,
}

func firstToken(trimmed string) string {
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func opensBlock(trimmed string, g grammar.Type) bool {
	if grammar.Family(g) == grammar.Sequence {
		return sequenceBlockOpeners[firstToken(trimmed)]
	}
	return firstToken(trimmed) == "subgraph"
}

func isEnd(trimmed string) bool {
	return trimmed == "end" || trimmed == "end;"
}

// fixBlockDelimiters drops unmatched end lines and closes blocks left open.
func fixBlockDelimiters(text string, g grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	var open []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		switch {
		case isComment(trimmed):
		case isEnd(trimmed):
			if len(open) == 0 {
				continue
			}
			open = open[:len(open)-1]
		case opensBlock(trimmed, g):
			open = append(open, indentOf(line))
		}
		out = append(out, line)
	}
	if len(open) == 0 {
		return strings.Join(out, "\n"), nil
	}
	for len(out) > start && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	for k := len(open) - 1; k >= 0; k-- {
		out = append(out, open[k]+"end")
	}
	return strings.Join(out, "\n"), nil
}

var (
	subgraphDecl = regexp.MustCompile(`^\s*subgraph\s+([\p{L}\p{N}_]+)`)
	blockDecl    = regexp.MustCompile(`^\s*block:([\p{L}\p{N}_]+)`)
)

// fixIdentifierCollisions renames leaf nodes that reuse a container id.
// Container declaration lines keep the original id.
func fixIdentifierCollisions(text string, g grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	decl := subgraphDecl
	if grammar.Family(g) == grammar.Block {
		decl = blockDecl
	}

	containers := map[string]bool{}
	var order []string
	for _, line := range lines[start:] {
		if m := decl.FindStringSubmatch(line); m != nil && !containers[m[1]] {
			containers[m[1]] = true
			order = append(order, m[1])
		}
	}
	if len(containers) == 0 {
		return text, nil
	}

	for _, id := range order {
		if !usedAsLeaf(lines[start:], id, decl, g) {
			continue
		}
		repl := freshIdent(lines, id)
		for i := start; i < len(lines); i++ {
			if decl.MatchString(lines[i]) {
				continue
			}
			lines[i] = replaceIdent(lines[i], id, repl)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func usedAsLeaf(lines []string, id string, decl *regexp.Regexp, g grammar.Type) bool {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if decl.MatchString(line) || isComment(trimmed) {
			continue
		}
		if grammar.Family(g) == grammar.Block {
			if isEnd(trimmed) || strings.HasPrefix(trimmed, "columns") {
				continue
			}
			if replaceIdent(line, id, "\x01") != line {
				return true
			}
			continue
		}
		if isFlowchartDirective(trimmed) {
			continue
		}
		for _, sh := range findShapes(line) {
			if sh.ID == id {
				return true
			}
		}
	}
	return false
}

func freshIdent(lines []string, id string) string {
	for n := 1; ; n++ {
		candidate := id + "_node"
		if n > 1 {
			candidate = fmt.Sprintf("%s_node%d", id, n)
		}
		if !slices.ContainsFunc(lines, func(l string) bool {
			return replaceIdent(l, candidate, "\x01") != l
		}) {
			return candidate
		}
	}
}

var (
	columnsLine = regexp.MustCompile(`^\s*columns\s+(\d+)`)
	blockSpan   = regexp.MustCompile(`^(\s*block:[\p{L}\p{N}_]+:)(\d+)`)
	itemSpan    = regexp.MustCompile(`([\p{L}\p{N}_\x00\])}]):(\d+)`)
)

// fixBlockColumnSpans clamps id:N spans to the enclosing columns count.
func fixBlockColumnSpans(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	scopes := []int{0}
	clamp := func(n string) string {
		cols := scopes[len(scopes)-1]
		v, err := strconv.Atoi(n)
		if err != nil || cols <= 0 || v <= cols {
			return n
		}
		return strconv.Itoa(cols)
	}

	for i := start; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case isComment(trimmed):
		case isEnd(trimmed):
			if len(scopes) > 1 {
				scopes = scopes[:len(scopes)-1]
			}
		case columnsLine.MatchString(line):
			n, _ := strconv.Atoi(columnsLine.FindStringSubmatch(line)[1])
			scopes[len(scopes)-1] = n
		case trimmed == "block" || strings.HasPrefix(trimmed, "block:"):
			if m := blockSpan.FindStringSubmatchIndex(line); m != nil {
				lines[i] = line[:m[3]] + clamp(line[m[4]:m[5]]) + line[m[5]:]
			}
			scopes = append(scopes, 0)
		default:
			lines[i] = replaceMasked(line, maskQuoted(line), itemSpan, func(s string, m []int) string {
				return group(s, m, 1) + ":" + clamp(group(s, m, 2))
			})
		}
	}
	return strings.Join(lines, "\n"), nil
}
