package preprocess

import (
	"regexp"
	"strings"

	"github.com/rendis/mermend/internal/grammar"
)

// validClassRelations is every head+line+tail combination the class
// grammar accepts.
var validClassRelations = func() map[string]bool {
	heads := []string{"", "<|", "*", "o", "<"}
	tails := []string{"", "|>", "*", "o", ">"}
	m := map[string]bool{}
	for _, line := range []string{"--", ".."} {
		for _, h := range heads {
			for _, t := range tails {
				m[h+line+t] = true
			}
		}
	}
	return m
}()

var classRelation = regexp.MustCompile(`^(\s*)([\w~]+)(\s*"[^"]*")?\s*([<>|*o.\-=]*[<>|*.\-=][<>|*o.\-=]*)\s*("[^"]*"\s*)?([\w~]+)\s*(:.*)?$`)

var classSkip = []string{
	"class ", "classDef ", "note", "style ", "cssClass ", "callback ", "click ",
	"link ", "direction ", "namespace ", "}", "<<",
}

func mapClassHead(s string) (string, bool) {
	switch {
	case s == "":
		return "", true
	case strings.Contains(s, "|"):
		return "<|", true
	case s == "*" || s == "o" || s == "<":
		return s, true
	}
	return "", false
}

func mapClassTail(s string) (string, bool) {
	switch {
	case s == "":
		return "", true
	case strings.Contains(s, "|"):
		return "|>", true
	case s == "*" || s == "o" || s == ">":
		return s, true
	}
	return "", false
}

// repairClassRelation maps an invalid relation token to the nearest valid
// one. ok is false when the token cannot be interpreted.
func repairClassRelation(tok string) (string, bool) {
	if validClassRelations[tok] {
		return tok, true
	}
	first := strings.IndexAny(tok, "-.=")
	last := strings.LastIndexAny(tok, "-.=")
	if first < 0 {
		return "", false
	}
	body := tok[first : last+1]
	if strings.Trim(body, "-.=") != "" {
		return "", false
	}
	line := "--"
	if strings.Contains(body, ".") {
		line = ".."
	}
	head, okH := mapClassHead(tok[:first])
	tail, okT := mapClassTail(tok[last+1:])
	if !okH || !okT {
		return "", false
	}
	out := head + line + tail
	return out, validClassRelations[out]
}

// fixClassRelationships maps relation tokens the class grammar rejects and
// drops relation lines that cannot be repaired.
func fixClassRelationships(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	depth := 0
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if depth > 0 {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			out = append(out, line)
			continue
		}
		if strings.Contains(line, "{") {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			out = append(out, line)
			continue
		}
		if trimmed == "" || isComment(trimmed) || hasAnyPrefix(trimmed, classSkip) {
			out = append(out, line)
			continue
		}
		m := classRelation.FindStringSubmatchIndex(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		tok := group(line, m, 4)
		fixed, ok := repairClassRelation(tok)
		if !ok {
			continue
		}
		if fixed == tok {
			out = append(out, line)
			continue
		}
		out = append(out, line[:m[8]]+fixed+line[m[9]:])
	}
	return strings.Join(out, "\n"), nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

var (
	erLeft = map[string]string{
		"|o": "|o", "||": "||", "}o": "}o", "}|": "}|",
		"o|": "|o", "{o": "}o", "o{": "}o", "{|": "}|", "|{": "}|",
		"|": "||", "}": "}|", "{": "}|", "o": "|o", "1": "||", "*": "}o",
	}
	erRight = map[string]string{
		"o|": "o|", "||": "||", "o{": "o{", "|{": "|{",
		"|o": "o|", "}o": "o{", "o}": "o{", "}|": "|{", "|}": "|{",
		"|": "||", "{": "|{", "}": "|{", "o": "o|", "1": "||", "*": "o{",
	}
	erLine = map[string]string{
		"--": "--", "..": "..",
		"-": "--", "---": "--", "==": "--", "=": "--",
		".": "..", "...": "..",
	}
)

var erRelation = regexp.MustCompile(`^(\s*)([\w\-"]+)\s+([|}{o1*<>\-.=]+)\s+([\w\-"]+)\s*(?::\s*(.*))?$`)

var erCardinalitySplit = regexp.MustCompile(`^([^\-.=]*)([\-.=]+)([^\-.=]*)$`)

// repairERCardinality maps a relationship token onto left card, line and
// right card the ER grammar accepts.
func repairERCardinality(tok string) (string, bool) {
	m := erCardinalitySplit.FindStringSubmatch(tok)
	if m == nil {
		return "", false
	}
	left, okL := erLeft[m[1]]
	line, okM := erLine[m[2]]
	right, okR := erRight[m[3]]
	if !okL || !okM || !okR {
		return "", false
	}
	return left + line + right, true
}

// fixERCardinality repairs relationship tokens, drops unrecoverable
// relationship lines and adds a label where it is missing.
func fixERCardinality(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	out := make([]string, 0, len(lines))
	out = append(out, lines[:start]...)
	inEntity := false
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		switch {
		case inEntity:
			if strings.HasPrefix(trimmed, "}") {
				inEntity = false
			}
			out = append(out, line)
			continue
		case strings.HasSuffix(trimmed, "{"):
			inEntity = true
			out = append(out, line)
			continue
		}

		m := erRelation.FindStringSubmatch(line)
		if m == nil || !strings.ContainsAny(m[3], "-.=") {
			out = append(out, line)
			continue
		}
		tok, ok := repairERCardinality(m[3])
		if !ok {
			continue
		}
		label := strings.TrimSpace(m[5])
		if label == "" {
			label = "relates"
		}
		out = append(out, m[1]+m[2]+" "+tok+" "+m[4]+" : "+label)
	}
	return strings.Join(out, "\n"), nil
}
