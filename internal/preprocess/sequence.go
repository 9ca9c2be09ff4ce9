package preprocess

import (
	"regexp"
	"strings"

	"github.com/rendis/mermend/internal/grammar"
)

var sequenceKeywords = map[string]bool{
	"participant": true, "actor": true, "note": true, "loop": true, "alt": true,
	"else": true, "opt": true, "par": true, "par_over": true, "and": true,
	"critical": true, "option": true, "break": true, "rect": true, "box": true,
	"end": true, "activate": true, "deactivate": true, "autonumber": true,
	"title": true, "create": true, "destroy": true, "link": true, "links": true,
	"properties": true, "details": true, "acctitle": true, "accdescr": true,
}

func isSequenceKeyword(trimmed string) bool {
	kw := strings.TrimSuffix(firstToken(trimmed), ":")
	return sequenceKeywords[strings.ToLower(kw)]
}

// sequenceArrow lists accepted and repairable arrows, longest first.
var sequenceArrow = regexp.MustCompile(`^(\s*)([^\s:]+?)\s*(<<-->>|<<->>|-->>>|->>>|-->>|->>|<<--|<<-|<--|<-|--x|-x|--\)|-\)|-->|->|==>|=>)\s*([+\-]?)([^\s:]+)\s*(.*)$`)

var arrowRepairs = map[string]string{
	"=>":    "->>",
	"==>":   "->>",
	"->>>":  "->>",
	"-->>>": "-->>",
}

var reversedArrows = map[string]string{
	"<-":   "->",
	"<--":  "-->",
	"<<-":  "->>",
	"<<--": "-->>",
}

// entityOrSemicolon matches an existing #code; entity or a bare semicolon.
var entityOrSemicolon = regexp.MustCompile(`#\w+;|;`)

func escapeSemicolons(s string) string {
	return entityOrSemicolon.ReplaceAllStringFunc(s, func(m string) string {
		if m == ";" {
			return "#59;"
		}
		return m
	})
}

// fixSequenceMessages rewrites message lines into from->>to: text form.
func fixSequenceMessages(text string, _ grammar.Type) (string, error) {
	lines, start := bodyRange(text)
	for i := start; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) || isSequenceKeyword(trimmed) {
			continue
		}
		m := sequenceArrow.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent, from, arrow, marker, to, rest := m[1], m[2], m[3], m[4], m[5], strings.TrimSpace(m[6])

		if fixed, ok := arrowRepairs[arrow]; ok {
			arrow = fixed
		}
		if forward, ok := reversedArrows[arrow]; ok {
			from, to, arrow = to, from, forward
		}

		msg, hasColon := strings.CutPrefix(rest, ":")
		if !hasColon && rest == "" {
			lines[i] = indent + from + arrow + marker + to
			continue
		}
		msg = escapeSemicolons(strings.TrimSpace(msg))
		if msg == "" {
			lines[i] = indent + from + arrow + marker + to + ":"
			continue
		}
		lines[i] = indent + from + arrow + marker + to + ": " + msg
	}
	return strings.Join(lines, "\n"), nil
}
