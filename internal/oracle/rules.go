package oracle

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	flowEdge = regexp.MustCompile(`[\p{L}\p{N}_\]\)\}]\s*(?:<|x|o)?(?:-{2,}|={2,}|-\.+-)(?:>|x|o)?(?:\|[^|]*\|)?\s*[\p{L}\p{N}_]`)
	flowNode = regexp.MustCompile(`^[\p{L}\p{N}_]+\s*(?:\[|\(|\{|>)`)
)

var flowDirectives = []string{
	"classDef ", "class ", "style ", "linkStyle ", "click ", "direction ",
}

func checkFlowchart(content []string) Verdict {
	open := 0
	statement := false
	for _, l := range content {
		switch {
		case l == "end" || l == "end;":
			open--
		case strings.HasPrefix(l, "subgraph ") || l == "subgraph":
			open++
		case hasAnyPrefix(l, flowDirectives):
		case flowEdge.MatchString(l) || flowNode.MatchString(l):
			statement = true
		}
	}
	if open > 0 {
		return incomplete("subgraph not closed")
	}
	if !statement {
		return incomplete("no complete node or edge")
	}
	return complete
}

var (
	sequenceOpeners = map[string]bool{
		"loop": true, "alt": true, "opt": true, "par": true,
		"critical": true, "break": true, "rect": true, "box": true,
	}
	sequenceMessage = regexp.MustCompile(`^[^\s:]+?\s*(?:-{1,2}>>|-{1,2}>|-{1,2}x|-{1,2}\))\s*[+-]?[^\s:]+\s*:\s*\S`)
)

func checkSequence(content []string) Verdict {
	open := 0
	message := false
	for _, l := range content {
		first := strings.ToLower(firstField(l))
		switch {
		case first == "end":
			open--
		case sequenceOpeners[first]:
			open++
		case sequenceMessage.MatchString(l):
			message = true
		}
	}
	if open > 0 {
		return incomplete("block not closed with end")
	}
	if !message {
		return incomplete("no complete message")
	}
	return complete
}

var classStatement = regexp.MustCompile(`^(?:class\s+\S|[\p{L}\p{N}_~]+(?:\s+"[^"]*")?\s*(?:<\||\*|o|<)?(?:--|\.\.)(?:\|>|\*|o|>)?\s*(?:"[^"]*"\s*)?[\p{L}\p{N}_~]+)`)

func checkClass(content []string) Verdict {
	for _, l := range content {
		if classStatement.MatchString(l) {
			return complete
		}
	}
	return incomplete("no class or relationship")
}

var stateStatement = regexp.MustCompile(`^(?:state\s+\S|\S+\s*-->\s*\S+)`)

func checkState(content []string) Verdict {
	for _, l := range content {
		if stateStatement.MatchString(l) {
			return complete
		}
	}
	return incomplete("no state or transition")
}

var (
	erRelationship = regexp.MustCompile(`^\S+\s+[|}o][|o](?:--|\.\.)[|o][|{o]\s+\S+\s*:\s*\S`)
	erEntity       = regexp.MustCompile(`^[\p{L}\p{N}_-]+\s*\{`)
)

func checkER(content []string) Verdict {
	for _, l := range content {
		if erRelationship.MatchString(l) || erEntity.MatchString(l) {
			return complete
		}
	}
	return incomplete("no entity or relationship")
}

var ganttDirectives = []string{
	"title", "dateFormat", "axisFormat", "tickInterval", "excludes",
	"includes", "todayMarker", "weekday", "section", "inclusiveEndDates",
	"topAxis", "displayMode",
}

func checkGantt(content []string) Verdict {
	for _, l := range content {
		if hasAnyPrefix(l, ganttDirectives) {
			continue
		}
		if name, rest, ok := strings.Cut(l, ":"); ok && strings.TrimSpace(name) != "" && strings.TrimSpace(rest) != "" {
			return complete
		}
	}
	return incomplete("no task")
}

var pieSlice = regexp.MustCompile(`^"[^"]*"\s*:\s*[-+]?\d*\.?\d+\s*$`)

func checkPie(content []string) Verdict {
	for _, l := range content {
		if pieSlice.MatchString(l) {
			return complete
		}
	}
	return incomplete("no slice")
}

// checkSankey requires every row to be a source,target,value triple.
func checkSankey(content []string) Verdict {
	for _, l := range content {
		fields := splitCSV(l)
		if len(fields) != 3 {
			return incomplete("row without three fields")
		}
		for _, f := range fields[:2] {
			if strings.Trim(strings.TrimSpace(f), `"`) == "" {
				return incomplete("row with empty node")
			}
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64); err != nil {
			return incomplete("row without numeric value")
		}
	}
	return complete
}

func splitCSV(line string) []string {
	var fields []string
	in := false
	start := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			in = !in
		case ',':
			if !in {
				fields = append(fields, line[start:i])
				start = i + 1
			}
		}
	}
	return append(fields, line[start:])
}

func firstField(l string) string {
	if idx := strings.IndexAny(l, " \t"); idx >= 0 {
		return l[:idx]
	}
	return l
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
