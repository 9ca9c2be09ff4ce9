// Package grammar names the diagram dialects mermend understands and
// sniffs them from definition text.
package grammar

import "strings"

// Type is a normalized grammar identifier, e.g. "flowchart" or "sankey-beta".
type Type string

// Wildcard matches every grammar in applicability sets.
const Wildcard Type = "*"

const (
	Flowchart        Type = "flowchart"
	Graph            Type = "graph"
	Sequence         Type = "sequenceDiagram"
	Class            Type = "classDiagram"
	State            Type = "stateDiagram"
	StateV2          Type = "stateDiagram-v2"
	ER               Type = "erDiagram"
	Gantt            Type = "gantt"
	Pie              Type = "pie"
	Journey          Type = "journey"
	GitGraph         Type = "gitGraph"
	Mindmap          Type = "mindmap"
	Timeline         Type = "timeline"
	Quadrant         Type = "quadrantChart"
	Requirement      Type = "requirementDiagram"
	C4Context        Type = "C4Context"
	Kanban           Type = "kanban"
	Sankey           Type = "sankey"
	SankeyBeta       Type = "sankey-beta"
	Block            Type = "block"
	BlockBeta        Type = "block-beta"
	XYChart          Type = "xychart"
	XYChartBeta      Type = "xychart-beta"
	Packet           Type = "packet"
	PacketBeta       Type = "packet-beta"
	Architecture     Type = "architecture"
	ArchitectureBeta Type = "architecture-beta"
	Radar            Type = "radar"
	RadarBeta        Type = "radar-beta"
	VegaLite         Type = "vega-lite"
	Chart            Type = "chart"
)

const experimentalSuffix = "-beta"

// Known lists every grammar spelling, stable spellings before their
// experimental aliases.
var Known = []Type{
	Flowchart, Graph, Sequence, Class, State, StateV2, ER, Gantt, Pie,
	Journey, GitGraph, Mindmap, Timeline, Quadrant, Requirement, C4Context,
	Kanban, Sankey, SankeyBeta, Block, BlockBeta, XYChart, XYChartBeta,
	Packet, PacketBeta, Architecture, ArchitectureBeta, Radar, RadarBeta,
	VegaLite, Chart,
}

var known = func() map[Type]struct{} {
	m := make(map[Type]struct{}, len(Known))
	for _, t := range Known {
		m[t] = struct{}{}
	}
	return m
}()

// IsKnown reports whether t is one of the Known spellings.
func IsKnown(t Type) bool {
	_, ok := known[t]
	return ok
}

// Family maps an alias to the grammar family it belongs to.
func Family(t Type) Type {
	switch t {
	case Graph:
		return Flowchart
	case StateV2:
		return State
	case Chart:
		return VegaLite
	}
	if base, ok := strings.CutSuffix(string(t), experimentalSuffix); ok {
		return Type(base)
	}
	return t
}

// Experimental returns the alternate spelling obtained by adding or
// removing the experimental suffix. ok is false when t has no such alias.
func Experimental(t Type) (Type, bool) {
	if base, ok := strings.CutSuffix(string(t), experimentalSuffix); ok {
		return Type(base), IsKnown(Type(base))
	}
	alt := Type(string(t) + experimentalSuffix)
	return alt, IsKnown(alt)
}

// IsObject reports whether t is a declarative object grammar (JSON/YAML).
func IsObject(t Type) bool {
	return Family(t) == VegaLite
}

// Detect sniffs the grammar from the first meaningful line of text.
// Returns "" when no header is present yet.
func Detect(text string) Type {
	_, kw := Header(text)
	return Type(kw)
}

// Header locates the grammar declaration. It skips blank lines, %% comments
// and directives, code fence and bare "mermaid" tag lines, and a leading
// --- front-matter block. Leading BOM and zero-width runes are ignored.
// Text whose first meaningful rune is '{' is reported as the object
// grammar with line -1.
func Header(text string) (line int, keyword string) {
	lines := strings.Split(text, "\n")
	inFrontMatter := false
	seenContent := false
	for i, raw := range lines {
		l := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(raw), invisible))
		if l == "" || isFenceTag(l) {
			continue
		}
		if l == "---" {
			if !seenContent || inFrontMatter {
				inFrontMatter = !inFrontMatter
				seenContent = true
				continue
			}
		}
		if inFrontMatter {
			continue
		}
		seenContent = true
		if strings.HasPrefix(l, "%%") {
			continue
		}
		if strings.HasPrefix(l, "{") {
			return -1, string(VegaLite)
		}
		kw := l
		if idx := strings.IndexAny(kw, " \t"); idx >= 0 {
			kw = kw[:idx]
		}
		kw = strings.TrimSuffix(kw, ":")
		return i, kw
	}
	return -1, ""
}

// invisible are runes editors and chat clients leave ahead of a header.
const invisible = "\ufeff\u200b\u200c\u200d\u2060"

// isFenceTag reports markdown fence lines and the bare "mermaid" tag some
// clients emit in place of a fence.
func isFenceTag(l string) bool {
	return strings.HasPrefix(l, "```") || strings.HasPrefix(l, "~~~") || strings.EqualFold(l, "mermaid")
}

// RewriteHeader replaces the header keyword with t, keeping indentation
// and the remainder of the header line (e.g. a flowchart direction).
func RewriteHeader(text string, t Type) string {
	idx, kw := Header(text)
	if idx < 0 || kw == string(t) {
		return text
	}
	lines := strings.Split(text, "\n")
	line := lines[idx]
	pos := strings.Index(line, kw)
	if pos < 0 {
		return text
	}
	lines[idx] = line[:pos] + string(t) + line[pos+len(kw):]
	return strings.Join(lines, "\n")
}

// Body returns the lines after the header line. For object grammars and
// text without a header it returns every line.
func Body(text string) []string {
	idx, _ := Header(text)
	lines := strings.Split(text, "\n")
	if idx < 0 {
		return lines
	}
	return lines[idx+1:]
}
