package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid serializes a DiagramModel as a canonical flowchart: every
// label quoted and escaped, one declaration per node, one line per edge.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("flowchart " + string(model.Direction) + "\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		if node.Group == "" {
			b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
		}
	}
	for _, g := range model.Groups {
		if g.Parent == "" {
			writeGroup(&b, model, g, 1)
		}
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		b.WriteString(fmt.Sprintf("    %s %s%s %s\n",
			mermaidSafeID(edge.From), mermaidLink(edge), label, mermaidSafeID(edge.To)))
	}

	return b.String()
}

func writeGroup(b *strings.Builder, model *DiagramModel, g *Group, depth int) {
	indent := strings.Repeat("    ", depth)
	b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s\"]\n", indent, mermaidSafeID(g.ID), mermaidEscapeLabel(g.Label)))
	for _, id := range g.Nodes {
		if node := model.Node(id); node != nil {
			b.WriteString(fmt.Sprintf("%s    %s\n", indent, mermaidNodeDef(node)))
		}
	}
	for _, child := range model.Groups {
		if child.Parent == g.ID {
			writeGroup(b, model, child, depth+1)
		}
	}
	b.WriteString(indent + "end\n")
}

var shapeDelims = map[Shape][2]string{
	ShapeRect:          {"[", "]"},
	ShapeRound:         {"(", ")"},
	ShapeStadium:       {"([", "])"},
	ShapeSubroutine:    {"[[", "]]"},
	ShapeCylinder:      {"[(", ")]"},
	ShapeCircle:        {"((", "))"},
	ShapeDoubleCircle:  {"(((", ")))"},
	ShapeAsymmetric:    {">", "]"},
	ShapeRhombus:       {"{", "}"},
	ShapeHexagon:       {"{{", "}}"},
	ShapeParallelogram: {"[/", "/]"},
	ShapeTrapezoid:     {"[/", `\]`},
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	d, ok := shapeDelims[node.Shape]
	if !ok {
		d = shapeDelims[ShapeRect]
	}
	return fmt.Sprintf("%s%s\"%s\"%s", mermaidSafeID(node.ID), d[0], mermaidEscapeLabel(node.Label), d[1])
}

func mermaidLink(e Edge) string {
	links := map[EdgeStyle][2]string{
		EdgeSolid:  {"---", "-->"},
		EdgeDotted: {"-.-", "-.->"},
		EdgeThick:  {"===", "==>"},
	}
	l, ok := links[e.Style]
	if !ok {
		l = links[EdgeSolid]
	}
	if e.Arrow {
		return l[1]
	}
	return l[0]
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel escapes characters that end a quoted label.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "\n", "<br/>", "|", "#124;")
	return r.Replace(s)
}
