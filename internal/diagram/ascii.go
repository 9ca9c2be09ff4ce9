package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RenderASCII renders a DiagramModel as a text-based ASCII diagram.
// It uses a level-based layout with box-drawing characters.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := model.Node(nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}

		renderBoxRow(&b, boxes)

		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	if labeled := labeledEdges(model.Edges); len(labeled) > 0 {
		b.WriteString("\n--- links ---\n")
		for _, e := range labeled {
			b.WriteString(fmt.Sprintf("  %s %s %s\n", firstLine(nodeLabel(model, e.From)), edgeGlyph(e), firstLine(nodeLabel(model, e.To))))
		}
	}

	for _, g := range model.Groups {
		renderGroup(&b, model, g)
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

// corners per shape: top-left, top-right, bottom-left, bottom-right.
func corners(shape Shape) [4]string {
	switch shape {
	case ShapeRound, ShapeStadium, ShapeCircle, ShapeDoubleCircle:
		return [4]string{"╭", "╮", "╰", "╯"}
	case ShapeRhombus, ShapeHexagon:
		return [4]string{"/", "\\", "\\", "/"}
	default:
		return [4]string{"┌", "┐", "└", "┘"}
	}
}

func makeBox(node *Node) asciiBox {
	contentLines := strings.Split(node.Label, "\n")

	maxLen := 0
	for _, line := range contentLines {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4 // 2 border + 2 padding

	c := corners(node.Shape)
	var lines []string
	lines = append(lines, c[0]+strings.Repeat("─", width-2)+c[1])
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, c[2]+strings.Repeat("─", width-2)+c[3])

	return asciiBox{lines: lines, width: width}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		maxHeight = max(maxHeight, len(box.lines))
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func labeledEdges(edges []Edge) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.Label != "" {
			out = append(out, e)
		}
	}
	return out
}

func edgeGlyph(e Edge) string {
	line := "─"
	switch e.Style {
	case EdgeDotted:
		line = "┄"
	case EdgeThick:
		line = "━"
	}
	head := line
	if e.Arrow {
		head = "→"
	}
	label := ""
	if e.Label != "" {
		label = firstLine(e.Label) + " "
	}
	return line + " " + label + head
}

func nodeLabel(model *DiagramModel, id string) string {
	if n := model.Node(id); n != nil {
		return n.Label
	}
	return id
}

func renderGroup(b *strings.Builder, model *DiagramModel, g *Group) {
	b.WriteString(fmt.Sprintf("\n--- %s ---\n", g.Label))
	for _, id := range g.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", firstLine(nodeLabel(model, id))))
	}
}
