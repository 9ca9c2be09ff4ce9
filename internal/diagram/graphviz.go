package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Palette holds the colours applied to a rendered image.
type Palette struct {
	Background string
	Foreground string
	NodeFill   string
}

var (
	LightPalette = Palette{Background: "white", Foreground: "#333333", NodeFill: "#ececff"}
	DarkPalette  = Palette{Background: "#1e1e1e", Foreground: "#e0e0e0", NodeFill: "#2d2d44"}
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(ctx context.Context, model *DiagramModel, palette Palette) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(rankDir(model.Direction))
	graph.SetBackgroundColor(palette.Background)
	graph.SetFontColor(palette.Foreground)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	// Clusters first so member nodes are created inside them.
	parents := map[string]*cgraph.Graph{"": graph}
	for _, g := range model.Groups {
		parent := parents[g.Parent]
		if parent == nil {
			parent = graph
		}
		sub, subErr := parent.CreateSubGraphByName("cluster_" + mermaidSafeID(g.ID))
		if subErr != nil {
			return nil, fmt.Errorf("diagram: create cluster %s: %w", g.ID, subErr)
		}
		sub.SetLabel(g.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		parents[g.ID] = sub
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		owner := parents[node.Group]
		if owner == nil {
			owner = graph
		}
		gvNode, nErr := owner.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node, palette)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		applyEdgeStyle(e, edge, palette)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func rankDir(d Direction) cgraph.RankDir {
	switch d {
	case DirectionLR:
		return cgraph.LRRank
	case DirectionRL:
		return cgraph.RLRank
	case DirectionBT:
		return cgraph.BTRank
	default:
		return cgraph.TBRank
	}
}

// applyNodeStyle sets graphviz attributes based on node shape and palette.
func applyNodeStyle(gvNode *cgraph.Node, node *Node, palette Palette) {
	style := cgraph.FilledNodeStyle
	switch node.Shape {
	case ShapeRhombus:
		gvNode.SetShape(cgraph.DiamondShape)
	case ShapeHexagon:
		gvNode.SetShape(cgraph.HexagonShape)
	case ShapeCircle:
		gvNode.SetShape(cgraph.CircleShape)
	case ShapeDoubleCircle:
		gvNode.SetShape(cgraph.DoubleCircleShape)
	case ShapeCylinder:
		gvNode.SetShape(cgraph.CylinderShape)
	case ShapeParallelogram:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case ShapeTrapezoid:
		gvNode.SetShape(cgraph.TrapeziumShape)
	case ShapeRound, ShapeStadium:
		gvNode.SetShape(cgraph.BoxShape)
		style = cgraph.NodeStyle("rounded,filled")
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	gvNode.SetStyle(style)
	gvNode.SetFillColor(palette.NodeFill)
	gvNode.SetColor(palette.Foreground)
	gvNode.SetFontColor(palette.Foreground)
}

func applyEdgeStyle(e *cgraph.Edge, edge Edge, palette Palette) {
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	switch edge.Style {
	case EdgeDotted:
		e.SetStyle(cgraph.DottedEdgeStyle)
	case EdgeThick:
		e.SetStyle(cgraph.BoldEdgeStyle)
	}
	if !edge.Arrow {
		e.SetArrowHead(cgraph.NoneArrow)
	}
	e.SetColor(palette.Foreground)
	e.SetFontColor(palette.Foreground)
}
