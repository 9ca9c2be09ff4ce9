// Package diagram parses flowchart definitions into a layout-neutral model
// and draws that model as ASCII, PNG or canonical mermaid text.
package diagram

// Shape classifies how a node is drawn.
type Shape string

const (
	ShapeRect          Shape = "rect"
	ShapeRound         Shape = "round"
	ShapeStadium       Shape = "stadium"
	ShapeSubroutine    Shape = "subroutine"
	ShapeCylinder      Shape = "cylinder"
	ShapeCircle        Shape = "circle"
	ShapeDoubleCircle  Shape = "double-circle"
	ShapeAsymmetric    Shape = "asymmetric"
	ShapeRhombus       Shape = "rhombus"
	ShapeHexagon       Shape = "hexagon"
	ShapeParallelogram Shape = "parallelogram"
	ShapeTrapezoid     Shape = "trapezoid"
)

// EdgeStyle is the stroke of a link.
type EdgeStyle string

const (
	EdgeSolid  EdgeStyle = "solid"
	EdgeDotted EdgeStyle = "dotted"
	EdgeThick  EdgeStyle = "thick"
)

// Direction is the flowchart rank direction.
type Direction string

const (
	DirectionTB Direction = "TB"
	DirectionBT Direction = "BT"
	DirectionLR Direction = "LR"
	DirectionRL Direction = "RL"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title     string
	Direction Direction
	Nodes     []*Node
	Edges     []Edge
	Groups    []*Group
	Levels    [][]string
}

// Node is a single flowchart vertex. Label may span lines.
type Node struct {
	ID    string
	Label string
	Shape Shape
	Group string
}

// Group is a subgraph. Nodes lists member ids in declaration order.
type Group struct {
	ID     string
	Label  string
	Parent string
	Nodes  []string
}

// Edge is a link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Style EdgeStyle
	Arrow bool
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
