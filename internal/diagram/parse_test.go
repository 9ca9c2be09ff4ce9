package diagram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkoutFlow = `---
title: Checkout
---
flowchart LR
    %% entry
    A[Cart] --> B{Paid?}
    B -->|yes| C([Ship])
    B -- no --> D[("Retry #quot;card#quot;")]
    C & D -.-> E((Done))
    subgraph ops [Operations]
        F[[Audit]] ==> G>Notify]
    end
    classDef hot fill:#f00
    class A hot
`

func TestParseFlowchart(t *testing.T) {
	model, err := ParseFlowchart(checkoutFlow)
	require.NoError(t, err)

	assert.Equal(t, "Checkout", model.Title)
	assert.Equal(t, DirectionLR, model.Direction)

	ids := []string{}
	for _, n := range model.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G"}, ids)

	assert.Equal(t, ShapeRhombus, model.Node("B").Shape)
	assert.Equal(t, ShapeStadium, model.Node("C").Shape)
	assert.Equal(t, ShapeCylinder, model.Node("D").Shape)
	assert.Equal(t, `Retry "card"`, model.Node("D").Label)
	assert.Equal(t, ShapeCircle, model.Node("E").Shape)
	assert.Equal(t, ShapeSubroutine, model.Node("F").Shape)
	assert.Equal(t, ShapeAsymmetric, model.Node("G").Shape)

	require.Len(t, model.Edges, 6)
	assert.Equal(t, Edge{From: "A", To: "B", Style: EdgeSolid, Arrow: true}, model.Edges[0])
	assert.Equal(t, Edge{From: "B", To: "C", Label: "yes", Style: EdgeSolid, Arrow: true}, model.Edges[1])
	assert.Equal(t, Edge{From: "B", To: "D", Label: "no", Style: EdgeSolid, Arrow: true}, model.Edges[2])
	assert.Equal(t, Edge{From: "C", To: "E", Style: EdgeDotted, Arrow: true}, model.Edges[3])
	assert.Equal(t, Edge{From: "D", To: "E", Style: EdgeDotted, Arrow: true}, model.Edges[4])
	assert.Equal(t, Edge{From: "F", To: "G", Style: EdgeThick, Arrow: true}, model.Edges[5])

	require.Len(t, model.Groups, 1)
	assert.Equal(t, "ops", model.Groups[0].ID)
	assert.Equal(t, "Operations", model.Groups[0].Label)
	assert.Equal(t, []string{"F", "G"}, model.Groups[0].Nodes)
	assert.Equal(t, "ops", model.Node("F").Group)

	assert.Equal(t, [][]string{{"A", "F"}, {"B", "G"}, {"C", "D"}, {"E"}}, model.Levels)
}

func TestParseFlowchart_LabelsAndIDs(t *testing.T) {
	model, err := ParseFlowchart("graph TD\n  fetch-data[Fetch<br/>data] --- store;\n  store:::hot --> fetch-data")
	require.NoError(t, err)

	assert.Equal(t, DirectionTB, model.Direction)
	assert.Equal(t, "Fetch\ndata", model.Node("fetch-data").Label)
	assert.Equal(t, "store", model.Node("store").Label)
	require.Len(t, model.Edges, 2)
	assert.False(t, model.Edges[0].Arrow)
	assert.Equal(t, "store", model.Edges[1].From)
}

func TestParseFlowchart_Cycle(t *testing.T) {
	model, err := ParseFlowchart("flowchart TD\n  S --> A\n  A --> B\n  B --> A")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"S"}, {"A", "B"}}, model.Levels)
}

func TestParseFlowchart_Errors(t *testing.T) {
	_, err := ParseFlowchart("sequenceDiagram\n  A->>B: hi")
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "not a flowchart", perr.Msg)

	_, err = ParseFlowchart("flowchart TD\n  A --> B\n  A --> ]")
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Line)
	assert.Contains(t, err.Error(), "Parse error on line 3")

	_, err = ParseFlowchart("flowchart TD\n  A[open --> B")
	require.Error(t, err)
}
