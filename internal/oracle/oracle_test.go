package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/mermend/internal/grammar"
)

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name string
		text string
		g    grammar.Type
		want bool
	}{
		{"empty", "   \n", grammar.Flowchart, false},
		{"header only", "flowchart TD\n", grammar.Flowchart, false},
		{"single edge", "flowchart TD\n  A-->B", grammar.Flowchart, true},
		{"node shape", "graph LR\n  A[Start]", grammar.Graph, true},
		{"open label", "flowchart TD\n  A[Sta", grammar.Flowchart, false},
		{"dangling arrow", "flowchart TD\n  A[Start] -->", grammar.Flowchart, false},
		{"dangling dash", "flowchart TD\n  A[Start] -", grammar.Flowchart, false},
		{"dangling pipe", "flowchart TD\n  A -->|yes|", grammar.Flowchart, false},
		{"edge label", "flowchart TD\n  A -->|yes (maybe| B", grammar.Flowchart, true},
		{"asymmetric shape", "flowchart TD\n  A>flag] --> B", grammar.Flowchart, true},
		{"open subgraph", "flowchart TD\n  subgraph S\n    A-->B", grammar.Flowchart, false},
		{"closed subgraph", "flowchart TD\n  subgraph S\n    A-->B\n  end", grammar.Flowchart, true},
		{"directives only", "flowchart TD\n  classDef x fill:#f00", grammar.Flowchart, false},
		{"unterminated quote", "flowchart TD\n  A[\"Load] --> B", grammar.Flowchart, false},
		{"mismatched", "flowchart TD\n  A[Load) --> B", grammar.Flowchart, false},
		{"comment only", "flowchart TD\n  %% A-->B", grammar.Flowchart, false},

		{"sequence message", "sequenceDiagram\n  A->>B: hi", grammar.Sequence, true},
		{"sequence no text", "sequenceDiagram\n  A->>B:", grammar.Sequence, false},
		{"sequence open loop", "sequenceDiagram\n  loop Every minute\n    A->>B: ping", grammar.Sequence, false},
		{"sequence closed loop", "sequenceDiagram\n  loop Every minute\n    A->>B: ping\n  end", grammar.Sequence, true},
		{"sequence parens in prose", "sequenceDiagram\n  A->>B: see (note", grammar.Sequence, true},
		{"sequence participants only", "sequenceDiagram\n  participant A", grammar.Sequence, false},

		{"sankey", "sankey-beta\nA,B,5\nC,D,1.5", grammar.SankeyBeta, true},
		{"sankey short row", "sankey-beta\nA,B\nC,D,5", grammar.SankeyBeta, false},
		{"sankey partial value", "sankey-beta\nA,B,", grammar.SankeyBeta, false},
		{"sankey quoted comma", "sankey\n\"A, Inc\",B,5", grammar.Sankey, true},
		{"sankey no rows", "sankey-beta\n%% nothing yet", grammar.SankeyBeta, false},

		{"pie", "pie title Pets\n  \"Dogs\" : 386", grammar.Pie, true},
		{"pie dangling", "pie\n  \"Dogs\" :", grammar.Pie, false},
		{"pie title only", "pie\n  title Pets", grammar.Pie, false},
		{"gantt", "gantt\n  dateFormat YYYY-MM-DD\n  A :a1, 2024-01-01, 1d", grammar.Gantt, true},
		{"gantt directives only", "gantt\n  dateFormat YYYY-MM-DD\n  section S", grammar.Gantt, false},
		{"class relation", "classDiagram\n  Animal <|-- Duck", grammar.Class, true},
		{"class open body", "classDiagram\n  class Duck {\n    +swim()", grammar.Class, false},
		{"class closed body", "classDiagram\n  class Duck {\n    +swim()\n  }", grammar.Class, true},
		{"er relation", "erDiagram\n  CUSTOMER ||--o{ ORDER : places", grammar.ER, true},
		{"er no label", "erDiagram\n  CUSTOMER ||--o{ ORDER :", grammar.ER, false},
		{"er entity", "erDiagram\n  CUSTOMER {\n    string name\n  }", grammar.ER, true},
		{"state", "stateDiagram-v2\n  [*] --> Still", grammar.StateV2, true},
		{"generic grammar", "journey\n  title My day", grammar.Journey, true},
		{"grammar from text", "pie\n  \"a\" : 1", "", true},

		{"object json", `{"data":{"values":[]},"mark":"bar"}`, grammar.VegaLite, true},
		{"object nested", `{"data":{"values":[]},"layer":[{"mark":"line"}]}`, grammar.VegaLite, true},
		{"object no mark", `{"data":{"values":[]}}`, grammar.VegaLite, false},
		{"object truncated", `{"data":{"values":[]},"mark":"ba`, grammar.VegaLite, false},
		{"object yaml", "data:\n  values: []\nmark: bar\n", grammar.VegaLite, true},
		{"object yaml no data", "mark: bar\n", grammar.Chart, false},
		{"object sniffed", `{"values":[1],"encoding":{}}`, grammar.Flowchart, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsComplete(tt.text, tt.g))
		})
	}
}

func TestExplain_Reasons(t *testing.T) {
	assert.Equal(t, Verdict{Complete: true}, Explain("flowchart TD\n  A-->B", grammar.Flowchart))
	assert.Equal(t, "unclosed delimiter", Explain("flowchart TD\n  A[x", grammar.Flowchart).Reason)
	assert.Equal(t, "no presentation field", Explain(`{"data":{}}`, grammar.VegaLite).Reason)
}

func TestIsComplete_TrailingWhitespaceIsMonotone(t *testing.T) {
	inputs := []struct {
		text string
		g    grammar.Type
	}{
		{"flowchart TD\n  A[Start] --> B{Ok?}\n  B -->|yes| C", grammar.Flowchart},
		{"sequenceDiagram\n  A->>B: hi", grammar.Sequence},
		{"sankey-beta\nA,B,5", grammar.SankeyBeta},
		{"classDiagram\n  class Duck {\n  }", grammar.Class},
		{"erDiagram\n  A ||--|{ B : has", grammar.ER},
		{`{"data":{"values":[]},"mark":"bar"}`, grammar.VegaLite},
		{"pie\n  \"a\" : 1", grammar.Pie},
	}
	suffixes := []string{" ", "\n", "\t\n  \n", "\r\n"}
	for _, in := range inputs {
		if !IsComplete(in.text, in.g) {
			t.Fatalf("fixture should be complete: %q", in.text)
		}
		for _, s := range suffixes {
			assert.True(t, IsComplete(in.text+s, in.g), "%q + %q", in.text, s)
		}
	}
}

func TestIsComplete_StreamedFlowchartPrefixes(t *testing.T) {
	full := "flowchart TD\n    A[Start] --> B{Valid?}\n    B -->|yes| C[Done]"

	var firstComplete int
	for i := 1; i <= len(full); i++ {
		if IsComplete(full[:i], grammar.Flowchart) {
			firstComplete = i
			break
		}
	}
	assert.Equal(t, "flowchart TD\n    A[Start]", full[:firstComplete])
	assert.True(t, IsComplete(full, grammar.Flowchart))
	assert.False(t, IsComplete(full[:len(full)-3], grammar.Flowchart))
}

func TestDangling(t *testing.T) {
	for _, l := range []string{"A -->", "A ==>", "A -.->", "A --", "A |x|", "A &", "a,", "x :"} {
		assert.True(t, dangling(l), l)
	}
	for _, l := range []string{"A --> B", "A[x]", "B{y}", "<b>", "x >"} {
		assert.False(t, dangling(l), l)
	}
}
