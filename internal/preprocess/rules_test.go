package preprocess

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mermend/internal/grammar"
)

func TestRules(t *testing.T) {
	tests := []struct {
		name string
		fn   Transform
		g    grammar.Type
		in   string
		want string
	}{
		{
			name: "strip fences",
			fn:   stripFences,
			g:    grammar.Flowchart,
			in:   "```mermaid\nflowchart LR\nA-->B\n```",
			want: "flowchart LR\nA-->B",
		},
		{
			name: "strip bare mermaid tag",
			fn:   stripFences,
			g:    grammar.Graph,
			in:   "mermaid\ngraph TD\nA-->B",
			want: "graph TD\nA-->B",
		},
		{
			name: "multiline label joined",
			fn:   fixMultilineLabels,
			g:    grammar.Flowchart,
			in:   "flowchart TD\n  A[first\n  second] --> B",
			want: "flowchart TD\n  A[first<br/>second] --> B",
		},
		{
			name: "unclosed label left for streaming",
			fn:   fixMultilineLabels,
			g:    grammar.Flowchart,
			in:   "flowchart TD\n  A[first\n  second",
			want: "flowchart TD\n  A[first\n  second",
		},
		{
			name: "duplicated quotes collapsed",
			fn:   fixLabelQuotes,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A[\"\"Hello\"\"] --> B[\"ok\"]",
			want: "flowchart LR\n  A[\"Hello\"] --> B[\"ok\"]",
		},
		{
			name: "unterminated quote closed",
			fn:   fixLabelQuotes,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A[\"Unclosed] --> B",
			want: "flowchart LR\n  A[\"Unclosed\"] --> B",
		},
		{
			name: "special characters quoted",
			fn:   fixLabelSpecialChars,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A[Call api()] --> B[a<br>b]",
			want: "flowchart LR\n  A[\"Call api()\"] --> B[a<br>b]",
		},
		{
			name: "angle brackets and literal newline",
			fn:   fixLabelSpecialChars,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A[x > y\\nz]",
			want: "flowchart LR\n  A[\"x #gt; y<br/>z\"]",
		},
		{
			name: "unmatched end dropped and subgraph closed",
			fn:   fixBlockDelimiters,
			g:    grammar.Flowchart,
			in:   "flowchart TD\n  end\n  subgraph one\n    A --> B\n",
			want: "flowchart TD\n  subgraph one\n    A --> B\n  end",
		},
		{
			name: "sequence alt closed",
			fn:   fixBlockDelimiters,
			g:    grammar.Sequence,
			in:   "sequenceDiagram\n  alt ok\n    A->>B: hi\n  else no\n    A->>B: bye",
			want: "sequenceDiagram\n  alt ok\n    A->>B: hi\n  else no\n    A->>B: bye\n  end",
		},
		{
			name: "dash label",
			fn:   fixEdgeLabels,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A -- yes --> B",
			want: "flowchart LR\n  A -->|yes| B",
		},
		{
			name: "label before arrow",
			fn:   fixEdgeLabels,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A |no| --> B",
			want: "flowchart LR\n  A -->|no| B",
		},
		{
			name: "dotted label",
			fn:   fixEdgeLabels,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A -. maybe .-> B",
			want: "flowchart LR\n  A -.->|maybe| B",
		},
		{
			name: "thick label",
			fn:   fixEdgeLabels,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A == sure ==> B",
			want: "flowchart LR\n  A ==>|sure| B",
		},
		{
			name: "quoted arrows untouched",
			fn:   fixEdgeLabels,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A[\"x -- y --> z\"] --> B",
			want: "flowchart LR\n  A[\"x -- y --> z\"] --> B",
		},
		{
			name: "sequence messages",
			fn:   fixSequenceMessages,
			g:    grammar.Sequence,
			in:   "sequenceDiagram\n  A=>B hello; world\n  B<<-A: reply\n  Note over A: x->y",
			want: "sequenceDiagram\n  A->>B: hello#59; world\n  A->>B: reply\n  Note over A: x->y",
		},
		{
			name: "class relationships",
			fn:   fixClassRelationships,
			g:    grammar.Class,
			in:   "classDiagram\n  Animal <|- Duck\n  Animal -> Fish : eats\n  Zebra >-- Horse\n  Duck ..|> Swimmer\n  class Duck {\n    +swim() void\n  }",
			want: "classDiagram\n  Animal <|-- Duck\n  Animal --> Fish : eats\n  Duck ..|> Swimmer\n  class Duck {\n    +swim() void\n  }",
		},
		{
			name: "er cardinality",
			fn:   fixERCardinality,
			g:    grammar.ER,
			in:   "erDiagram\n  CUSTOMER |o--o{ ORDER : places\n  ORDER }|-|| ITEM\n  A >>--<< B : bad\n  ITEM {\n    string sku\n  }",
			want: "erDiagram\n  CUSTOMER |o--o{ ORDER : places\n  ORDER }|--|| ITEM : relates\n  ITEM {\n    string sku\n  }",
		},
		{
			name: "sankey value repaired",
			fn:   fixSankeyRows,
			g:    grammar.Sankey,
			in:   "sankey\nA,B, 10 units\n\"X, Inc\",Y,3",
			want: "sankey\nA,B,10\n\"X, Inc\",Y,3",
		},
		{
			name: "pie slices",
			fn:   fixPieSlices,
			g:    grammar.Pie,
			in:   "pie title Pets\n  Dogs : 40%\n  \"Cats\": 30\n  Birds : many",
			want: "pie title Pets\n  \"Dogs\" : 40\n  \"Cats\" : 30",
		},
		{
			name: "gantt date format and trailing comma",
			fn:   fixGanttTasks,
			g:    grammar.Gantt,
			in:   "gantt\n  title Plan\n  Task one :a1, 2024-01-01, 3d,",
			want: "gantt\n    dateFormat YYYY-MM-DD\n  title Plan\n  Task one :a1, 2024-01-01, 3d",
		},
		{
			name: "state arrows",
			fn:   fixStateTransitions,
			g:    grammar.StateV2,
			in:   "stateDiagram-v2\n  [*] -> Idle\n  Idle -> Busy : a -> b",
			want: "stateDiagram-v2\n  [*] --> Idle\n  Idle --> Busy : a -> b",
		},
		{
			name: "flowchart container reused as node",
			fn:   fixIdentifierCollisions,
			g:    grammar.Flowchart,
			in:   "flowchart TD\n  subgraph API\n    API[API server] --> DB\n  end\n  Client --> API",
			want: "flowchart TD\n  subgraph API\n    API_node[API server] --> DB\n  end\n  Client --> API_node",
		},
		{
			name: "block container reused as leaf",
			fn:   fixIdentifierCollisions,
			g:    grammar.BlockBeta,
			in:   "block-beta\n  block:api\n    api\n  end",
			want: "block-beta\n  block:api\n    api_node\n  end",
		},
		{
			name: "block spans clamped",
			fn:   fixBlockColumnSpans,
			g:    grammar.BlockBeta,
			in:   "block-beta\n  columns 3\n  block:api:5\n    columns 2\n    db:4\n  end\n  cache:7",
			want: "block-beta\n  columns 3\n  block:api:3\n    columns 2\n    db:2\n  end\n  cache:3",
		},
		{
			name: "linkStyle beyond link count",
			fn:   fixLinkStyleBounds,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A & B --> C --> D\n  linkStyle 0,3,4 stroke:red\n  linkStyle 7 color:blue",
			want: "flowchart LR\n  A & B --> C --> D\n  linkStyle 0 stroke:red",
		},
		{
			name: "unicode",
			fn:   normalizeUnicode,
			g:    grammar.Flowchart,
			in:   "flowchart LR\n  A\u00a0-->\u200bB\ufeff \uff21\uff11",
			want: "flowchart LR\n  A -->B A1",
		},
		{
			name: "whitespace",
			fn:   normalizeWhitespace,
			g:    grammar.Flowchart,
			in:   "\n\nflowchart LR  \r\n\r\n\r\nA-->B\r\n\n",
			want: "flowchart LR\n\nA-->B",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(tt.in, tt.g)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := tt.fn(got, tt.g)
			require.NoError(t, err)
			assert.Equal(t, got, again, "rule must be idempotent")
		})
	}
}

func TestDefault_ScenarioUnbalancedQuoteInLabel(t *testing.T) {
	r := Default(quietLogger())
	out := r.Run(context.Background(), "flowchart TD\n    A[Load \"User\" Profile] --> B", grammar.Flowchart)

	assert.Equal(t, "flowchart TD\n    A[\"Load #quot;User#quot; Profile\"] --> B", out)

	label := regexp.MustCompile(`A\["(.*)"\]`).FindStringSubmatch(out)
	require.NotNil(t, label)
	assert.NotContains(t, label[1], `"`)
	assert.Contains(t, out, "--> B")
}

func TestDefault_ScenarioSankeyArity(t *testing.T) {
	r := Default(quietLogger())
	out := r.Run(context.Background(), "sankey-beta\nA,B\nC,D,5", grammar.SankeyBeta)
	assert.Equal(t, "sankey-beta\nC,D,5", out)
}

func TestDefault_OneRulePerClassInBands(t *testing.T) {
	r := Default(quietLogger())
	infos := r.List()
	require.Len(t, infos, len(Builtins()))

	seen := map[string]bool{}
	for i, info := range infos {
		assert.False(t, seen[info.Name], "duplicate rule %s", info.Name)
		seen[info.Name] = true
		if i > 0 {
			assert.LessOrEqual(t, info.Priority, infos[i-1].Priority)
		}
	}
	for _, info := range infos {
		switch info.Name {
		case "whitespace":
			assert.LessOrEqual(t, info.Priority, BandGenericMax)
		case "unicode", "strip-fences", "flowchart-multiline-labels", "flowchart-label-quotes",
			"flowchart-label-special-chars", "block-delimiters":
			assert.GreaterOrEqual(t, info.Priority, BandStructuralMin)
			assert.LessOrEqual(t, info.Priority, BandStructuralMax)
		default:
			assert.GreaterOrEqual(t, info.Priority, BandSyntaxMin, info.Name)
			assert.LessOrEqual(t, info.Priority, BandSyntaxMax, info.Name)
		}
	}
}

func TestDefault_OrderIsLoadBearing(t *testing.T) {
	const fixture = "flowchart TD\n    A[Step -- then --> next] --> B"
	ctx := context.Background()

	ordered := Default(quietLogger()).Run(ctx, fixture, grammar.Flowchart)
	assert.Equal(t, "flowchart TD\n    A[\"Step -- then --#gt; next\"] --> B", ordered)

	swapped := NewRegistry(quietLogger())
	for _, b := range Builtins() {
		opts := b.Options
		if opts.Name == "flowchart-edge-labels" {
			opts.Priority = Priority(800)
		}
		_, err := swapped.Register(b.Transform, opts)
		require.NoError(t, err)
	}
	reordered := swapped.Run(ctx, fixture, grammar.Flowchart)

	assert.NotEqual(t, ordered, reordered)
	assert.Contains(t, reordered, "|then|", "edge rule rewrote text inside the node label")
}

var idempotenceCorpus = []struct {
	g    grammar.Type
	text string
}{
	{grammar.Flowchart, "```mermaid\nflowchart TD\n    A[Start (init)] -- go --> B{Is it?}\n    B |yes| --> C[\"\"Done\"\"]\n    C --> D[Load \"User\" Profile]\n    subgraph S1\n    E --> F\n    linkStyle 0,9 stroke:#f00\n```"},
	{grammar.Graph, "graph LR\n  A((round)) -.-> B>flag]\n  B --> C[[sub]]\n  C --- D[(db)]"},
	{grammar.Sequence, "sequenceDiagram\n    participant A\n    A=>B hello; world\n    B<<-A: reply\n    loop every minute\n    A->>B: ping"},
	{grammar.Class, "classDiagram\n    Animal <|- Duck\n    Animal -> Fish : eats\n    Zebra >-- Horse\n    class Duck {\n        +swim()\n    }"},
	{grammar.ER, "erDiagram\n    CUSTOMER |o--o{ ORDER : places\n    ORDER }|--|| PRODUCT\n    A >>--<< B : bad\n    CUSTOMER {\n        string name\n    }"},
	{grammar.SankeyBeta, "sankey-beta\n%% flows\nA,B,10\nA,C\nB,D,$5\n\"X, Inc\",Y,3"},
	{grammar.Pie, "pie title Pets\n    Dogs : 40%\n    \"Cats\": 30\n    Birds : many"},
	{grammar.Gantt, "gantt\n    title Plan\n    section A\n    Task one :a1, 2024-01-01, 3d,"},
	{grammar.StateV2, "stateDiagram-v2\n    [*] -> Idle\n    Idle -> Busy : start -> go"},
	{grammar.BlockBeta, "block-beta\n    columns 3\n    block:api:5\n        columns 2\n        api\n        db:4\n    end\n    cache:7"},
	{grammar.Flowchart, "\ufeffflowchart LR\r\n\r\n\r\n  A\u00a0-->\u200bB  \r\n"},
	{grammar.Flowchart, "flowchart TD\n    A[foo \uff08bar\uff09] --> B"},
	{grammar.VegaLite, "{\n  \"mark\": \"bar\",\n\n\n  \"data\": {\"values\": []}\n}"},
}

func TestDefault_Idempotent(t *testing.T) {
	r := Default(quietLogger())
	ctx := context.Background()
	for _, fx := range idempotenceCorpus {
		t.Run(string(fx.g), func(t *testing.T) {
			once := r.Run(ctx, fx.text, fx.g)
			twice := r.Run(ctx, once, fx.g)
			assert.Equal(t, once, twice)
		})
	}
}

func TestDefault_UnicodeRunsBeforeLabelRules(t *testing.T) {
	out := Default(quietLogger()).Run(context.Background(), "flowchart TD\n    A[foo \uff08bar\uff09] --> B", grammar.Flowchart)
	assert.Equal(t, "flowchart TD\n    A[\"foo (bar)\"] --> B", out)
}

func TestDefault_FlowchartFixture(t *testing.T) {
	out := Default(quietLogger()).Run(context.Background(), idempotenceCorpus[0].text, grammar.Flowchart)

	assert.NotContains(t, out, "```")
	assert.Contains(t, out, `A["Start (init)"] -->|go| B{Is it?}`)
	assert.Contains(t, out, `B -->|yes| C["Done"]`)
	assert.Contains(t, out, `D["Load #quot;User#quot; Profile"]`)
	assert.Contains(t, out, "linkStyle 0 stroke:#f00")
	assert.True(t, strings.HasSuffix(out, "\n    end"))
}

func TestRules_NeverPanic(t *testing.T) {
	inputs := []string{
		"", "\n", "   ", "flowchart", "[[[((({{{", `"""`, "]]])))}}}",
		"flowchart TD\nA[\"", "flowchart TD\nA-->|", "sequenceDiagram\nA->>",
		"erDiagram\n}|--", "block-beta\nblock:", "block-beta\ncolumns x\na:99999999999999999999",
		"end\nend\nend", "classDiagram\n<|--", "pie\n:", "sankey\n,,,", "gantt\n,",
		"linkStyle 99 x", "subgraph\nsubgraph", "\x00\xff\xfe", "---\n---\n---",
		strings.Repeat("A[", 200),
	}
	for _, b := range Builtins() {
		for _, g := range grammar.Known {
			for _, in := range inputs {
				assert.NotPanics(t, func() { _, _ = b.Transform(in, g) }, "%s on %q", b.Name, in)
			}
		}
	}

	r := Default(quietLogger())
	for _, in := range inputs {
		assert.NotPanics(t, func() { r.Run(context.Background(), in, grammar.Flowchart) })
	}
}
