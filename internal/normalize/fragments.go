package normalize

import "github.com/rendis/mermend/internal/grammar"

// probeBodies holds a minimal valid body for every text grammar family.
// Probe fragments are the spelling under test followed by this body.
var probeBodies = map[grammar.Type]string{
	grammar.Flowchart:    "  A-->B",
	grammar.Sequence:     "  A->>B: hi",
	grammar.Class:        "  A <|-- B",
	grammar.State:        "  [*] --> A",
	grammar.ER:           "  A ||--o{ B : has",
	grammar.Gantt:        "  dateFormat YYYY-MM-DD\n  A :a1, 2024-01-01, 1d",
	grammar.Pie:          "  \"a\" : 1",
	grammar.Journey:      "  section S\n    Task: 5: Me",
	grammar.GitGraph:     "  commit",
	grammar.Mindmap:      "  root",
	grammar.Timeline:     "  2024 : event",
	grammar.Quadrant:     "  A: [0.3, 0.6]",
	grammar.Requirement:  "  requirement r {\n    id: 1\n  }",
	grammar.C4Context:    "  Person(a, \"A\")",
	grammar.Kanban:       "  todo\n    t1[Task]",
	grammar.Sankey:       "A,B,1",
	grammar.Block:        "  a b",
	grammar.XYChart:      "  bar [1, 2]",
	grammar.Packet:       "  0-7: \"byte\"",
	grammar.Architecture: "  service a(server)[A]",
	grammar.Radar:        "  axis a, b, c",
}

// Fragment returns the canonical probe fragment for spelling t, or "" when
// t is not a probeable text grammar.
func Fragment(t grammar.Type) string {
	if grammar.IsObject(t) {
		return ""
	}
	body, ok := probeBodies[grammar.Family(t)]
	if !ok {
		return ""
	}
	header := string(t)
	if grammar.Family(t) == grammar.Flowchart {
		header += " TD"
	}
	return header + "\n" + body
}

// Probeable lists every known spelling that has a probe fragment.
func Probeable() []grammar.Type {
	var out []grammar.Type
	for _, t := range grammar.Known {
		if Fragment(t) != "" {
			out = append(out, t)
		}
	}
	return out
}
