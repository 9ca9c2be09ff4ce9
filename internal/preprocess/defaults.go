package preprocess

import (
	"log/slog"

	"github.com/rendis/mermend/internal/grammar"
)

// Builtin pairs a transform with its registration options.
type Builtin struct {
	Options
	Transform Transform
}

func on(gs ...grammar.Type) []grammar.Type { return gs }

// Builtins returns one rule per correction class, highest band first.
func Builtins() []Builtin {
	return []Builtin{
		{Options{"unicode", Priority(760), on(grammar.Wildcard)}, normalizeUnicode},
		{Options{"strip-fences", Priority(750), on(grammar.Wildcard)}, stripFences},
		{Options{"flowchart-multiline-labels", Priority(740), on(grammar.Flowchart)}, fixMultilineLabels},
		{Options{"flowchart-label-quotes", Priority(700), on(grammar.Flowchart)}, fixLabelQuotes},
		{Options{"flowchart-label-special-chars", Priority(650), on(grammar.Flowchart)}, fixLabelSpecialChars},
		{Options{"block-delimiters", Priority(620), on(grammar.Flowchart, grammar.Sequence)}, fixBlockDelimiters},

		{Options{"flowchart-edge-labels", Priority(500), on(grammar.Flowchart)}, fixEdgeLabels},
		{Options{"sequence-messages", Priority(450), on(grammar.Sequence)}, fixSequenceMessages},
		{Options{"class-relationships", Priority(400), on(grammar.Class)}, fixClassRelationships},
		{Options{"er-cardinality", Priority(380), on(grammar.ER)}, fixERCardinality},
		{Options{"sankey-rows", Priority(350), on(grammar.Sankey)}, fixSankeyRows},
		{Options{"pie-slices", Priority(300), on(grammar.Pie)}, fixPieSlices},
		{Options{"gantt-tasks", Priority(300), on(grammar.Gantt)}, fixGanttTasks},
		{Options{"state-transitions", Priority(250), on(grammar.State)}, fixStateTransitions},
		{Options{"identifier-collisions", Priority(200), on(grammar.Flowchart, grammar.Block)}, fixIdentifierCollisions},
		{Options{"block-column-spans", Priority(180), on(grammar.Block)}, fixBlockColumnSpans},
		{Options{"flowchart-linkstyle-bounds", Priority(150), on(grammar.Flowchart)}, fixLinkStyleBounds},

		{Options{"whitespace", Priority(10), on(grammar.Wildcard)}, normalizeWhitespace},
	}
}

// Default returns a registry holding every builtin rule.
func Default(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, b := range Builtins() {
		if _, err := r.Register(b.Transform, b.Options); err != nil {
			panic(err)
		}
	}
	return r
}
