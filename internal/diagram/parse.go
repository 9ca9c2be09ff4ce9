package diagram

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rendis/mermend/internal/grammar"
)

// ParseError reports the first flowchart line the parser could not read.
// Line is 1-based over the whole definition.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Parse error on line %d: %s: %q", e.Line, e.Msg, e.Text)
}

var skipPrefixes = []string{
	"classDef ", "class ", "style ", "linkStyle ", "click ", "direction ",
	"accTitle", "accDescr",
}

// ParseFlowchart reads a flowchart or graph definition into a model.
func ParseFlowchart(text string) (*DiagramModel, error) {
	idx, kw := grammar.Header(text)
	if idx < 0 || grammar.Family(grammar.Type(kw)) != grammar.Flowchart {
		return nil, &ParseError{Line: idx + 1, Text: kw, Msg: "not a flowchart"}
	}
	lines := strings.Split(text, "\n")

	b := &builder{
		model: &DiagramModel{
			Title:     frontMatterTitle(lines[:idx]),
			Direction: headerDirection(lines[idx]),
		},
		nodes:  map[string]*Node{},
		groups: map[string]*Group{},
	}

	for i := idx + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		line = strings.TrimSpace(strings.TrimSuffix(line, ";"))
		switch {
		case line == "" || strings.HasPrefix(line, "%%"):
		case line == "end":
			b.closeGroup()
		case line == "subgraph" || strings.HasPrefix(line, "subgraph "):
			b.openGroup(strings.TrimSpace(strings.TrimPrefix(line, "subgraph")))
		case hasPrefix(line, skipPrefixes):
		default:
			if err := b.statement(line); err != nil {
				return nil, &ParseError{Line: i + 1, Text: line, Msg: err.Error()}
			}
		}
	}
	b.model.Levels = computeLevels(b.model)
	return b.model, nil
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func headerDirection(header string) Direction {
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return DirectionTB
	}
	switch strings.ToUpper(fields[1]) {
	case "LR":
		return DirectionLR
	case "RL":
		return DirectionRL
	case "BT":
		return DirectionBT
	default:
		return DirectionTB
	}
}

func frontMatterTitle(lines []string) string {
	for _, l := range lines {
		if v, ok := strings.CutPrefix(strings.TrimSpace(l), "title:"); ok {
			return strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return ""
}

type builder struct {
	model  *DiagramModel
	nodes  map[string]*Node
	groups map[string]*Group
	stack  []*Group
	anon   int
}

func (b *builder) currentGroup() string {
	if len(b.stack) == 0 {
		return ""
	}
	return b.stack[len(b.stack)-1].ID
}

func (b *builder) openGroup(decl string) {
	id, label := decl, decl
	if open := strings.IndexByte(decl, '['); open > 0 && strings.HasSuffix(decl, "]") {
		id = strings.TrimSpace(decl[:open])
		label = cleanLabel(decl[open+1 : len(decl)-1])
	} else {
		label = cleanLabel(decl)
		if strings.ContainsAny(decl, " \"") || decl == "" {
			b.anon++
			id = fmt.Sprintf("subgraph%d", b.anon)
		}
	}
	g := &Group{ID: id, Label: label, Parent: b.currentGroup()}
	if _, exists := b.groups[id]; !exists {
		b.groups[id] = g
		b.model.Groups = append(b.model.Groups, g)
	}
	b.stack = append(b.stack, b.groups[id])
}

func (b *builder) closeGroup() {
	if len(b.stack) > 0 {
		b.stack = b.stack[:len(b.stack)-1]
	}
}

func (b *builder) addNode(ref nodeRef) {
	n, ok := b.nodes[ref.id]
	if !ok {
		n = &Node{ID: ref.id, Label: ref.id, Shape: ShapeRect, Group: b.currentGroup()}
		b.nodes[ref.id] = n
		b.model.Nodes = append(b.model.Nodes, n)
		if g := b.groups[n.Group]; g != nil {
			g.Nodes = append(g.Nodes, n.ID)
		}
	}
	if ref.shaped {
		n.Label = ref.label
		n.Shape = ref.shape
	}
}

// statement reads `group (link group)*` where group is `node (& node)*`.
func (b *builder) statement(line string) error {
	p := &lineParser{s: line}
	left, err := p.nodeGroup()
	if err != nil {
		return err
	}
	for _, ref := range left {
		b.addNode(ref)
	}
	for !p.done() {
		lk, ok := p.link()
		if !ok {
			return fmt.Errorf("unexpected %q", p.rest())
		}
		right, err := p.nodeGroup()
		if err != nil {
			return err
		}
		for _, ref := range right {
			b.addNode(ref)
		}
		for _, from := range left {
			for _, to := range right {
				b.model.Edges = append(b.model.Edges, Edge{
					From: from.id, To: to.id, Label: lk.label, Style: lk.style, Arrow: lk.arrow,
				})
			}
		}
		left = right
	}
	return nil
}

type nodeRef struct {
	id     string
	label  string
	shape  Shape
	shaped bool
}

type link struct {
	label string
	style EdgeStyle
	arrow bool
}

type lineParser struct {
	s   string
	pos int
}

func (p *lineParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *lineParser) done() bool {
	p.skipSpace()
	return p.pos >= len(p.s)
}

func (p *lineParser) rest() string { return p.s[p.pos:] }

func (p *lineParser) nodeGroup() ([]nodeRef, error) {
	var refs []nodeRef
	for {
		ref, err := p.node()
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
		p.skipSpace()
		if p.pos < len(p.s) && p.s[p.pos] == '&' {
			p.pos++
			continue
		}
		return refs, nil
	}
}

func isIDRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (p *lineParser) node() (nodeRef, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) {
		r, size := utf8.DecodeRuneInString(p.s[p.pos:])
		if isIDRune(r) {
			p.pos += size
			continue
		}
		// dashes inside ids, but never the start of a link
		if r == '-' && p.pos > start && p.pos+1 < len(p.s) {
			next, _ := utf8.DecodeRuneInString(p.s[p.pos+1:])
			if isIDRune(next) {
				p.pos++
				continue
			}
		}
		break
	}
	if p.pos == start {
		return nodeRef{}, fmt.Errorf("expected node id at %q", p.rest())
	}
	ref := nodeRef{id: p.s[start:p.pos]}

	if label, shape, ok := p.shape(); ok {
		ref.label, ref.shape, ref.shaped = cleanLabel(label), shape, true
	}
	if strings.HasPrefix(p.rest(), ":::") {
		p.pos += 3
		for p.pos < len(p.s) {
			r, size := utf8.DecodeRuneInString(p.s[p.pos:])
			if !isIDRune(r) && r != '-' {
				break
			}
			p.pos += size
		}
	}
	return ref, nil
}

type shapeSyntax struct {
	open   string
	closes map[string]Shape
}

// shapeSyntaxes are tried longest opener first.
var shapeSyntaxes = []shapeSyntax{
	{"(((", map[string]Shape{")))": ShapeDoubleCircle}},
	{"((", map[string]Shape{"))": ShapeCircle}},
	{"([", map[string]Shape{"])": ShapeStadium}},
	{"[[", map[string]Shape{"]]": ShapeSubroutine}},
	{"[(", map[string]Shape{")]": ShapeCylinder}},
	{"[/", map[string]Shape{"/]": ShapeParallelogram, `\]`: ShapeTrapezoid}},
	{`[\`, map[string]Shape{`\]`: ShapeParallelogram, "/]": ShapeTrapezoid}},
	{"{{", map[string]Shape{"}}": ShapeHexagon}},
	{"[", map[string]Shape{"]": ShapeRect}},
	{"(", map[string]Shape{")": ShapeRound}},
	{"{", map[string]Shape{"}": ShapeRhombus}},
	{">", map[string]Shape{"]": ShapeAsymmetric}},
}

func (p *lineParser) shape() (string, Shape, bool) {
	rest := p.rest()
	for _, syn := range shapeSyntaxes {
		if !strings.HasPrefix(rest, syn.open) {
			continue
		}
		from := len(syn.open)
		inQuote := false
		for i := from; i < len(rest); i++ {
			if rest[i] == '"' {
				inQuote = !inQuote
				continue
			}
			if inQuote {
				continue
			}
			for cl, shape := range syn.closes {
				if strings.HasPrefix(rest[i:], cl) {
					p.pos += i + len(cl)
					return rest[from:i], shape, true
				}
			}
		}
	}
	return "", "", false
}

var (
	inlineLink = regexp.MustCompile(`^\s*(--|==|-\.)([^-=.>|&][^|]*?)(-{2,}>|={2,}>|\.-+>|-{3,}|={3,}|\.-+)`)
	plainLink  = regexp.MustCompile(`^\s*<?(-{2,}|={2,}|-\.+-|~~~)(>|x|o)?(?:\s*\|([^|]*)\|)?`)
)

func (p *lineParser) link() (link, bool) {
	rest := p.rest()
	if m := inlineLink.FindStringSubmatch(rest); m != nil {
		p.pos += len(m[0])
		tail := m[3]
		return link{
			label: cleanLabel(m[2]),
			style: linkStyle(m[1] + tail),
			arrow: strings.HasSuffix(tail, ">"),
		}, true
	}
	if m := plainLink.FindStringSubmatch(rest); m != nil {
		p.pos += len(m[0])
		return link{
			label: cleanLabel(m[3]),
			style: linkStyle(m[1]),
			arrow: m[2] != "",
		}, true
	}
	return link{}, false
}

func linkStyle(token string) EdgeStyle {
	switch {
	case strings.Contains(token, "="):
		return EdgeThick
	case strings.Contains(token, "."):
		return EdgeDotted
	default:
		return EdgeSolid
	}
}

var entityReplacer = strings.NewReplacer(
	"#quot;", `"`, "#lt;", "<", "#gt;", ">", "#amp;", "&", "#59;", ";",
	"<br/>", "\n", "<br>", "\n", "<br />", "\n",
)

func cleanLabel(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return entityReplacer.Replace(s)
}

// computeLevels assigns every node the length of the longest path reaching
// it. Nodes on cycles land one level below the deepest placed node.
func computeLevels(m *DiagramModel) [][]string {
	indeg := make(map[string]int, len(m.Nodes))
	next := make(map[string][]string, len(m.Nodes))
	for _, e := range m.Edges {
		if e.From == e.To {
			continue
		}
		indeg[e.To]++
		next[e.From] = append(next[e.From], e.To)
	}

	level := make(map[string]int, len(m.Nodes))
	var queue []string
	for _, n := range m.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	placed := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		placed[id] = true
		for _, to := range next[id] {
			level[to] = max(level[to], level[id]+1)
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	deepest := 0
	for id := range placed {
		deepest = max(deepest, level[id])
	}
	var levels [][]string
	for _, n := range m.Nodes {
		l := level[n.ID]
		if !placed[n.ID] {
			l = deepest + 1
		}
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], n.ID)
	}
	return levels
}
