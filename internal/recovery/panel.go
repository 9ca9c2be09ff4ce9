package recovery

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/mermend/internal/plugins"
)

// PanelContentType is the media type of error panels.
const PanelContentType = "text/html; charset=utf-8"

// Panel is the boxed error presentation shared by every handler.
type Panel struct {
	Title   string
	Message string
	Source  string
	Mark    int // 1-based source line to highlight, 0 for none
	// Original is the submitted text when Source is a corrected copy.
	Original string
	Kind     string
	Theme    plugins.Theme
}

type panelLine struct {
	No     int
	Text   string
	Marked bool
}

var panelTemplate = template.Must(template.New("panel").Parse(`<div class="mermend-error mermend-error--{{.Theme}}" role="alert" data-kind="{{.Kind}}">
<div class="mermend-error__title">{{.Title}}</div>
{{- if .Message}}
<p class="mermend-error__message">{{.Message}}</p>
{{- end}}
<details class="mermend-error__source">
<summary>Show source</summary>
<pre><code>{{range .Lines}}<span class="line{{if .Marked}} line--error{{end}}" data-line="{{.No}}">{{.Text}}</span>
{{end}}</code></pre>
</details>
{{- if .Original}}
<details class="mermend-error__original">
<summary>Show original</summary>
<pre><code>{{.Original}}</code></pre>
</details>
{{- end}}
</div>
`))

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	markStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	gutterStyle = lipgloss.NewStyle().Faint(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("9")).Padding(0, 1)
)

func (p Panel) lines() []panelLine {
	if p.Source == "" {
		return nil
	}
	raw := strings.Split(p.Source, "\n")
	out := make([]panelLine, len(raw))
	for i, l := range raw {
		out[i] = panelLine{No: i + 1, Text: l, Marked: i+1 == p.Mark}
	}
	return out
}

// HTML renders the panel. Source text is escaped.
func (p Panel) HTML() []byte {
	theme := p.Theme
	if theme == "" {
		theme = plugins.ThemeLight
	}
	var buf bytes.Buffer
	err := panelTemplate.Execute(&buf, struct {
		Panel
		Theme plugins.Theme
		Lines []panelLine
	}{p, theme, p.lines()})
	if err != nil {
		return []byte(template.HTMLEscapeString(p.Title + ": " + p.Message))
	}
	return buf.Bytes()
}

// Text renders the panel for terminals.
func (p Panel) Text() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(p.Title))
	if p.Message != "" {
		b.WriteString("\n" + p.Message)
	}
	if lines := p.lines(); len(lines) > 0 {
		b.WriteString("\n")
		width := len(fmt.Sprint(len(lines)))
		for _, l := range lines {
			gutter := gutterStyle.Render(fmt.Sprintf("%*d │", width, l.No))
			text := l.Text
			if l.Marked {
				text = markStyle.Render(text + "  ◀")
			}
			b.WriteString("\n" + gutter + " " + text)
		}
	}
	if p.Original != "" {
		b.WriteString("\n\n" + gutterStyle.Render("original:") + "\n" + p.Original)
	}
	return boxStyle.Render(b.String())
}

// Artifact packages the panel for a Mount.
func (p Panel) Artifact() plugins.Artifact {
	return plugins.Artifact{
		ContentType: PanelContentType,
		Data:        p.HTML(),
		Source:      p.Source,
		Alt:         p.Text(),
	}
}
