package grammar

import "strings"

// FenceBlock is one fenced code block found in a markdown message.
type FenceBlock struct {
	Lang   string
	Body   string
	Closed bool
}

// diagramLangs are the info strings whose blocks carry diagram definitions.
var diagramLangs = map[string]bool{
	"mermaid":   true,
	"vega-lite": true,
	"vegalite":  true,
	"chart":     true,
}

// IsDiagramLang reports whether a fence info string marks a diagram block.
func IsDiagramLang(lang string) bool {
	return diagramLangs[strings.ToLower(lang)]
}

// ExtractFences returns the diagram blocks of a possibly partial markdown
// message. The last block is reported with Closed=false when its closing
// fence has not arrived yet.
func ExtractFences(markdown string) []FenceBlock {
	var (
		blocks  []FenceBlock
		inFence bool
		char    byte
		length  int
		lang    string
		body    []string
	)

	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !inFence {
			c, n, info, ok := openingFence(line)
			if !ok {
				continue
			}
			inFence, char, length, lang, body = true, c, n, info, nil
			continue
		}
		if closingFence(line, char, length) {
			if IsDiagramLang(lang) {
				blocks = append(blocks, FenceBlock{Lang: lang, Body: strings.Join(body, "\n"), Closed: true})
			}
			inFence = false
			continue
		}
		body = append(body, line)
	}

	if inFence && IsDiagramLang(lang) {
		blocks = append(blocks, FenceBlock{Lang: lang, Body: strings.Join(body, "\n")})
	}
	return blocks
}

// openingFence parses a ``` or ~~~ line with up to three spaces of indent.
func openingFence(line string) (char byte, length int, info string, ok bool) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 {
		return 0, 0, "", false
	}
	char = trimmed[0]
	if char != '`' && char != '~' {
		return 0, 0, "", false
	}
	for length < len(trimmed) && trimmed[length] == char {
		length++
	}
	if length < 3 {
		return 0, 0, "", false
	}
	info = strings.TrimSpace(trimmed[length:])
	if char == '`' && strings.Contains(info, "`") {
		return 0, 0, "", false
	}
	if idx := strings.IndexAny(info, " \t{"); idx >= 0 {
		info = info[:idx]
	}
	return char, length, info, true
}

func closingFence(line string, char byte, length int) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return false
	}
	trimmed = strings.TrimRight(trimmed, " \t")
	if len(trimmed) < length {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != char {
			return false
		}
	}
	return true
}
