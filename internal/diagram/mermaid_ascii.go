package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RenderASCIIAuto tries to render using the mermaid-ascii CLI binary if available,
// falling back to the hand-rolled RenderASCII renderer.
func RenderASCIIAuto(ctx context.Context, model *DiagramModel, binDir string) string {
	if binDir != "" {
		binPath := filepath.Join(binDir, "mermaid-ascii")
		if _, err := os.Stat(binPath); err == nil {
			result, err := RenderASCIIViaCLI(ctx, model, binPath)
			if err == nil {
				return result
			}
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes simplified Mermaid syntax through the mermaid-ascii binary.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, binPath string) (string, error) {
	mermaid := RenderMermaidForCLI(model)

	cmd := exec.CommandContext(ctx, binPath)
	cmd.Stdin = strings.NewReader(mermaid)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI generates simplified Mermaid syntax compatible with the
// mermaid-ascii CLI tool. mermaid-ascii cannot parse ["label"] declarations
// and ignores subgraph blocks, so labels become dashed node ids and groups
// are flattened.
func RenderMermaidForCLI(model *DiagramModel) string {
	var b strings.Builder
	if model.Direction == DirectionLR || model.Direction == DirectionRL {
		b.WriteString("graph LR\n")
	} else {
		b.WriteString("graph TD\n")
	}

	displayID := make(map[string]string, len(model.Nodes))
	used := make(map[string]bool, len(model.Nodes))
	for _, node := range model.Nodes {
		id := cliNodeID(node)
		if used[id] {
			id += "-" + mermaidSafeID(node.ID)
		}
		used[id] = true
		displayID[node.ID] = id
	}
	resolve := func(id string) string {
		if d, ok := displayID[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}

	linked := map[string]bool{}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", firstLine(edge.Label))
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n", resolve(edge.From), label, resolve(edge.To)))
		linked[edge.From], linked[edge.To] = true, true
	}
	for _, node := range model.Nodes {
		if !linked[node.ID] {
			b.WriteString(fmt.Sprintf("    %s\n", resolve(node.ID)))
		}
	}

	return b.String()
}

// cliNodeID builds a display ID for the mermaid-ascii CLI from the first
// label line.
func cliNodeID(node *Node) string {
	id := firstLine(node.Label)
	if strings.TrimSpace(id) == "" {
		id = node.ID
	}
	r := strings.NewReplacer(" ", "-", "|", "-", "[", "", "]", "", "(", "", ")", "", "{", "", "}", "", "\"", "", ";", "")
	return r.Replace(strings.TrimSpace(id))
}
