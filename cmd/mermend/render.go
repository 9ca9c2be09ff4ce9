package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/pkg/schema"
)

const renderTimeout = 60 * time.Second

var artifactBox = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

func runRender(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	dark := fs.Bool("dark", false, "render with the dark theme")
	renderer := fs.String("renderer", "", "force a registered renderer")
	typ := fs.String("type", "", "spec type for object specs (vega-lite, chart)")
	outPath := fs.String("o", "", "write the artifact to this file instead of the terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	text, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), renderTimeout)
	defer cancel()

	a, err := buildApp(ctx, loadConfig(), false)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.Render(ctx, schema.RawSpec{
		Definition: string(text),
		Type:       *typ,
		Renderer:   *renderer,
	}, *dark)
	if err != nil {
		return err
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, res.Artifact.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *outPath, err)
		}
		fmt.Fprintf(out, "%s written to %s\n", res.Artifact.ContentType, *outPath)
	} else if err := writeArtifact(out, res.Artifact); err != nil {
		return err
	}
	return res.Err
}

var errBinaryArtifact = errors.New("binary artifact: use -o to write it to a file")

// writeArtifact prints textual artifacts inside a box. Binary images
// cannot go to a terminal.
func writeArtifact(w io.Writer, a plugins.Artifact) error {
	body := string(a.Data)
	if !isTextual(a.ContentType) {
		if a.Alt == "" {
			return errBinaryArtifact
		}
		body = a.Alt
	}
	_, err := fmt.Fprintln(w, artifactBox.Render(strings.TrimRight(body, "\n")))
	return err
}

func isTextual(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.HasPrefix(contentType, "image/svg") ||
		strings.Contains(contentType, "json")
}
