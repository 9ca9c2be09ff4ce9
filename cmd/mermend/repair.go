package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/mermend/internal/engine"
	"github.com/rendis/mermend/internal/grammar"
)

var (
	stepChanged = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stepFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	stepIdle    = lipgloss.NewStyle().Faint(true)
)

func runRepair(args []string, in io.Reader, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(errOut)
	hint := fs.String("type", "", "grammar to assume when the text has no header")
	trace := fs.Bool("trace", false, "print the preprocessing steps to stderr")
	asJSON := fs.Bool("json", false, "print the full repair report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	text, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	ctx := context.Background()
	a, err := buildApp(ctx, loadConfig(), false)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.engine.Repair(ctx, string(text), grammar.Type(*hint))
	if err != nil {
		return err
	}
	return writeRepair(rep, *asJSON, *trace, out, errOut)
}

func writeRepair(rep *engine.Repair, asJSON, trace bool, out, errOut io.Writer) error {
	if asJSON {
		if !trace {
			rep.Steps = nil
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	if trace {
		fmt.Fprint(errOut, formatSteps(rep))
	}
	output := rep.Output
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	_, err := io.WriteString(out, output)
	return err
}

// formatSteps renders one line per preprocessing step plus the verdict.
func formatSteps(rep *engine.Repair) string {
	var b strings.Builder
	fmt.Fprintf(&b, "grammar: %s\n", rep.Grammar)
	for _, s := range rep.Steps {
		switch {
		case s.Error != "":
			b.WriteString(stepFailed.Render(fmt.Sprintf("  ! %s: %s", s.Name, s.Error)))
		case s.Changed:
			b.WriteString(stepChanged.Render("  * " + s.Name))
		default:
			b.WriteString(stepIdle.Render("    " + s.Name))
		}
		b.WriteByte('\n')
	}
	if rep.Complete {
		b.WriteString("complete\n")
	} else {
		fmt.Fprintf(&b, "incomplete: %s\n", rep.Incomplete)
	}
	return b.String()
}
