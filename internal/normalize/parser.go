package normalize

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rendis/mermend/internal/grammar"
)

// Parser is the injected capability used to discover which grammar
// spellings a diagram engine accepts. Identity must change whenever the
// set of accepted spellings may change (e.g. a new engine version).
type Parser interface {
	Identity() string
	TryParse(ctx context.Context, fragment string) bool
}

// StaticParser accepts a fixed set of spellings. It stands in for an engine
// whose capabilities are known from configuration.
type StaticParser struct {
	version  string
	accepted map[grammar.Type]bool
}

// NewStaticParser creates a StaticParser accepting the given spellings.
func NewStaticParser(version string, accepted []grammar.Type) *StaticParser {
	m := make(map[grammar.Type]bool, len(accepted))
	for _, t := range accepted {
		m[t] = true
	}
	return &StaticParser{version: version, accepted: m}
}

// DefaultAccepted is the spelling set of a mermaid 11 engine.
func DefaultAccepted() []grammar.Type {
	return []grammar.Type{
		grammar.Flowchart, grammar.Graph, grammar.Sequence, grammar.Class,
		grammar.State, grammar.StateV2, grammar.ER, grammar.Gantt, grammar.Pie,
		grammar.Journey, grammar.GitGraph, grammar.Mindmap, grammar.Timeline,
		grammar.Quadrant, grammar.Requirement, grammar.C4Context, grammar.Kanban,
		grammar.SankeyBeta, grammar.BlockBeta, grammar.XYChartBeta,
		grammar.PacketBeta, grammar.ArchitectureBeta, grammar.RadarBeta,
	}
}

func (p *StaticParser) Identity() string { return "static:" + p.version }

func (p *StaticParser) TryParse(_ context.Context, fragment string) bool {
	return p.accepted[grammar.Detect(fragment)]
}

// CLIParserConfig describes an external syntax checker. Args may contain the
// placeholder {input}, replaced by the path of a file holding the fragment;
// without it the fragment is piped on stdin.
type CLIParserConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// CLIParser probes spellings by running an external binary. Exit status 0
// means the fragment was accepted.
type CLIParser struct {
	cfg CLIParserConfig

	once     sync.Once
	identity string
}

// NewCLIParser creates a CLIParser. A zero timeout defaults to 10s.
func NewCLIParser(cfg CLIParserConfig) *CLIParser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CLIParser{cfg: cfg}
}

// Identity is the command path plus its --version output, resolved once.
func (p *CLIParser) Identity() string {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, p.cfg.Command, "--version").Output()
		version := strings.TrimSpace(string(out))
		if err != nil || version == "" {
			version = "unknown"
		}
		p.identity = "cli:" + p.cfg.Command + "@" + version
	})
	return p.identity
}

func (p *CLIParser) TryParse(ctx context.Context, fragment string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args, cleanup, err := p.args(fragment)
	if err != nil {
		return false
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	if !usesInputFile(p.cfg.Args) {
		cmd.Stdin = strings.NewReader(fragment)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	return cmd.Run() == nil
}

func usesInputFile(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "{input}") {
			return true
		}
	}
	return false
}

func (p *CLIParser) args(fragment string) ([]string, func(), error) {
	if !usesInputFile(p.cfg.Args) {
		return p.cfg.Args, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "mermend-probe-*")
	if err != nil {
		return nil, nil, fmt.Errorf("probe temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	input := filepath.Join(dir, "input.mmd")
	if err := os.WriteFile(input, []byte(fragment), 0o600); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("write probe: %w", err)
	}
	out := make([]string, len(p.cfg.Args))
	for i, a := range p.cfg.Args {
		a = strings.ReplaceAll(a, "{input}", input)
		out[i] = strings.ReplaceAll(a, "{dir}", dir)
	}
	return out, cleanup, nil
}
