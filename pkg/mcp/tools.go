package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/oracle"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/pkg/schema"
)

// --- Tool definitions ---

func repairTool() mcp.Tool {
	return mcp.NewTool("diagram.repair",
		mcp.WithDescription("Fix common mistakes in a diagram definition without rendering it"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Diagram source text")),
		mcp.WithString("type", mcp.Description("Grammar to assume when the definition has no header line")),
		mcp.WithBoolean("trace", mcp.Description("Include the list of correction rules that ran")),
	)
}

func checkTool() mcp.Tool {
	return mcp.NewTool("diagram.check",
		mcp.WithDescription("Report the grammar of a definition and whether it is complete enough to render"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Diagram source text")),
		mcp.WithString("type", mcp.Description("Grammar to assume when the definition has no header line")),
	)
}

func renderTool() mcp.Tool {
	return mcp.NewTool("diagram.render",
		mcp.WithDescription("Render a diagram definition. Returns an image for raster output and text otherwise"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Diagram source text, or a JSON/YAML chart spec")),
		mcp.WithString("type", mcp.Description("Grammar discriminator (e.g. vega-lite, chart)")),
		mcp.WithString("renderer", mcp.Description("Name of a registered renderer to use instead of automatic selection")),
		mcp.WithBoolean("dark", mcp.Description("Render with the dark theme")),
	)
}

func grammarsTool() mcp.Tool {
	return mcp.NewTool("diagram.grammars",
		mcp.WithDescription("List known grammars and the renderer that would draw each"),
	)
}

// --- Handlers ---

// handleRepair runs the correction pipeline.
func (s *Server) handleRepair(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	hint := grammar.Type(req.GetString("type", ""))

	rep, repErr := s.engine.Repair(ctx, definition, hint)
	if repErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("repair failed: %v", repErr)), nil
	}
	if !req.GetBool("trace", false) {
		rep.Steps = nil
	}
	return marshalResult(rep)
}

// checkResult is the diagram.check payload.
type checkResult struct {
	Grammar      grammar.Type `json:"grammar"`
	Family       grammar.Type `json:"family,omitempty"`
	Known        bool         `json:"known"`
	Complete     bool         `json:"complete"`
	Reason       string       `json:"reason,omitempty"`
	Renderer     string       `json:"renderer,omitempty"`
	Experimental grammar.Type `json:"alias,omitempty"`
}

// handleCheck reports grammar and completeness of the raw text.
func (s *Server) handleCheck(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	spec := plugins.NewSpec(schema.RawSpec{Definition: definition, Type: req.GetString("type", "")})
	verdict := oracle.Explain(definition, spec.Grammar)
	res := checkResult{
		Grammar:  spec.Grammar,
		Known:    grammar.IsKnown(spec.Grammar),
		Complete: verdict.Complete,
		Reason:   verdict.Reason,
	}
	if res.Known {
		res.Family = spec.Family()
		if alt, ok := grammar.Experimental(spec.Grammar); ok {
			res.Experimental = alt
		}
	}
	if rd, selErr := s.engine.Renderers().Select(spec); selErr == nil {
		res.Renderer = rd.Name()
	}
	return marshalResult(res)
}

// handleRender draws the definition through a one-shot session.
func (s *Server) handleRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw := schema.RawSpec{
		Definition: definition,
		Type:       req.GetString("type", ""),
		Renderer:   req.GetString("renderer", ""),
	}

	res, renderErr := s.engine.Render(ctx, raw, req.GetBool("dark", false))
	if renderErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", renderErr)), nil
	}
	if res.Err != nil {
		msg := fmt.Sprintf("render failed [%s]: %v", schema.Kind(res.Err), res.Err)
		if res.Artifact.Alt != "" {
			msg += "\n\n" + res.Artifact.Alt
		}
		return mcp.NewToolResultError(msg), nil
	}
	return artifactResult(res.Snapshot.Renderer, res.Artifact), nil
}

// artifactResult turns a painted artifact into tool content: raster
// images as image content, everything else as text.
func artifactResult(renderer string, a plugins.Artifact) *mcp.CallToolResult {
	mediaType := a.ContentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	caption := fmt.Sprintf("rendered by %s (%s)", renderer, mediaType)

	if strings.HasPrefix(mediaType, "image/") && mediaType != "image/svg+xml" {
		return mcp.NewToolResultImage(caption, base64.StdEncoding.EncodeToString(a.Data), mediaType)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(a.Data)),
			mcp.NewTextContent(caption),
		},
	}
}

// grammarInfo is one row of diagram.grammars.
type grammarInfo struct {
	Grammar  grammar.Type `json:"grammar"`
	Family   grammar.Type `json:"family"`
	Object   bool         `json:"object"`
	Renderer string       `json:"renderer,omitempty"`
}

// handleGrammars lists every known grammar spelling.
func (s *Server) handleGrammars(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg := s.engine.Renderers()
	out := make([]grammarInfo, 0, len(grammar.Known))
	for _, g := range grammar.Known {
		info := grammarInfo{Grammar: g, Family: grammar.Family(g), Object: grammar.IsObject(g)}
		spec := plugins.NewSpec(schema.RawSpec{Type: string(g)})
		if rd, err := reg.Select(spec); err == nil {
			info.Renderer = rd.Name()
		}
		out = append(out, info)
	}
	return marshalResult(map[string]any{
		"grammars":  out,
		"renderers": reg.List(),
	})
}

// --- Helpers ---

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
