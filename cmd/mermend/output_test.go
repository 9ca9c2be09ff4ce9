package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mermend/internal/engine"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/preprocess"
)

func sampleRepair() *engine.Repair {
	return &engine.Repair{
		Input:   "graph TD\nA-->B",
		Output:  "graph TD\nA-->B",
		Grammar: "flowchart",
		Steps: []preprocess.Step{
			{Name: "strip-fences"},
			{Name: "quote-labels", Changed: true},
			{Name: "bad-rule", Error: "boom"},
		},
		Complete: true,
	}
}

func TestWriteRepair_Plain(t *testing.T) {
	var out, errOut bytes.Buffer
	require.NoError(t, writeRepair(sampleRepair(), false, false, &out, &errOut))
	assert.Equal(t, "graph TD\nA-->B\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestWriteRepair_Trace(t *testing.T) {
	var out, errOut bytes.Buffer
	require.NoError(t, writeRepair(sampleRepair(), false, true, &out, &errOut))

	trace := errOut.String()
	assert.Contains(t, trace, "grammar: flowchart")
	assert.Contains(t, trace, "quote-labels")
	assert.Contains(t, trace, "bad-rule: boom")
	assert.Contains(t, trace, "complete")
}

func TestWriteRepair_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeRepair(sampleRepair(), true, false, &out, &bytes.Buffer{}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "flowchart", got["grammar"])
	assert.Nil(t, got["steps"])
	assert.Equal(t, true, got["complete"])
}

func TestFormatSteps_Incomplete(t *testing.T) {
	rep := &engine.Repair{Grammar: "sequence", Incomplete: "open block"}
	assert.Contains(t, formatSteps(rep), "incomplete: open block")
}

func TestWriteArtifact(t *testing.T) {
	tests := []struct {
		name     string
		artifact plugins.Artifact
		want     string
		wantErr  error
	}{
		{
			name:     "text",
			artifact: plugins.Artifact{ContentType: "text/plain", Data: []byte("A --> B\n")},
			want:     "A --> B",
		},
		{
			name:     "svg",
			artifact: plugins.Artifact{ContentType: "image/svg+xml", Data: []byte("<svg/>")},
			want:     "<svg/>",
		},
		{
			name:     "png with alt",
			artifact: plugins.Artifact{ContentType: "image/png", Data: []byte{0x89, 'P'}, Alt: "a flowchart"},
			want:     "a flowchart",
		},
		{
			name:     "png without alt",
			artifact: plugins.Artifact{ContentType: "image/png", Data: []byte{0x89, 'P'}},
			wantErr:  errBinaryArtifact,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := writeArtifact(&out, tt.artifact)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}
