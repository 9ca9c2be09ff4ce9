package plugins

import "context"

// SourceName is the name of the raw source renderer.
const SourceName = "source"

// Source paints the definition verbatim. It never claims a spec on its own
// and is only used when requested by name.
type Source struct{}

func (Source) Name() string        { return SourceName }
func (Source) Priority() int       { return 0 }
func (Source) CanHandle(Spec) bool { return false }

func (Source) Render(_ context.Context, mount Mount, spec Spec, _ Theme) (Cleanup, error) {
	mount.Paint(Artifact{ContentType: "text/plain; charset=utf-8", Data: []byte(spec.Definition), Source: spec.Definition})
	return nil, nil
}
