package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/logging"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/pkg/schema"
)

// renderJob is one request on its way through normalize, preprocess and
// the renderer.
type renderJob struct {
	seq      int64
	req      schema.DiagramRequest
	spec     plugins.Spec
	renderer plugins.Renderer
	theme    plugins.Theme
	lastGood string
}

// renderResult is what a job produced. Staged artifacts reach the display
// only if the result is not stale when it settles.
type renderResult struct {
	job         *renderJob
	processed   string
	grammar     grammar.Type
	fingerprint string
	staged      []plugins.Artifact
	cleanup     plugins.Cleanup
	err         error
	cached      bool
	unchanged   bool
	attempts    int
	duration    time.Duration
}

// release runs the cleanup of a result that will never be shown.
func (r *renderResult) release() {
	if r.cleanup != nil {
		r.cleanup()
		r.cleanup = nil
	}
}

// Fingerprint identifies a render input: the processed definition, the
// renderer that draws it and the theme it is drawn in.
func Fingerprint(processed, renderer string, theme plugins.Theme) string {
	h := sha256.New()
	h.Write([]byte(processed))
	h.Write([]byte{0})
	h.Write([]byte(renderer))
	h.Write([]byte{0})
	h.Write([]byte(theme))
	return hex.EncodeToString(h.Sum(nil))
}

// execute runs on a pool goroutine without holding the session lock.
func (s *Session) execute(ctx context.Context, job *renderJob) *renderResult {
	o := s.o
	name := job.renderer.Name()
	ctx = logging.WithIDs(ctx, s.id, job.seq, name)
	log := logging.LogWith(ctx, o.logger)
	start := time.Now()

	res := &renderResult{job: job}
	text, g := o.normalizer.NormalizeDefinition(ctx, job.spec.Definition, job.spec.Grammar, o.parser)
	if g == "" {
		g = job.spec.Grammar
	}
	res.grammar = g
	res.processed = o.preprocessors.Run(ctx, text, g)
	res.fingerprint = Fingerprint(res.processed, name, job.theme)

	if !job.req.ForceRender && res.fingerprint == job.lastGood {
		res.unchanged = true
		return res
	}

	if a, ok := o.lookup(ctx, res.fingerprint); ok {
		res.staged = []plugins.Artifact{a}
		res.cached = true
		res.duration = time.Since(start)
		return res
	}

	spec := job.spec
	spec.Definition = res.processed
	spec.Grammar = g

	policy := o.cfg.Retry
	for attempt := 0; ; attempt++ {
		res.attempts = attempt + 1
		if err := o.breakers.AllowRequest(name); err != nil {
			res.err = err
			break
		}

		canvas := &plugins.Canvas{}
		began := time.Now()
		cleanup, err := safeRender(ctx, job.renderer, canvas, spec, job.theme)
		took := time.Since(began)
		o.metrics.Circuit(name, int(o.breakers.Record(name, err)))

		if err == nil {
			o.metrics.ObserveRender(name, "success", took)
			res.staged = painted(canvas)
			res.cleanup = cleanup
			res.err = nil
			break
		}
		if cleanup != nil {
			cleanup()
		}
		o.metrics.ObserveRender(name, "failure", took)
		res.err = err

		if !IsRetryableError(err) || attempt >= policy.MaxRetries || s.superseded(job.seq) {
			break
		}
		o.metrics.Retry(name)
		s.mu.Lock()
		s.emit(schema.EventRenderRetryAttempt, job.seq, store.RenderPayload{
			Renderer: name,
			Code:     schema.Kind(err),
			Message:  err.Error(),
			Attempt:  attempt + 1,
		})
		s.mu.Unlock()
		delay := ComputeBackoff(&policy, attempt)
		log.Info("retrying render", slog.Int("attempt", attempt+1), slog.Duration("delay", delay), slog.Any("error", err))
		if err := WaitForBackoff(ctx, delay); err != nil {
			break
		}
	}

	res.duration = time.Since(start)
	if res.err != nil {
		log.Warn("render failed", slog.Int("attempts", res.attempts), slog.Any("error", res.err))
	}
	return res
}

// safeRender turns a renderer panic into an error.
func safeRender(ctx context.Context, rd plugins.Renderer, mount plugins.Mount, spec plugins.Spec, theme plugins.Theme) (cleanup plugins.Cleanup, err error) {
	defer func() {
		if p := recover(); p != nil {
			cleanup = nil
			err = fmt.Errorf("renderer %s panicked: %v", rd.Name(), p)
		}
	}()
	return rd.Render(ctx, mount, spec, theme)
}

func painted(c *plugins.Canvas) []plugins.Artifact {
	a, ok := c.Last()
	if !ok {
		return nil
	}
	return []plugins.Artifact{a}
}

// lookup reads the render cache. Misses and store errors both fall through
// to a real render.
func (o *Orchestrator) lookup(ctx context.Context, fingerprint string) (plugins.Artifact, bool) {
	if o.store == nil || o.cfg.DisableCache {
		return plugins.Artifact{}, false
	}
	cached, err := o.store.GetArtifact(ctx, fingerprint)
	if err != nil {
		if schema.Kind(err) != schema.ErrCodeNotFound {
			o.logger.WarnContext(ctx, "render cache lookup", slog.Any("error", err))
		}
		o.metrics.Cache(false)
		return plugins.Artifact{}, false
	}
	o.metrics.Cache(true)
	return plugins.Artifact{
		ContentType: cached.ContentType,
		Data:        cached.Data,
		Alt:         cached.Alt,
	}, true
}

func (o *Orchestrator) cache(ctx context.Context, fingerprint, renderer string, a plugins.Artifact) {
	if o.store == nil || o.cfg.DisableCache {
		return
	}
	err := o.store.PutArtifact(context.WithoutCancel(ctx), &store.Artifact{
		Fingerprint: fingerprint,
		Renderer:    renderer,
		ContentType: a.ContentType,
		Data:        a.Data,
		Alt:         a.Alt,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "render cache write", slog.Any("error", err))
	}
}
