// Package pipeline wires extraction, prompting, resolution, validation and
// submission into a single run against one target page.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/browser"
	"github.com/ahrdadan/formfuzz/internal/form"
	"github.com/ahrdadan/formfuzz/internal/llm"
	"github.com/ahrdadan/formfuzz/internal/prompt"
	"github.com/ahrdadan/formfuzz/internal/response"
	"github.com/ahrdadan/formfuzz/internal/submit"
)

// InitialScreenshotName is the diagnostic capture taken after the first load.
const InitialScreenshotName = "initial.png"

// Stage names reported to progress callbacks.
const (
	StageExtract  = "extract"
	StagePrompt   = "prompt"
	StageResolve  = "resolve"
	StageValidate = "validate"
	StageSubmit   = "submit"
	StageDone     = "done"
)

// Resolver turns a prompt into model output.
type Resolver interface {
	Resolve(ctx context.Context, prompt string) (llm.Resolution, error)
}

// Request describes one run.
type Request struct {
	TargetURL  string
	Count      int
	ResultsDir string
}

// Report summarizes a finished run.
type Report struct {
	TargetURL         string           `json:"target_url"`
	Fields            int              `json:"fields"`
	FillableFields    int              `json:"fillable_fields"`
	CacheKey          string           `json:"cache_key"`
	Cached            bool             `json:"cached"`
	ValueSets         int              `json:"value_sets"`
	InitialScreenshot string           `json:"initial_screenshot"`
	Outcomes          []submit.Outcome `json:"outcomes"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
}

// Screenshots lists the cycle screenshots that were written.
func (r *Report) Screenshots() []string {
	out := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Screenshot != "" {
			out = append(out, o.Screenshot)
		}
	}
	return out
}

// ProgressFunc is called when a run enters a stage.
type ProgressFunc func(stage string)

// Runner executes runs. It is safe to reuse across sequential runs.
type Runner struct {
	engine       browser.Engine
	builder      *prompt.Builder
	resolver     Resolver
	orchestrator *submit.Orchestrator
	logger       *zap.Logger
}

// NewRunner assembles a runner from its components.
func NewRunner(engine browser.Engine, builder *prompt.Builder, resolver Resolver, orchestrator *submit.Orchestrator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:       engine,
		builder:      builder,
		resolver:     resolver,
		orchestrator: orchestrator,
		logger:       logger.Named("pipeline"),
	}
}

// Run executes req. The report is returned even when the submission phase
// fails, so completed screenshots stay accounted for.
func (r *Runner) Run(ctx context.Context, req Request, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(string) {}
	}
	if req.Count < 0 {
		return nil, fmt.Errorf("count must be non-negative, got %d", req.Count)
	}

	report := &Report{TargetURL: req.TargetURL, StartedAt: time.Now()}
	log := r.logger.With(zap.String("url", req.TargetURL))

	progress(StageExtract)
	fields, initial, err := r.extract(ctx, req)
	if err != nil {
		return nil, err
	}
	fillable := form.Fillable(fields)
	report.Fields = len(fields)
	report.FillableFields = len(fillable)
	report.InitialScreenshot = initial
	log.Info("Form extracted", zap.Int("fields", len(fields)), zap.Int("fillable", len(fillable)))

	progress(StagePrompt)
	text, err := r.builder.Build(req.Count, fillable)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	progress(StageResolve)
	res, err := r.resolver.Resolve(ctx, text)
	if err != nil {
		return nil, err
	}
	report.CacheKey = res.Key
	report.Cached = res.Cached

	progress(StageValidate)
	sets, err := response.Parse(res.Text)
	if err != nil {
		return nil, err
	}
	report.ValueSets = len(sets)
	if len(sets) != req.Count {
		log.Warn("Model returned a different number of value sets", zap.Int("requested", req.Count), zap.Int("received", len(sets)))
	}

	progress(StageSubmit)
	outcomes, err := r.orchestrator.Run(ctx, req.TargetURL, req.ResultsDir, sets)
	report.Outcomes = outcomes
	report.FinishedAt = time.Now()
	if err != nil {
		return report, err
	}

	progress(StageDone)
	log.Info("Run finished", zap.Int("submissions", len(outcomes)), zap.Bool("cached", report.Cached))
	return report, nil
}

// extract loads the page in its own session, captures the diagnostic
// screenshot and parses the first form.
func (r *Runner) extract(ctx context.Context, req Request) ([]form.FormField, string, error) {
	sess, err := r.engine.NewSession(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open browser session: %w", err)
	}
	release := sync.OnceFunc(func() {
		if err := sess.Close(); err != nil {
			r.logger.Warn("Failed to release extraction session", zap.Error(err))
		}
	})
	defer release()

	if err := sess.Navigate(ctx, req.TargetURL); err != nil {
		var navErr *browser.NavigationError
		if errors.As(err, &navErr) {
			return nil, "", err
		}
		return nil, "", &browser.NavigationError{URL: req.TargetURL, Err: err}
	}

	initial := filepath.Join(req.ResultsDir, InitialScreenshotName)
	if err := sess.Screenshot(ctx, initial); err != nil {
		return nil, "", fmt.Errorf("failed to capture initial screenshot: %w", err)
	}

	markup, err := sess.FormHTML(ctx)
	if errors.Is(err, browser.ErrNoForm) {
		return nil, initial, &browser.NavigationError{URL: req.TargetURL, Err: err}
	}
	if err != nil {
		return nil, initial, err
	}
	release()

	fields, err := form.Extract(markup)
	if err != nil {
		return nil, initial, err
	}
	return fields, initial, nil
}
