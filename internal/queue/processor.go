package queue

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ahrdadan/formfuzz/internal/pipeline"
)

// stageProgress maps pipeline stages onto a percentage for status polling.
var stageProgress = map[string]int{
	pipeline.StageExtract:  10,
	pipeline.StagePrompt:   25,
	pipeline.StageResolve:  40,
	pipeline.StageValidate: 60,
	pipeline.StageSubmit:   75,
	pipeline.StageDone:     100,
}

// PipelineRunner is satisfied by *pipeline.Runner.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Report, error)
}

// PipelineProcessor executes queued runs with a pipeline runner. Each run
// writes its screenshots to its own directory under resultsDir.
type PipelineProcessor struct {
	runner     PipelineRunner
	resultsDir string
}

// NewPipelineProcessor creates a processor writing under resultsDir
func NewPipelineProcessor(runner PipelineRunner, resultsDir string) *PipelineProcessor {
	return &PipelineProcessor{
		runner:     runner,
		resultsDir: resultsDir,
	}
}

// ResultsDir returns the directory screenshots for runID are written to
func (p *PipelineProcessor) ResultsDir(runID string) string {
	return filepath.Join(p.resultsDir, runID)
}

// Process runs the pipeline for run
func (p *PipelineProcessor) Process(ctx context.Context, run *Run, progress func(stage string, pct int)) (*pipeline.Report, error) {
	req := pipeline.Request{
		TargetURL:  run.Request.TargetURL,
		Count:      run.Request.Count,
		ResultsDir: p.ResultsDir(run.ID),
	}

	report, err := p.runner.Run(ctx, req, func(stage string) {
		progress(stage, stageProgress[stage])
	})
	if err != nil {
		if ctx.Err() != nil {
			return report, fmt.Errorf("run interrupted: %w", err)
		}
		return report, err
	}
	return report, nil
}
