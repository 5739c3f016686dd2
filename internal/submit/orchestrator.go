// Package submit replays generated field-value sets through the browser,
// one isolated session per set.
package submit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/browser"
	"github.com/ahrdadan/formfuzz/internal/form"
)

// Policy decides what happens to the remaining cycles after a failure.
type Policy string

const (
	// FailFast aborts the remaining cycles on the first failure.
	FailFast Policy = "fail-fast"
	// BestEffort runs every cycle and reports all failures together.
	BestEffort Policy = "best-effort"
)

// ParsePolicy validates a policy name. Empty means FailFast.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailFast:
		return FailFast, nil
	case BestEffort:
		return BestEffort, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// Stage names the step of a cycle that failed.
type Stage string

const (
	StageSession    Stage = "session"
	StageNavigate   Stage = "navigate"
	StageFill       Stage = "fill"
	StageSubmit     Stage = "submit"
	StageScreenshot Stage = "screenshot"
)

// SubmissionError wraps a browser failure inside one cycle.
type SubmissionError struct {
	Cycle int
	Stage Stage
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission cycle %d failed at %s: %v", e.Cycle, e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Outcome records one cycle. Screenshot is empty when the cycle failed
// before the capture.
type Outcome struct {
	Index      int    `json:"index"`
	Screenshot string `json:"screenshot,omitempty"`
	Error      string `json:"error,omitempty"`
	Err        error  `json:"-"`
}

// Orchestrator runs submission cycles sequentially.
type Orchestrator struct {
	engine browser.Engine
	policy Policy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the failure policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.policy = p
		}
	}
}

// WithClock replaces the wall clock used for screenshot names.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator over engine.
func New(engine browser.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine: engine,
		policy: FailFast,
		now:    time.Now,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("submit")
	return o
}

// Run replays every set against targetURL and writes one screenshot per
// cycle into resultsDir. Outcomes are returned for every cycle attempted.
func (o *Orchestrator) Run(ctx context.Context, targetURL, resultsDir string, sets form.ResponseSet) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(sets))
	var (
		errs      []error
		lastStamp int64 = -1
	)

	for i, set := range sets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		shot, err := o.cycle(ctx, i, targetURL, resultsDir, set, &lastStamp)
		outcome := Outcome{Index: i, Screenshot: shot, Err: err}
		if err != nil {
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
		if err == nil {
			o.logger.Info("Submission recorded", zap.Int("cycle", i), zap.String("screenshot", shot))
			continue
		}

		o.logger.Error("Submission failed", zap.Int("cycle", i), zap.Error(err))
		errs = append(errs, err)
		if o.policy == FailFast {
			break
		}
	}

	return outcomes, errors.Join(errs...)
}

func (o *Orchestrator) cycle(ctx context.Context, index int, targetURL, resultsDir string, set form.FieldValueSet, lastStamp *int64) (string, error) {
	fail := func(stage Stage, err error) (string, error) {
		return "", &SubmissionError{Cycle: index, Stage: stage, Err: err}
	}

	sess, err := o.engine.NewSession(ctx)
	if err != nil {
		return fail(StageSession, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			o.logger.Warn("Failed to release session", zap.Int("cycle", index), zap.Error(err))
		}
	}()

	if err := sess.Navigate(ctx, targetURL); err != nil {
		return fail(StageNavigate, err)
	}

	for _, fv := range set {
		matched, err := sess.SetValue(ctx, fv.Name, fv.Value)
		if err != nil {
			return fail(StageFill, err)
		}
		if !matched {
			o.logger.Debug("No control for generated value", zap.Int("cycle", index), zap.String("name", fv.Name))
		}
	}

	if err := sess.Submit(ctx); err != nil {
		return fail(StageSubmit, err)
	}

	stamp, err := o.nextStamp(ctx, *lastStamp)
	if err != nil {
		return fail(StageScreenshot, err)
	}
	*lastStamp = stamp

	path := filepath.Join(resultsDir, strconv.FormatInt(stamp, 10)+".png")
	if err := sess.Screenshot(ctx, path); err != nil {
		return fail(StageScreenshot, err)
	}
	return path, nil
}

// nextStamp returns the current unix second, waiting for the next second
// when it would repeat last.
func (o *Orchestrator) nextStamp(ctx context.Context, last int64) (int64, error) {
	for {
		now := o.now()
		stamp := now.Unix()
		if stamp > last {
			return stamp, nil
		}
		wait := time.Unix(last+1, 0).Sub(now)
		if err := o.sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
