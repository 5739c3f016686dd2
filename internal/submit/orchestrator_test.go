package submit_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahrdadan/formfuzz/internal/browser/browsertest"
	"github.com/ahrdadan/formfuzz/internal/form"
	"github.com/ahrdadan/formfuzz/internal/submit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const markup = `<form><input name="email"><input name="phone"></form>`

// fakeClock only advances when the orchestrator sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 250_000_000)}
}

func twoSets() form.ResponseSet {
	return form.ResponseSet{
		{{Name: "email", Value: "a@b.com"}, {Name: "unknown", Value: "x"}},
		{{Name: "email", Value: "c@d.com"}, {Name: "phone", Value: "555"}},
	}
}

func TestRun_DistinctTimestampScreenshots(t *testing.T) {
	engine := browsertest.NewEngine(markup, "email", "phone")
	clock := newClock()
	dir := t.TempDir()

	o := submit.New(engine, submit.WithClock(clock.Now, clock.Sleep))
	outcomes, err := o.Run(context.Background(), "http://target", dir, twoSets())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, filepath.Join(dir, "1700000000.png"), outcomes[0].Screenshot)
	assert.Equal(t, filepath.Join(dir, "1700000001.png"), outcomes[1].Screenshot)
	assert.Equal(t, []time.Duration{750 * time.Millisecond}, clock.sleeps)

	for _, o := range outcomes {
		_, statErr := os.Stat(o.Screenshot)
		assert.NoError(t, statErr)
	}

	require.Len(t, engine.Submissions, 2)
	assert.Equal(t, map[string]string{"email": "a@b.com"}, engine.Submissions[0].Values)
	assert.Equal(t, map[string]string{"email": "c@d.com", "phone": "555"}, engine.Submissions[1].Values)
	assert.Equal(t, "http://target", engine.Submissions[1].URL)

	assert.Equal(t, 2, engine.Sessions())
	assert.Equal(t, 0, engine.Open())
}

func TestRun_DuplicateNamesLastWins(t *testing.T) {
	engine := browsertest.NewEngine(markup, "email")
	clock := newClock()

	o := submit.New(engine, submit.WithClock(clock.Now, clock.Sleep))
	_, err := o.Run(context.Background(), "http://target", t.TempDir(), form.ResponseSet{
		{{Name: "email", Value: "first"}, {Name: "email", Value: "second"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "second", engine.Submissions[0].Values["email"])
}

func TestRun_EmptySetRunsNoCycles(t *testing.T) {
	engine := browsertest.NewEngine(markup, "email")

	outcomes, err := submit.New(engine).Run(context.Background(), "http://target", t.TempDir(), form.ResponseSet{})
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 0, engine.Sessions())
}

func TestRun_FailFastStopsAndReleasesSession(t *testing.T) {
	boom := errors.New("chrome crashed")
	engine := browsertest.NewEngine(markup, "email", "phone")
	engine.Fail["submit"] = boom
	engine.FailOnSession = 0
	clock := newClock()

	o := submit.New(engine, submit.WithClock(clock.Now, clock.Sleep))
	outcomes, err := o.Run(context.Background(), "http://target", t.TempDir(), twoSets())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var subErr *submit.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, 0, subErr.Cycle)
	assert.Equal(t, submit.StageSubmit, subErr.Stage)

	require.Len(t, outcomes, 1)
	assert.Empty(t, outcomes[0].Screenshot)
	assert.Equal(t, 1, engine.Sessions())
	assert.Equal(t, 0, engine.Open())
}

func TestRun_BestEffortContinues(t *testing.T) {
	boom := errors.New("navigation timeout")
	engine := browsertest.NewEngine(markup, "email", "phone")
	engine.Fail["navigate"] = boom
	engine.FailOnSession = 0
	clock := newClock()

	o := submit.New(engine, submit.WithPolicy(submit.BestEffort), submit.WithClock(clock.Now, clock.Sleep))
	outcomes, err := o.Run(context.Background(), "http://target", t.TempDir(), twoSets())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
	assert.NotEmpty(t, outcomes[1].Screenshot)
	assert.Len(t, engine.Submissions, 1)
	assert.Equal(t, 0, engine.Open())
}

func TestRun_SessionFailure(t *testing.T) {
	engine := browsertest.NewEngine(markup)
	engine.Fail["session"] = errors.New("no chrome")

	_, err := submit.New(engine).Run(context.Background(), "http://target", t.TempDir(), twoSets())

	var subErr *submit.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, submit.StageSession, subErr.Stage)
	assert.Equal(t, 0, engine.Open())
}

func TestRun_CanceledContext(t *testing.T) {
	engine := browsertest.NewEngine(markup, "email")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := submit.New(engine).Run(ctx, "http://target", t.TempDir(), twoSets())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, outcomes)
	assert.Equal(t, 0, engine.Sessions())
}

func TestParsePolicy(t *testing.T) {
	p, err := submit.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, submit.FailFast, p)

	p, err = submit.ParsePolicy("Best-Effort")
	require.NoError(t, err)
	assert.Equal(t, submit.BestEffort, p)

	_, err = submit.ParsePolicy("retry")
	assert.Error(t, err)
}
