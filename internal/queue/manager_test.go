package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/formfuzz/internal/pipeline"
	"github.com/ahrdadan/formfuzz/internal/security"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return &jetstream.PubAck{Stream: StreamName}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type processorFunc func(ctx context.Context, run *Run, progress func(string, int)) (*pipeline.Report, error)

func (f processorFunc) Process(ctx context.Context, run *Run, progress func(string, int)) (*pipeline.Report, error) {
	return f(ctx, run, progress)
}

func newTestManager(t *testing.T, notifier *Notifier) (*Manager, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	m := newManager(pub, notifier, nil)
	t.Cleanup(m.Stop)
	return m, pub
}

func TestEnqueuePublishesRunID(t *testing.T) {
	m, pub := newTestManager(t, nil)

	run, dup, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target", Count: 2})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.Regexp(t, `^run_[0-9a-f]{8}$`, run.ID)

	require.Equal(t, 1, pub.count())
	assert.Equal(t, SubjectName, pub.subjects[0])

	var msg runMessage
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, run.ID, msg.RunID)

	stored, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://target", stored.Request.TargetURL)
}

func TestEnqueueIdempotencyKeyReturnsExistingRun(t *testing.T) {
	m, pub := newTestManager(t, nil)
	req := RunRequest{TargetURL: "http://target", Count: 1, IdempotencyKey: "abc"}

	first, dup, err := m.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := m.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, pub.count())
}

func TestEnqueuePublishFailureForgetsRun(t *testing.T) {
	m, pub := newTestManager(t, nil)
	pub.err = errors.New("no responders")

	_, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target", IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Empty(t, m.store.List())

	pub.err = nil
	_, dup, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestExecuteSucceeds(t *testing.T) {
	m, _ := newTestManager(t, nil)
	run, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target", Count: 1})
	require.NoError(t, err)

	events := m.Subscribe(run.ID)
	var stages []string
	m.execute(run.ID, processorFunc(func(_ context.Context, r *Run, progress func(string, int)) (*pipeline.Report, error) {
		assert.Equal(t, RunStatusRunning, r.Status)
		for _, s := range []string{pipeline.StageExtract, pipeline.StageSubmit} {
			progress(s, stageProgress[s])
			stages = append(stages, s)
		}
		return &pipeline.Report{TargetURL: r.Request.TargetURL, ValueSets: 1}, nil
	}))

	final, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Report)
	assert.Equal(t, 1, final.Report.ValueSets)
	assert.NotZero(t, final.StartedAt)
	assert.NotZero(t, final.CompletedAt)

	var seen []RunStatus
	for len(events) > 0 {
		seen = append(seen, (<-events).Status)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, RunStatusRunning, seen[0])
	assert.Equal(t, RunStatusSucceeded, seen[len(seen)-1])
	assert.Len(t, stages, 2)
}

func TestExecuteFailureKeepsPartialReport(t *testing.T) {
	m, _ := newTestManager(t, nil)
	run, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target", Count: 2})
	require.NoError(t, err)

	m.execute(run.ID, processorFunc(func(context.Context, *Run, func(string, int)) (*pipeline.Report, error) {
		return &pipeline.Report{ValueSets: 2}, errors.New("submission cycle 1 failed")
	}))

	final, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, final.Status)
	assert.Contains(t, final.Error, "submission cycle 1 failed")
	require.NotNil(t, final.Report)
	assert.Equal(t, 2, final.Report.ValueSets)
}

func TestExecuteSkipsCanceledRun(t *testing.T) {
	m, _ := newTestManager(t, nil)
	run, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target"})
	require.NoError(t, err)

	_, err = m.Cancel(run.ID)
	require.NoError(t, err)

	called := false
	m.execute(run.ID, processorFunc(func(context.Context, *Run, func(string, int)) (*pipeline.Report, error) {
		called = true
		return nil, nil
	}))

	assert.False(t, called)
	final, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, final.Status)
}

func TestCancelRunningRunStopsProcessor(t *testing.T) {
	m, _ := newTestManager(t, nil)
	run, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target"})
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.execute(run.ID, processorFunc(func(ctx context.Context, _ *Run, _ func(string, int)) (*pipeline.Report, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	}()

	<-started
	canceled, err := m.Cancel(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, canceled.Status)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor was not canceled")
	}

	final, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, final.Status)
	assert.Empty(t, final.Error)
}

func TestCancelFinishedRun(t *testing.T) {
	m, _ := newTestManager(t, nil)
	run, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target"})
	require.NoError(t, err)
	m.execute(run.ID, processorFunc(func(context.Context, *Run, func(string, int)) (*pipeline.Report, error) {
		return &pipeline.Report{}, nil
	}))

	_, err = m.Cancel(run.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)

	_, err = m.Cancel("run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestExecuteTimeout(t *testing.T) {
	m, _ := newTestManager(t, nil)
	run, _, err := m.Enqueue(context.Background(), RunRequest{TargetURL: "http://target", Timeout: 1})
	require.NoError(t, err)

	m.execute(run.ID, processorFunc(func(ctx context.Context, _ *Run, _ func(string, int)) (*pipeline.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	final, err := m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, final.Status)
	assert.Contains(t, final.Error, "timed out after 1s")
}

func TestNotifierSignsPayload(t *testing.T) {
	type delivery struct {
		body      []byte
		signature string
		event     string
	}
	got := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{body: body, signature: r.Header.Get(SignatureHeader), event: r.Header.Get("X-Formfuzz-Event")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, _ := newTestManager(t, NewNotifier(srv.Client(), "http://formfuzz.local", nil))
	run, _, err := m.Enqueue(context.Background(), RunRequest{
		TargetURL: "http://target",
		Notify:    &NotifyConfig{WebhookURL: srv.URL, WebhookSecret: "s3cret"},
	})
	require.NoError(t, err)

	m.execute(run.ID, processorFunc(func(context.Context, *Run, func(string, int)) (*pipeline.Report, error) {
		return &pipeline.Report{}, nil
	}))

	var d delivery
	select {
	case d = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}

	assert.Equal(t, "run.succeeded", d.event)
	assert.True(t, security.VerifyWebhookSignature(d.body, d.signature, "s3cret"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(d.body, &payload))
	assert.Equal(t, run.ID, payload.RunID)
	assert.Equal(t, RunStatusSucceeded, payload.Status)
	assert.Equal(t, "http://formfuzz.local/formfuzz/runs/"+run.ID+"/result", payload.ResultURL)
}

type fakeRunner struct {
	req    pipeline.Request
	stages []string
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Report, error) {
	f.req = req
	for _, s := range f.stages {
		progress(s)
	}
	return &pipeline.Report{TargetURL: req.TargetURL}, nil
}

func TestPipelineProcessorUsesPerRunDirectory(t *testing.T) {
	runner := &fakeRunner{stages: []string{pipeline.StageExtract, pipeline.StageResolve, pipeline.StageDone}}
	p := NewPipelineProcessor(runner, "/tmp/results")
	run := NewRun(RunRequest{TargetURL: "http://target", Count: 3})

	var pcts []int
	report, err := p.Process(context.Background(), run, func(_ string, pct int) { pcts = append(pcts, pct) })
	require.NoError(t, err)

	assert.Equal(t, "http://target", report.TargetURL)
	assert.Equal(t, pipeline.Request{TargetURL: "http://target", Count: 3, ResultsDir: "/tmp/results/" + run.ID}, runner.req)
	assert.Equal(t, []int{10, 40, 100}, pcts)
}
